// Package tiers resolves the rate-limit rule for an action and subscription tier.
package tiers

import (
	"context"
	"strings"
	"time"

	"careerpilot/backend/internal/ratelimit/domain"
)

const day = 24 * time.Hour

// Query selects a rule. UserID is optional and only used by override layers.
type Query struct {
	Action domain.Action
	Tier   domain.Tier
	UserID string
}

// Resolver maps a query to a rule. Implementations never fail: unknown inputs
// resolve to documented fallbacks.
type Resolver interface {
	Resolve(ctx context.Context, q Query) domain.Rule
}

// DefaultRule applies to actions missing from the table.
var DefaultRule = domain.Rule{Limit: 30, Window: time.Hour}

// BuiltinRules is the table compiled into the binary.
func BuiltinRules() map[domain.Action]map[domain.Tier]domain.Rule {
	return map[domain.Action]map[domain.Tier]domain.Rule{
		domain.ActionATSScore: {
			domain.TierFree:       {Limit: 10, Window: day},
			domain.TierPro:        {Limit: 100, Window: day},
			domain.TierEnterprise: {Limit: domain.Unlimited, Window: day},
		},
		domain.ActionParseResume: {
			domain.TierFree:       {Limit: 5, Window: day},
			domain.TierPro:        {Limit: 50, Window: day},
			domain.TierEnterprise: {Limit: domain.Unlimited, Window: day},
		},
		domain.ActionGenerateCoverLetter: {
			domain.TierFree:       {Limit: 3, Window: day},
			domain.TierPro:        {Limit: 30, Window: day},
			domain.TierEnterprise: {Limit: 200, Window: day},
		},
		domain.ActionAIRewrite: {
			domain.TierFree:       {Limit: 0, Window: day},
			domain.TierPro:        {Limit: 50, Window: day},
			domain.TierEnterprise: {Limit: domain.Unlimited, Window: day},
		},
		domain.ActionEmailGeneration: {
			domain.TierFree:       {Limit: 0, Window: day},
			domain.TierPro:        {Limit: 20, Window: day},
			domain.TierEnterprise: {Limit: 100, Window: day},
		},
		domain.ActionJobSearch: {
			domain.TierFree:       {Limit: 30, Window: time.Hour},
			domain.TierPro:        {Limit: 120, Window: time.Hour},
			domain.TierEnterprise: {Limit: 600, Window: time.Hour},
		},
		domain.ActionExportPDF: {
			domain.TierFree:       {Limit: 5, Window: day},
			domain.TierPro:        {Limit: 50, Window: day},
			domain.TierEnterprise: {Limit: domain.Unlimited, Window: day},
		},
		domain.ActionInterviewPrep: {
			domain.TierFree:       {Limit: 3, Window: day},
			domain.TierPro:        {Limit: 30, Window: day},
			domain.TierEnterprise: {Limit: domain.Unlimited, Window: day},
		},
	}
}

// NormalizeTier upper-cases t and maps anything unrecognised to the lowest tier.
func NormalizeTier(t domain.Tier) domain.Tier {
	switch up := domain.Tier(strings.ToUpper(strings.TrimSpace(string(t)))); up {
	case domain.TierFree, domain.TierPro, domain.TierEnterprise:
		return up
	default:
		return domain.LowestTier
	}
}

// NormalizeAction upper-cases a in the form used by the table (e.g. "ats_score" -> ATS_SCORE).
func NormalizeAction(a string) domain.Action {
	return domain.Action(strings.ToUpper(strings.TrimSpace(a)))
}
