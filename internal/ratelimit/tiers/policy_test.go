package tiers

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"careerpilot/backend/internal/ratelimit/domain"
)

const testPolicy = `package ratelimit

override := {"limit": -1, "window_seconds": 86400} if {
	input.user_id == "partner-42"
}

override := {"limit": 1, "window_seconds": 60} if {
	input.action == "JOB_SEARCH"
	input.tier == "FREE"
}

override := {"limit": "many"} if {
	input.action == "EXPORT_PDF"
}
`

func newTestPolicyResolver(t *testing.T) *PolicyResolver {
	t.Helper()
	p, err := NewPolicyResolver(context.Background(), DefaultTable(), testPolicy, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPolicyResolver: %v", err)
	}
	return p
}

func TestPolicyResolver_Overrides(t *testing.T) {
	p := newTestPolicyResolver(t)
	ctx := context.Background()

	got := p.Resolve(ctx, Query{Action: domain.ActionATSScore, Tier: domain.TierFree, UserID: "partner-42"})
	if got != (domain.Rule{Limit: domain.Unlimited, Window: day}) {
		t.Errorf("partner override = %+v", got)
	}
	got = p.Resolve(ctx, Query{Action: domain.ActionJobSearch, Tier: "free"})
	if got != (domain.Rule{Limit: 1, Window: time.Minute}) {
		t.Errorf("tier override = %+v", got)
	}
}

func TestPolicyResolver_FallsBack(t *testing.T) {
	p := newTestPolicyResolver(t)
	ctx := context.Background()

	if got := p.Resolve(ctx, Query{Action: domain.ActionATSScore, Tier: domain.TierFree, UserID: "u1"}); got.Limit != 10 {
		t.Errorf("undefined override = %+v, want table rule", got)
	}
	if got := p.Resolve(ctx, Query{Action: domain.ActionExportPDF, Tier: domain.TierPro}); got.Limit != 50 {
		t.Errorf("malformed override = %+v, want table rule", got)
	}
	// both complete-rule bodies match with different values: evaluation error
	got := p.Resolve(ctx, Query{Action: domain.ActionJobSearch, Tier: domain.TierFree, UserID: "partner-42"})
	if got != (domain.Rule{Limit: 30, Window: time.Hour}) {
		t.Errorf("conflicting override = %+v, want table rule", got)
	}
}

func TestNewPolicyResolver_CompileError(t *testing.T) {
	if _, err := NewPolicyResolver(context.Background(), DefaultTable(), "package ratelimit\noverride := ", zerolog.Nop()); err == nil {
		t.Fatal("expected compile error")
	}
}
