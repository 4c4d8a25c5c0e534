package tiers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"careerpilot/backend/internal/ratelimit/domain"
)

const overrideQuery = "data.ratelimit.override"

// PolicyResolver lets a Rego policy override the wrapped resolver per query.
// The policy defines data.ratelimit.override as {"limit": n, "window_seconds": s};
// when it is undefined, malformed, or evaluation fails, the wrapped resolver answers.
//
//	package ratelimit
//
//	override := {"limit": -1, "window_seconds": 86400} if {
//		input.user_id == "partner-42"
//	}
type PolicyResolver struct {
	next  Resolver
	query rego.PreparedEvalQuery
	log   zerolog.Logger
}

// NewPolicyResolver compiles source once and wraps next.
func NewPolicyResolver(ctx context.Context, next Resolver, source string, log zerolog.Logger) (*PolicyResolver, error) {
	compiler, err := ast.CompileModules(map[string]string{"ratelimit.rego": source})
	if err != nil {
		return nil, fmt.Errorf("compile rate limit policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(overrideQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rate limit policy: %w", err)
	}
	return &PolicyResolver{next: next, query: pq, log: log}, nil
}

// LoadPolicyResolver reads the policy from path.
func LoadPolicyResolver(ctx context.Context, next Resolver, path string, log zerolog.Logger) (*PolicyResolver, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policy %s: %w", path, err)
	}
	return NewPolicyResolver(ctx, next, string(src), log)
}

func (p *PolicyResolver) Resolve(ctx context.Context, q Query) domain.Rule {
	input := map[string]interface{}{
		"action":  string(q.Action),
		"tier":    string(NormalizeTier(q.Tier)),
		"user_id": q.UserID,
	}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		p.log.Warn().Err(err).Str("action", string(q.Action)).Msg("rate limit policy evaluation failed, using table")
		return p.next.Resolve(ctx, q)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return p.next.Resolve(ctx, q)
	}
	rule, ok := ruleFromPolicy(rs[0].Expressions[0].Value)
	if !ok {
		p.log.Warn().Str("action", string(q.Action)).Interface("value", rs[0].Expressions[0].Value).
			Msg("rate limit policy returned malformed override, using table")
		return p.next.Resolve(ctx, q)
	}
	return rule
}

func ruleFromPolicy(v interface{}) (domain.Rule, bool) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return domain.Rule{}, false
	}
	limit, ok := policyInt(obj["limit"])
	if !ok || limit < domain.Unlimited {
		return domain.Rule{}, false
	}
	secs, ok := policyInt(obj["window_seconds"])
	if !ok || secs <= 0 {
		return domain.Rule{}, false
	}
	return domain.Rule{Limit: int(limit), Window: time.Duration(secs) * time.Second}, true
}

func policyInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), n == float64(int64(n))
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
