// Package service implements the identity and IP rate limiter on top of a counter store,
// a tier resolver and, for authentication-adjacent actions, the attempt ledger.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	"careerpilot/backend/internal/ratelimit/store"
	"careerpilot/backend/internal/ratelimit/tiers"
	"careerpilot/backend/internal/telemetry"
)

// FailureMode decides the outcome when the counter store or ledger fails.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// AttemptCounter counts ledger rows for an IP since windowStart.
type AttemptCounter interface {
	WindowedCount(ctx context.Context, ip string, windowStart time.Time) (int, error)
}

// Options tunes the limiter. Zero values take the documented defaults.
type Options struct {
	FailureMode FailureMode
	// StoreTimeout bounds each store or ledger call; 0 disables the bound.
	StoreTimeout time.Duration
	// IPRule is the flat anonymous-abuse rule applied per ip:<ip>:<action>. Default 100/hour.
	IPRule domain.Rule
	// LoginRule is the ledger-backed per-IP rule for CheckLogin. Default 5/15m.
	LoginRule domain.Rule
}

// Deps are the collaborators of a Limiter. Store and Resolver are required.
type Deps struct {
	Store    store.Store
	Resolver tiers.Resolver
	Attempts AttemptCounter
	Clock    clock.Clock
	Log      zerolog.Logger
	Metrics  *telemetry.Metrics
	Emitter  telemetry.EventEmitter
}

// Subject identifies the caller of a throttled action. UserID is empty for anonymous callers.
type Subject struct {
	UserID string
	Tier   domain.Tier
	IP     string
}

// Limiter performs consume-and-check rate limiting.
type Limiter struct {
	store    store.Store
	resolver tiers.Resolver
	attempts AttemptCounter
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	emitter  telemetry.EventEmitter
	opts     Options
}

// NewLimiter returns a Limiter over deps.
func NewLimiter(deps Deps, opts Options) *Limiter {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Resolver == nil {
		deps.Resolver = tiers.DefaultTable()
	}
	if opts.FailureMode != FailClosed {
		opts.FailureMode = FailOpen
	}
	if opts.IPRule.Window <= 0 {
		opts.IPRule = domain.Rule{Limit: 100, Window: time.Hour}
	}
	if opts.LoginRule.Window <= 0 {
		opts.LoginRule = domain.Rule{Limit: 5, Window: 15 * time.Minute}
	}
	return &Limiter{
		store:    deps.Store,
		resolver: deps.Resolver,
		attempts: deps.Attempts,
		clock:    deps.Clock,
		log:      deps.Log,
		metrics:  deps.Metrics,
		emitter:  deps.Emitter,
		opts:     opts,
	}
}

// Check consumes one call against key and reports the decision. Store failures are
// resolved by the failure mode and never returned.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) domain.Result {
	return l.check(ctx, scopeOf(key), key, domain.Rule{Limit: limit, Window: window})
}

func (l *Limiter) check(ctx context.Context, scope, key string, rule domain.Rule) domain.Result {
	if rule.Unlimited() {
		l.metrics.Decision(ctx, scope, "unlimited")
		return domain.Result{Allowed: true, Remaining: domain.Unlimited, Limit: domain.Unlimited}
	}
	if rule.Blocked() {
		l.metrics.Decision(ctx, scope, "blocked")
		return domain.Result{Allowed: false, Remaining: 0, Limit: 0}
	}
	if rule.Window <= 0 {
		l.log.Warn().Str("key", key).Dur("window", rule.Window).Msg("ratelimit: non-positive window, using 1s")
		rule.Window = time.Second
	}

	now := l.clock.Now()
	storeCtx, cancel := l.withTimeout(ctx)
	w, allowed, err := l.store.Consume(storeCtx, key, rule.Limit, rule.Window, now)
	cancel()
	if err != nil {
		l.metrics.StoreError(ctx, "counter")
		return l.onFailure(ctx, scope, key, rule, now, err)
	}

	res := domain.Result{
		Allowed:      allowed,
		ResetAt:      w.ResetAt,
		CurrentCount: w.Count,
		Limit:        rule.Limit,
	}
	if allowed {
		res.Remaining = rule.Limit - w.Count
		l.metrics.Decision(ctx, scope, "allowed")
	} else {
		l.metrics.Decision(ctx, scope, "denied")
	}
	return res
}

// CheckAction runs the identity check (rule from the tier resolver) and the per-IP check
// for action. Both must allow. The identity check runs first and a denial there does not
// consume IP budget. On success the identity result is returned (the IP result when the
// subject is anonymous); on denial the denying result is returned together with an
// *domain.ExceededError.
func (l *Limiter) CheckAction(ctx context.Context, s Subject, action domain.Action) (domain.Result, error) {
	var identity domain.Result
	hasIdentity := s.UserID != ""
	if hasIdentity {
		rule := l.resolver.Resolve(ctx, tiers.Query{Action: action, Tier: s.Tier, UserID: s.UserID})
		key := domain.Key(domain.ScopeUser, s.UserID, action)
		identity = l.check(ctx, string(domain.ScopeUser), key, rule)
		if !identity.Allowed {
			return identity, l.denied(s, key, identity)
		}
	}

	ip := s.IP
	if ip == "" {
		ip = "unknown"
	}
	key := domain.Key(domain.ScopeIP, ip, action)
	ipRes := l.check(ctx, string(domain.ScopeIP), key, l.opts.IPRule)
	if !ipRes.Allowed {
		return ipRes, l.denied(s, key, ipRes)
	}
	if hasIdentity {
		return identity, nil
	}
	return ipRes, nil
}

// CheckAttempts applies rule to the ledger rows recorded for ip within the trailing window.
// It does not record anything; callers record the attempt once its outcome is known.
func (l *Limiter) CheckAttempts(ctx context.Context, ip string, rule domain.Rule) domain.Result {
	const scope = "ledger"
	if rule.Unlimited() || l.attempts == nil {
		return domain.Result{Allowed: true, Remaining: domain.Unlimited, Limit: domain.Unlimited}
	}
	if rule.Blocked() {
		l.metrics.Decision(ctx, scope, "blocked")
		return domain.Result{Allowed: false, Remaining: 0, Limit: 0}
	}

	now := l.clock.Now()
	key := domain.Key(domain.ScopeIP, ip, domain.ActionLogin)
	storeCtx, cancel := l.withTimeout(ctx)
	count, err := l.attempts.WindowedCount(storeCtx, ip, now.Add(-rule.Window))
	cancel()
	if err != nil {
		l.metrics.StoreError(ctx, "ledger")
		return l.onFailure(ctx, scope, key, rule, now, err)
	}

	res := domain.Result{
		CurrentCount: count,
		Limit:        rule.Limit,
		ResetAt:      now.Add(rule.Window),
	}
	if count >= rule.Limit {
		l.metrics.Decision(ctx, scope, "denied")
		return res
	}
	res.Allowed = true
	res.Remaining = rule.Limit - count - 1
	l.metrics.Decision(ctx, scope, "allowed")
	return res
}

// CheckLogin applies the configured login rule to ip. The ledger only holds attempts that
// have finished, so an allowed check also consumes a slot on the ip:<ip>:LOGIN counter under
// the same rule; attempts still in flight count against that counter. Both must allow.
// A denial carries an *domain.ExceededError.
func (l *Limiter) CheckLogin(ctx context.Context, ip string) (domain.Result, error) {
	rule := l.opts.LoginRule
	key := domain.Key(domain.ScopeIP, ip, domain.ActionLogin)
	res := l.CheckAttempts(ctx, ip, rule)
	if !res.Allowed {
		return res, l.denied(Subject{IP: ip}, key, res)
	}
	if rule.Unlimited() {
		return res, nil
	}

	slot := l.check(ctx, string(domain.ScopeIP), key, rule)
	if !slot.Allowed {
		return slot, l.denied(Subject{IP: ip}, key, slot)
	}
	if res.Limit == domain.Unlimited {
		// no ledger configured
		return slot, nil
	}
	if slot.Remaining < res.Remaining {
		res.Remaining = slot.Remaining
	}
	return res, nil
}

// EvictStale removes counter windows whose reset passed before cutoff.
func (l *Limiter) EvictStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := l.store.Evict(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("evict windows: %w", err)
	}
	return n, nil
}

func (l *Limiter) onFailure(ctx context.Context, scope, key string, rule domain.Rule, now time.Time, err error) domain.Result {
	if l.opts.FailureMode == FailClosed {
		l.log.Error().Err(err).Str("key", key).Msg("ratelimit: store unavailable, failing closed")
		l.metrics.Decision(ctx, scope, string(FailClosed))
		return domain.Result{Allowed: false, Remaining: 0, Limit: rule.Limit, ResetAt: now.Add(rule.Window)}
	}
	l.log.Warn().Err(err).Str("key", key).Msg("ratelimit: store unavailable, failing open")
	l.metrics.Decision(ctx, scope, string(FailOpen))
	return domain.Result{Allowed: true, Remaining: rule.Limit, Limit: rule.Limit, ResetAt: now.Add(rule.Window)}
}

func (l *Limiter) denied(s Subject, key string, res domain.Result) error {
	now := l.clock.Now()
	telemetry.EmitAsync(l.emitter, l.log, telemetry.Event{
		Type:      telemetry.EventRateLimited,
		UserID:    s.UserID,
		IPAddress: s.IP,
		Key:       key,
		Detail:    fmt.Sprintf("limit %d reached", res.Limit),
		At:        now,
	})
	return &domain.ExceededError{Key: key, Result: res, RetryAfter: res.RetryAfter(now)}
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opts.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.opts.StoreTimeout)
}

func scopeOf(key string) string {
	if scope, _, ok := strings.Cut(key, ":"); ok {
		return scope
	}
	return "custom"
}
