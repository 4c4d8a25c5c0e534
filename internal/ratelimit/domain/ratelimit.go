// Package domain holds the rate-limit window, rule, and decision types shared by the limiter and its stores.
package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Unlimited is the limit sentinel that disables tracking entirely.
const Unlimited = -1

// ErrRateLimitExceeded is matched by errors.Is on an *ExceededError.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Scope is the first segment of a window key.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeIP   Scope = "ip"
)

// Action names a throttled feature (e.g. ATS_SCORE).
type Action string

const (
	ActionATSScore            Action = "ATS_SCORE"
	ActionParseResume         Action = "PARSE_RESUME"
	ActionGenerateCoverLetter Action = "GENERATE_COVER_LETTER"
	ActionAIRewrite           Action = "AI_REWRITE"
	ActionEmailGeneration     Action = "EMAIL_GENERATION"
	ActionJobSearch           Action = "JOB_SEARCH"
	ActionExportPDF           Action = "EXPORT_PDF"
	ActionInterviewPrep       Action = "INTERVIEW_PREP"
	ActionLogin               Action = "LOGIN"
	ActionSignup              Action = "SIGNUP"
	ActionPasswordReset       Action = "PASSWORD_RESET"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// LowestTier is used for unknown tiers.
const LowestTier = TierFree

// Rule is a fixed-window budget: Limit calls per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Unlimited reports whether the rule disables tracking.
func (r Rule) Unlimited() bool { return r.Limit == Unlimited }

// Blocked reports whether the rule denies every call (feature requires an upgrade).
func (r Rule) Blocked() bool { return r.Limit == 0 }

// Key builds a window key of the form scope:subject:action.
func Key(scope Scope, subject string, action Action) string {
	return string(scope) + ":" + subject + ":" + string(action)
}

// Window is one counter: Count calls recorded since the window opened, resetting at ResetAt.
type Window struct {
	Key     string
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has elapsed at now and must restart on next access.
func (w Window) Expired(now time.Time) bool { return !now.Before(w.ResetAt) }

// Result is the outcome of a consume-and-check call.
type Result struct {
	Allowed bool
	// Remaining is calls left in the window; -1 when unlimited.
	Remaining    int
	ResetAt      time.Time
	CurrentCount int
	Limit        int
}

// RetryAfter returns the whole seconds until ResetAt, at least 1 when the call was denied.
func (r Result) RetryAfter(now time.Time) int {
	if r.ResetAt.IsZero() {
		return 0
	}
	secs := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	if secs < 1 && !r.Allowed {
		return 1
	}
	if secs < 0 {
		return 0
	}
	return secs
}

// ExceededError reports a denied check to callers that work with errors.
type ExceededError struct {
	Key        string
	Result     Result
	RetryAfter int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %ds", e.Key, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimitExceeded) true.
func (e *ExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }
