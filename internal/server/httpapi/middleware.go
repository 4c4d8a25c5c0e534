package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"careerpilot/backend/internal/ratelimit/domain"
	ratelimitservice "careerpilot/backend/internal/ratelimit/service"
	"careerpilot/backend/internal/ratelimit/tiers"
	"careerpilot/backend/internal/server/interceptors"
	sessionservice "careerpilot/backend/internal/session/service"
)

type resultKey struct{}

// RequireAuth validates the bearer access token and stores user_id and session_id in the
// request context. Token failures are 401; a strict-mode store failure is 503.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, codeTokenInvalid, "missing bearer token")
			return
		}
		id, err := a.sessions.Authenticate(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, sessionservice.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, codeTokenExpired, "access token expired")
			return
		case errors.Is(err, sessionservice.ErrTokenInvalid):
			writeError(w, http.StatusUnauthorized, codeTokenInvalid, "access token invalid")
			return
		case errors.Is(err, sessionservice.ErrSessionInvalid):
			writeError(w, http.StatusUnauthorized, codeSessionInvalid, "session revoked or expired")
			return
		default:
			a.log.Error().Err(err).Msg("http: session lookup failed")
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, "session store unavailable")
			return
		}
		ctx := interceptors.WithIdentity(r.Context(), id.UserID, id.SessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit applies the identity and per-IP checks for action. Use after RequireAuth to get
// identity-scoped limits; without it only the IP check applies.
func (a *API) RateLimit(action domain.Action) func(http.Handler) http.Handler {
	return a.rateLimitBy(func(*http.Request) domain.Action { return action })
}

// rateLimitBy is RateLimit with the action taken from the request. An empty action is a 404.
func (a *API) rateLimitBy(actionOf func(*http.Request) domain.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action := actionOf(r)
			if action == "" {
				writeError(w, http.StatusNotFound, codeUnknownAction, "unknown action")
				return
			}
			ctx := r.Context()
			subject := ratelimitservice.Subject{IP: ClientIP(r)}
			if userID, ok := interceptors.GetUserID(ctx); ok && userID != "" {
				subject.UserID = userID
				subject.Tier = a.tierOf(ctx, userID)
			}

			res, err := a.limiter.CheckAction(ctx, subject, action)
			setRateLimitHeaders(w, res)
			if err != nil {
				a.writeLimited(w, res, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, resultKey{}, res)))
		})
	}
}

func (a *API) actionFromURL(r *http.Request) domain.Action {
	action := tiers.NormalizeAction(chi.URLParam(r, "action"))
	if action == "" || (a.actions != nil && !a.actions[action]) {
		return ""
	}
	return action
}

func (a *API) tierOf(ctx context.Context, userID string) domain.Tier {
	t, err := a.tiers.TierOf(ctx, userID)
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("http: tier lookup failed, using lowest tier")
		return domain.LowestTier
	}
	return tiers.NormalizeTier(t)
}

// writeLimited maps a denial: a hard block (limit 0) is 403 upgrade_required, anything else 429.
func (a *API) writeLimited(w http.ResponseWriter, res domain.Result, err error) {
	var exceeded *domain.ExceededError
	retry := res.RetryAfter(a.clock.Now())
	if errors.As(err, &exceeded) {
		retry = exceeded.RetryAfter
	}
	if res.Limit == 0 {
		writeError(w, http.StatusForbidden, codeUpgradeRequired, "action not available on this plan")
		return
	}
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      codeRateLimited,
		Message:    "rate limit exceeded; retry later",
		RetryAfter: retry,
	})
}

// setRateLimitHeaders writes X-RateLimit-* for bounded results. Unlimited results carry none.
func setRateLimitHeaders(w http.ResponseWriter, res domain.Result) {
	if res.Limit == domain.Unlimited {
		return
	}
	remaining := res.Remaining
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "bearer "
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

func resultFrom(ctx context.Context) (domain.Result, bool) {
	res, ok := ctx.Value(resultKey{}).(domain.Result)
	return res, ok
}
