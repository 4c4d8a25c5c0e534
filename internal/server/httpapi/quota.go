package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"careerpilot/backend/internal/ratelimit/tiers"
)

type quotaResponse struct {
	Action       string     `json:"action"`
	Allowed      bool       `json:"allowed"`
	Limit        int        `json:"limit"`
	Remaining    int        `json:"remaining"`
	CurrentCount int        `json:"currentCount"`
	ResetAt      *time.Time `json:"resetAt,omitempty"`
}

// quota reports the result the rate-limit middleware consumed for this call.
// Unlimited results report limit and remaining as -1.
func (a *API) quota(w http.ResponseWriter, r *http.Request) {
	res, ok := resultFrom(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "missing rate limit result")
		return
	}
	out := quotaResponse{
		Action:       string(tiers.NormalizeAction(chi.URLParam(r, "action"))),
		Allowed:      res.Allowed,
		Limit:        res.Limit,
		Remaining:    res.Remaining,
		CurrentCount: res.CurrentCount,
	}
	if !res.ResetAt.IsZero() {
		at := res.ResetAt.UTC()
		out.ResetAt = &at
	}
	writeJSON(w, http.StatusOK, out)
}
