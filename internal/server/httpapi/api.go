// Package httpapi is the HTTP surface: login, refresh, logout and session listing, plus
// the quota endpoint the AI and parsing services call before doing metered work.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	attemptservice "careerpilot/backend/internal/attempt/service"
	"careerpilot/backend/internal/credentials"
	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	ratelimitservice "careerpilot/backend/internal/ratelimit/service"
	"careerpilot/backend/internal/ratelimit/tiers"
	sessiondomain "careerpilot/backend/internal/session/domain"
	sessionservice "careerpilot/backend/internal/session/service"
)

// SessionService is the session lifecycle used by the routes. *sessionservice.Service implements it.
type SessionService interface {
	CreateSession(ctx context.Context, userID, ip, userAgent string) (*sessionservice.Issued, error)
	Authenticate(ctx context.Context, token string) (*sessionservice.Identity, error)
	Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*sessionservice.Refreshed, error)
	InvalidateSession(ctx context.Context, sessionID string) error
	InvalidateAllUserSessions(ctx context.Context, userID string) (int64, error)
	ListActiveSessions(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
}

// Limiter is the rate limiter used by the routes. *ratelimitservice.Limiter implements it.
type Limiter interface {
	CheckAction(ctx context.Context, s ratelimitservice.Subject, action domain.Action) (domain.Result, error)
	CheckLogin(ctx context.Context, ip string) (domain.Result, error)
}

// AttemptRecorder appends login outcomes to the attempt ledger. *attemptservice.Ledger implements it.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, rec attemptservice.Record) error
}

// Deps are the collaborators of the API. Sessions and Limiter are required.
type Deps struct {
	Sessions SessionService
	Limiter  Limiter
	Attempts AttemptRecorder
	// Credentials checks login passwords upstream. If nil, login returns 501.
	Credentials credentials.Verifier
	// Tiers resolves the caller's subscription tier. If nil, every caller gets the lowest tier.
	Tiers tiers.Source
	// Actions restricts /v1/quota/{action} to known actions. If empty, any action name is accepted.
	Actions []domain.Action
	// Ready reports readiness for /healthz. If nil, /healthz always reports ok.
	Ready func(ctx context.Context) error
	Clock clock.Clock
	Log   zerolog.Logger
}

// API serves the HTTP routes.
type API struct {
	sessions SessionService
	limiter  Limiter
	attempts AttemptRecorder
	creds    credentials.Verifier
	tiers    tiers.Source
	actions  map[domain.Action]bool
	ready    func(ctx context.Context) error
	clock    clock.Clock
	log      zerolog.Logger
}

// New returns an API over deps.
func New(deps Deps) *API {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Tiers == nil {
		deps.Tiers = tiers.StaticSource{Tier: domain.LowestTier}
	}
	var actions map[domain.Action]bool
	if len(deps.Actions) > 0 {
		actions = make(map[domain.Action]bool, len(deps.Actions))
		for _, a := range deps.Actions {
			actions[a] = true
		}
	}
	return &API{
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		attempts: deps.Attempts,
		creds:    deps.Credentials,
		tiers:    deps.Tiers,
		actions:  actions,
		ready:    deps.Ready,
		clock:    deps.Clock,
		log:      deps.Log,
	}
}

// Routes returns the chi router.
//
//	GET  /healthz
//	POST /v1/auth/login
//	POST /v1/auth/refresh
//	POST /v1/auth/logout          (bearer)
//	POST /v1/auth/logout-all      (bearer)
//	GET  /v1/auth/sessions        (bearer)
//	POST /v1/quota/{action}       (bearer, rate limited)
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.healthz)
	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/login", a.login)
		r.Post("/refresh", a.refresh)
		r.Group(func(r chi.Router) {
			r.Use(a.RequireAuth)
			r.Post("/logout", a.logout)
			r.Post("/logout-all", a.logoutAll)
			r.Get("/sessions", a.listSessions)
		})
	})
	r.With(a.RequireAuth, a.rateLimitBy(a.actionFromURL)).Post("/v1/quota/{action}", a.quota)
	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			a.log.Warn().Err(err).Msg("http: readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request with zerolog.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("client_ip", ClientIP(r)).
			Msg("http request")
	})
}
