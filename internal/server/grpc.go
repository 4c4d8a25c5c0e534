package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	"careerpilot/backend/internal/ratelimit/tiers"
	"careerpilot/backend/internal/server/interceptors"
)

const (
	// HealthCheckMethod is public and never rate limited.
	HealthCheckMethod = "/grpc.health.v1.Health/Check"
	healthListMethod  = "/grpc.health.v1.Health/List"
)

// Deps holds the dependencies of the gRPC server.
type Deps struct {
	// Auth validates bearer tokens for protected RPCs. Required.
	Auth interceptors.Authenticator
	// Limiter applies IPRule per caller IP and method. If nil, RPCs are not rate limited.
	Limiter interceptors.Checker
	IPRule  domain.Rule
	Clock   clock.Clock
	// Health is the standard health service. If nil, a new one reporting SERVING is created.
	Health *health.Server
	// PublicMethods are full method names that skip authentication, in addition to the health
	// check and Session/Refresh.
	PublicMethods []string

	// Sessions backs the Session service. If nil, the service is not registered.
	Sessions SessionService
	// Quota backs the Quota service. If nil, the service is not registered.
	Quota QuotaChecker
	// Tiers resolves the caller's subscription tier for Quota/Check. If nil, the lowest tier applies.
	Tiers tiers.Source
	// Actions restricts Quota/Check to known actions. If empty, any non-empty action is accepted.
	Actions []domain.Action
	Log     zerolog.Logger
}

// NewGRPCServer builds a gRPC server with OpenTelemetry instrumentation, rate limiting and
// authentication interceptors, and registers the services.
//
// Session/Refresh skips authentication (the refresh token is the credential) but is rate limited
// per IP. Quota/Check skips the per-method IP interceptor since the quota check applies its own
// identity and per-IP rules for the action.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	public := map[string]bool{
		HealthCheckMethod:    true,
		healthListMethod:     true,
		SessionRefreshMethod: true,
	}
	for _, m := range deps.PublicMethods {
		public[m] = true
	}
	unthrottled := map[string]bool{
		HealthCheckMethod: true,
		healthListMethod:  true,
		QuotaCheckMethod:  true,
	}

	var chain []grpc.UnaryServerInterceptor
	if deps.Limiter != nil {
		chain = append(chain, interceptors.RateLimitUnary(deps.Limiter, deps.IPRule, deps.Clock, unthrottled))
	}
	chain = append(chain, interceptors.AuthUnary(deps.Auth, public))

	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the gRPC services with the given registrar.
//
//   - grpc.health.v1.Health → google.golang.org/grpc/health
//   - careerpilot.auth.v1.Session → Deps.Sessions
//   - careerpilot.quota.v1.Quota → Deps.Quota
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)

	if deps.Sessions != nil {
		impl := &sessionRPC{sessions: deps.Sessions, log: deps.Log}
		s.RegisterService(sessionServiceDesc(impl), impl)
	}
	if deps.Quota != nil {
		clk := deps.Clock
		if clk == nil {
			clk = clock.System{}
		}
		var actions map[domain.Action]bool
		if len(deps.Actions) > 0 {
			actions = make(map[domain.Action]bool, len(deps.Actions))
			for _, a := range deps.Actions {
				actions[a] = true
			}
		}
		impl := &quotaRPC{quota: deps.Quota, tiers: deps.Tiers, actions: actions, clock: clk, log: deps.Log}
		s.RegisterService(quotaServiceDesc(impl), impl)
	}
}
