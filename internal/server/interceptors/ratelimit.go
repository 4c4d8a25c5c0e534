package interceptors

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
)

// Checker runs one fixed-window check. *ratelimitservice.Limiter implements it.
type Checker interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) domain.Result
}

// RateLimitUnary returns a unary server interceptor that applies rule per caller IP and full
// method name. Denied calls fail with ResourceExhausted and a retry-after trailer in seconds.
// The resolved client IP is stored in the context for later interceptors and handlers.
func RateLimitUnary(limiter Checker, rule domain.Rule, clk clock.Clock, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	if clk == nil {
		clk = clock.System{}
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ip := ClientIP(ctx)
		ctx = WithClientIP(ctx, ip)
		if skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		key := domain.Key(domain.ScopeIP, ip, domain.Action(info.FullMethod))
		res := limiter.Check(ctx, key, rule.Limit, rule.Window)
		if !res.Allowed {
			retry := res.RetryAfter(clk.Now())
			_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.Itoa(retry)))
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded; retry after %ds", retry)
		}
		return handler(ctx, req)
	}
}
