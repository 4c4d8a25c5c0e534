package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/ratelimit/domain"
	ratelimitservice "careerpilot/backend/internal/ratelimit/service"
	"careerpilot/backend/internal/ratelimit/store"
	"careerpilot/backend/internal/ratelimit/tiers"
)

func newLimiter(clk clock.Clock) *ratelimitservice.Limiter {
	return ratelimitservice.NewLimiter(ratelimitservice.Deps{
		Store:    store.NewMemoryStore(4),
		Resolver: tiers.DefaultTable(),
		Clock:    clk,
		Log:      zerolog.Nop(),
	}, ratelimitservice.Options{})
}

func ipCtx(ip string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"x-forwarded-for": ip,
	}))
}

func TestRateLimitUnary_DeniesAfterLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	interceptor := RateLimitUnary(newLimiter(clk), domain.Rule{Limit: 2, Window: time.Minute}, clk, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}

	for i := 0; i < 2; i++ {
		if _, err := interceptor(ipCtx("1.2.3.4"), "req", info, okHandler); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := interceptor(ipCtx("1.2.3.4"), "req", info, okHandler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("code = %v, want ResourceExhausted", status.Code(err))
	}

	if _, err := interceptor(ipCtx("5.6.7.8"), "req", info, okHandler); err != nil {
		t.Errorf("other IP should be allowed: %v", err)
	}
	other := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Other"}
	if _, err := interceptor(ipCtx("1.2.3.4"), "req", other, okHandler); err != nil {
		t.Errorf("other method should be allowed: %v", err)
	}

	clk.Advance(time.Minute)
	if _, err := interceptor(ipCtx("1.2.3.4"), "req", info, okHandler); err != nil {
		t.Errorf("after window reset: %v", err)
	}
}

func TestRateLimitUnary_SkipMethodAndClientIP(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	skip := map[string]bool{"/grpc.health.v1.Health/Check": true}
	interceptor := RateLimitUnary(newLimiter(clk), domain.Rule{Limit: 0, Window: time.Minute}, clk, skip)

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		if ip, _ := GetClientIP(ctx); ip != "9.9.9.9" {
			t.Errorf("client ip = %q, want 9.9.9.9", ip)
		}
		return "ok", nil
	}
	if _, err := interceptor(ipCtx("9.9.9.9"), "req", &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler); err != nil {
		t.Fatalf("skipped method: %v", err)
	}
	_, err := interceptor(ipCtx("9.9.9.9"), "req", &grpc.UnaryServerInfo{FullMethod: "/test.Service/Method"}, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("hard block code = %v, want ResourceExhausted", status.Code(err))
	}
}
