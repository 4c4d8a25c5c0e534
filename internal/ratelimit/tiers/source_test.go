package tiers

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"careerpilot/backend/internal/ratelimit/domain"
)

func TestStaticSource(t *testing.T) {
	got, err := StaticSource{Tier: "pro"}.TierOf(context.Background(), "u1")
	if err != nil || got != domain.TierPro {
		t.Errorf("TierOf = %q, %v; want PRO", got, err)
	}
	got, _ = StaticSource{}.TierOf(context.Background(), "u1")
	if got != domain.TierFree {
		t.Errorf("empty StaticSource = %q, want FREE", got)
	}
}

func TestRedisSource(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	src := NewRedisSource(client, "", 10, time.Minute)
	ctx := context.Background()

	if err := m.Set("tier:u1", "enterprise"); err != nil {
		t.Fatal(err)
	}
	if got, err := src.TierOf(ctx, "u1"); err != nil || got != domain.TierEnterprise {
		t.Errorf("u1 = %q, %v; want ENTERPRISE", got, err)
	}
	if got, err := src.TierOf(ctx, "missing"); err != nil || got != domain.TierFree {
		t.Errorf("missing = %q, %v; want FREE", got, err)
	}
	if err := m.Set("tier:u2", "PLATINUM"); err != nil {
		t.Fatal(err)
	}
	if got, _ := src.TierOf(ctx, "u2"); got != domain.TierFree {
		t.Errorf("unknown tier = %q, want FREE", got)
	}

	// Cached until forgotten.
	_ = m.Set("tier:u1", "PRO")
	if got, _ := src.TierOf(ctx, "u1"); got != domain.TierEnterprise {
		t.Errorf("cached u1 = %q, want ENTERPRISE", got)
	}
	src.Forget("u1")
	if got, _ := src.TierOf(ctx, "u1"); got != domain.TierPro {
		t.Errorf("after Forget u1 = %q, want PRO", got)
	}
}

func TestRedisSource_Error(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	src := NewRedisSource(client, "tier:", 10, time.Minute)
	m.Close()

	got, err := src.TierOf(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error when redis is down")
	}
	if got != domain.TierFree {
		t.Errorf("tier on error = %q, want FREE", got)
	}
}
