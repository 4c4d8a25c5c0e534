package tiers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"careerpilot/backend/internal/ratelimit/domain"
)

// Source reports the subscription tier of a user. Subscription data is owned by billing.
type Source interface {
	TierOf(ctx context.Context, userID string) (domain.Tier, error)
}

// StaticSource returns the same tier for every user.
type StaticSource struct {
	Tier domain.Tier
}

// TierOf implements Source.
func (s StaticSource) TierOf(context.Context, string) (domain.Tier, error) {
	return NormalizeTier(s.Tier), nil
}

// RedisSource reads tiers that billing publishes as plain string keys (<prefix><userID> = "PRO").
// Lookups are cached for a short TTL; a missing key means the lowest tier.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
	cache  *expirable.LRU[string, domain.Tier]
}

// NewRedisSource returns a RedisSource. prefix defaults to "tier:", ttl to 30s and size to 10000.
func NewRedisSource(client redis.UniversalClient, prefix string, size int, ttl time.Duration) *RedisSource {
	if prefix == "" {
		prefix = "tier:"
	}
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSource{
		client: client,
		prefix: prefix,
		cache:  expirable.NewLRU[string, domain.Tier](size, nil, ttl),
	}
}

// TierOf implements Source. Errors are returned so callers can log them and fall back.
func (s *RedisSource) TierOf(ctx context.Context, userID string) (domain.Tier, error) {
	if t, ok := s.cache.Get(userID); ok {
		return t, nil
	}
	v, err := s.client.Get(ctx, s.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		s.cache.Add(userID, domain.LowestTier)
		return domain.LowestTier, nil
	}
	if err != nil {
		return domain.LowestTier, fmt.Errorf("tier lookup: %w", err)
	}
	t := NormalizeTier(domain.Tier(v))
	s.cache.Add(userID, t)
	return t, nil
}

// Forget drops a cached tier, e.g. after an upgrade notification.
func (s *RedisSource) Forget(userID string) {
	s.cache.Remove(userID)
}
