package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"careerpilot/backend/internal/ratelimit/domain"
)

// The window is a hash {count, reset_at}. Times are computed by the caller so the
// injected clock governs resets the same way it does for MemoryStore; millisecond
// values travel as decimal strings to avoid float formatting inside Lua.
var fixedWindowScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local fresh_reset = ARGV[3]
local ttl_ms = ARGV[4]

local key = KEYS[1]
local stored_count = redis.call("HGET", key, "count")
local stored_reset = redis.call("HGET", key, "reset_at")

if (not stored_count) or (not stored_reset) or now_ms >= tonumber(stored_reset) then
  redis.call("HSET", key, "count", "1", "reset_at", fresh_reset)
  redis.call("PEXPIRE", key, ttl_ms)
  return {1, 1, tonumber(fresh_reset)}
end

local count = tonumber(stored_count)
local reset_ms = tonumber(stored_reset)
if count < limit then
  count = redis.call("HINCRBY", key, "count", 1)
  return {1, count, reset_ms}
end
return {0, count, reset_ms}
`)

// RedisStore shares windows across processes. Atomicity comes from running the
// whole read-modify-write in one Lua script; stale windows expire through
// Redis TTLs set to the window length plus the eviction grace.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewRedisStore returns a RedisStore. prefix defaults to "rl"; grace is how long a
// window outlives its reset before Redis drops it.
func NewRedisStore(client redis.UniversalClient, prefix string, grace time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "rl"
	}
	if grace < 0 {
		grace = 0
	}
	return &RedisStore{client: client, prefix: prefix, grace: grace}
}

func (s *RedisStore) Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (domain.Window, bool, error) {
	if s.client == nil {
		return domain.Window{}, false, errors.New("redis client is nil")
	}
	windowMS := window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1
	}
	nowMS := now.UnixMilli()
	raw, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + ":" + key},
		strconv.FormatInt(nowMS, 10),
		strconv.Itoa(limit),
		strconv.FormatInt(nowMS+windowMS, 10),
		strconv.FormatInt(windowMS+s.grace.Milliseconds(), 10),
	).Result()
	if err != nil {
		return domain.Window{}, false, fmt.Errorf("redis consume %s: %w", key, err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return domain.Window{}, false, fmt.Errorf("unexpected redis script response %T", raw)
	}
	allowed, err := parseRedisInt64(values[0])
	if err != nil {
		return domain.Window{}, false, err
	}
	count, err := parseRedisInt64(values[1])
	if err != nil {
		return domain.Window{}, false, err
	}
	resetMS, err := parseRedisInt64(values[2])
	if err != nil {
		return domain.Window{}, false, err
	}
	return domain.Window{
		Key:     key,
		Count:   int(count),
		ResetAt: time.UnixMilli(resetMS).UTC(),
	}, allowed == 1, nil
}

// Evict is a no-op: Redis expires windows on its own.
func (s *RedisStore) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("redis client is nil")
	}
	return s.client.Ping(ctx).Err()
}

func parseRedisInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("redis response overflows int64")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected redis response type %T", v)
	}
}
