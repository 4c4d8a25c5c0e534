// Package store holds fixed-window counter backends.
//
// A Store performs the whole consume-and-check step for one key atomically;
// callers handle the unlimited and hard-block sentinels before reaching it.
package store

import (
	"context"
	"time"

	"careerpilot/backend/internal/ratelimit/domain"
)

// Store is a key-addressed fixed-window counter backend.
type Store interface {
	// Consume applies one call to key at now. A missing or elapsed window restarts
	// at count 1 with ResetAt = now+window; otherwise the count is incremented only
	// while it is below limit. The returned window reflects the state after the call.
	Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (domain.Window, bool, error)
	// Evict removes windows whose ResetAt is before the cutoff and returns how many were removed.
	Evict(ctx context.Context, before time.Time) (int, error)
}
