package repository

import (
	"context"
	"time"

	"careerpilot/backend/internal/attempt/domain"
)

// Repository defines persistence for the attempt ledger.
type Repository interface {
	// Append stores a new attempt. The attempt must have ID set.
	Append(ctx context.Context, a *domain.Attempt) error
	// CountByIPSince counts attempts from ip with AttemptedAt >= since.
	CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	// DeleteBefore removes attempts with AttemptedAt < before and returns how many were removed.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
