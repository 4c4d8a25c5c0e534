package repository

import (
	"context"
	"time"

	"careerpilot/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	// Create stores a new session. The session must have ID set.
	Create(ctx context.Context, s *domain.Session) error
	// GetByID returns the session for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// UpdateAccessToken replaces the access token digest of an active session and bumps its
	// activity to at. Returns domain.ErrNotActive when no active row matched.
	UpdateAccessToken(ctx context.Context, id, accessTokenHash string, at time.Time) error
	// TouchActivity moves LastActivityAt of an active session forward to at; never backwards.
	TouchActivity(ctx context.Context, id string, at time.Time) error
	// Invalidate deactivates one session and reports whether it was active.
	Invalidate(ctx context.Context, id string) (bool, error)
	// InvalidateAllByUser deactivates every active session of userID.
	InvalidateAllByUser(ctx context.Context, userID string) (int64, error)
	// ExpireBefore deactivates active sessions with ExpiresAt < now.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
	// DeactivateIdleSince deactivates active sessions with LastActivityAt < cutoff.
	DeactivateIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
	// ListActiveByUser returns the user's active, unexpired sessions, most recent activity first.
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error)
}
