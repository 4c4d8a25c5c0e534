package domain

import (
	"errors"
	"time"
)

// ErrNotActive is returned by conditional updates when the session row is missing or already inactive.
var ErrNotActive = errors.New("session not active")

// Session is one logged-in device. Only SHA-256 hex digests of the issued tokens are stored.
// IsActive=false is terminal; ExpiresAt is fixed at creation; LastActivityAt never moves backwards.
type Session struct {
	ID               string
	UserID           string
	AccessTokenHash  string // digest of the most recently issued access token
	RefreshTokenHash string // digest of the refresh token issued at creation
	IPAddress        string
	UserAgent        string
	IsActive         bool
	ExpiresAt        time.Time
	CreatedAt        time.Time
	LastActivityAt   time.Time
}

// Usable reports whether the session is active and not past its absolute expiry at now.
func (s *Session) Usable(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiresAt)
}
