package security

import (
	"time"

	"careerpilot/backend/internal/platform/clock"
)

// Fixed secrets for unit tests only. Do not use in production.
const (
	testAccessSecret  = "test-access-secret-0123456789abcdef"
	testRefreshSecret = "test-refresh-secret-fedcba9876543210"
)

// NewTestTokenProvider returns a TokenProvider with fixed test secrets, issuer "test-issuer",
// a 15 minute access TTL and a 7 day refresh TTL. For unit tests only.
func NewTestTokenProvider(clk clock.Clock) *TokenProvider {
	p, err := NewTokenProvider(TokenConfig{
		AccessSecret:  []byte(testAccessSecret),
		RefreshSecret: []byte(testRefreshSecret),
		Issuer:        "test-issuer",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	}, clk)
	if err != nil {
		panic(err)
	}
	return p
}
