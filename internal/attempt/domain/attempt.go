package domain

import "time"

// Attempt is one authentication-adjacent attempt (login, signup, password reset).
// Rows are append-only; the janitor prunes them after the retention period.
type Attempt struct {
	ID            string
	Email         string // login identifier as submitted, lower-cased
	UserID        string // empty when the email did not resolve to a user
	IPAddress     string
	Success       bool
	FailureReason string // empty on success
	AttemptedAt   time.Time
}
