// Package service implements the attempt ledger: a durable log of authentication-adjacent
// attempts queried by trailing time window.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"careerpilot/backend/internal/attempt/domain"
	"careerpilot/backend/internal/attempt/repository"
	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/telemetry"
)

// Record is the caller-supplied part of an attempt.
type Record struct {
	Email         string
	UserID        string
	IPAddress     string
	Success       bool
	FailureReason string
}

// Ledger appends and counts attempts.
type Ledger struct {
	repo    repository.Repository
	clock   clock.Clock
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// NewLedger returns a Ledger over repo. clk defaults to the system clock.
func NewLedger(repo repository.Repository, clk clock.Clock, log zerolog.Logger, metrics *telemetry.Metrics) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{repo: repo, clock: clk, log: log, metrics: metrics}
}

// RecordAttempt appends one row stamped with the current time. Persistence failures are
// logged and swallowed so the login path stays available.
func (l *Ledger) RecordAttempt(ctx context.Context, rec Record) error {
	a := &domain.Attempt{
		ID:            uuid.NewString(),
		Email:         rec.Email,
		UserID:        rec.UserID,
		IPAddress:     rec.IPAddress,
		Success:       rec.Success,
		FailureReason: rec.FailureReason,
		AttemptedAt:   l.clock.Now(),
	}
	if a.Success {
		a.FailureReason = ""
	}
	if err := l.repo.Append(ctx, a); err != nil {
		l.metrics.StoreError(ctx, "ledger")
		l.log.Error().Err(err).Str("ip", rec.IPAddress).Bool("success", rec.Success).Msg("ledger: record attempt failed")
		return nil
	}
	return nil
}

// WindowedCount counts attempts from ip at or after windowStart. Errors are returned;
// the limiter decides how to fail.
func (l *Ledger) WindowedCount(ctx context.Context, ip string, windowStart time.Time) (int, error) {
	n, err := l.repo.CountByIPSince(ctx, ip, windowStart)
	if err != nil {
		return 0, fmt.Errorf("count attempts for %s: %w", ip, err)
	}
	return n, nil
}

// Prune deletes attempts older than before. Only the janitor calls this.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := l.repo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return n, nil
}
