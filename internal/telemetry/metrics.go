package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "careerpilot/backend"

// Metrics holds the OTel instruments shared by the limiter, ledger, sessions and janitor.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions     metric.Int64Counter
	storeErrors   metric.Int64Counter
	sessions      metric.Int64Counter
	sweepAffected metric.Int64Counter
	sweepDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on provider's meter.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	m := provider.Meter(meterName)
	var (
		out Metrics
		err error
	)
	if out.decisions, err = m.Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate limit checks by scope and outcome")); err != nil {
		return nil, err
	}
	if out.storeErrors, err = m.Int64Counter("store.errors",
		metric.WithDescription("Failed calls to counter, ledger or session storage")); err != nil {
		return nil, err
	}
	if out.sessions, err = m.Int64Counter("session.events",
		metric.WithDescription("Session lifecycle operations by kind")); err != nil {
		return nil, err
	}
	if out.sweepAffected, err = m.Int64Counter("janitor.affected",
		metric.WithDescription("Rows or windows changed by janitor sweeps")); err != nil {
		return nil, err
	}
	if out.sweepDuration, err = m.Float64Histogram("janitor.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Janitor sweep duration")); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decision counts one rate-limit outcome. outcome is allowed, denied, or fail_open/fail_closed.
func (m *Metrics) Decision(ctx context.Context, scope, outcome string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
}

// StoreError counts a failed storage call for component.
func (m *Metrics) StoreError(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// Session counts a session lifecycle operation.
func (m *Metrics) Session(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Sweep records one janitor sweep run.
func (m *Metrics) Sweep(ctx context.Context, name string, affected int64, took time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sweep", name), attribute.Bool("failed", failed))
	m.sweepAffected.Add(ctx, affected, attrs)
	m.sweepDuration.Record(ctx, took.Seconds(), attrs)
}
