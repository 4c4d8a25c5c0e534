package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"careerpilot/backend/internal/telemetry"
)

const instrumentationName = "careerpilot.security"

// recordEmitter is the part of otellog.Logger the emitter uses.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return telemetry.NopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(instrumentationName)}
}

// NewEventEmitterWithLogger wraps any record sink; used in tests.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. Denials and refresh failures are WARN, the rest INFO.
func (e *otelEmitter) Emit(ctx context.Context, event telemetry.Event) error {
	if event.Type == "" {
		return nil
	}
	rec := otellog.Record{}
	rec.SetEventName(string(event.Type))
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(severityFor(event.Type))
	rec.SetSeverityText(rec.Severity().String())
	if event.Detail != "" {
		rec.SetBody(otellog.StringValue(event.Detail))
	}
	rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	for _, kv := range []struct{ k, v string }{
		{"user_id", event.UserID},
		{"session_id", event.SessionID},
		{"client_ip", event.IPAddress},
		{"ratelimit_key", event.Key},
	} {
		if kv.v != "" {
			rec.AddAttributes(otellog.String(kv.k, kv.v))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func severityFor(t telemetry.EventType) otellog.Severity {
	switch t {
	case telemetry.EventRateLimited, telemetry.EventRefreshDenied:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}
