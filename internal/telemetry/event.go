package telemetry

import (
	"context"
	"errors"
	"time"
)

// EventType names a security-relevant event.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionRefreshed   EventType = "session.refreshed"
	EventSessionRevoked     EventType = "session.revoked"
	EventSessionsRevokedAll EventType = "session.revoked_all"
	EventRefreshDenied      EventType = "session.refresh_denied"
	EventRateLimited        EventType = "ratelimit.denied"
	EventLoginAttempt       EventType = "login.attempt"
)

// Event is one security event. Empty fields are omitted by emitters.
type Event struct {
	Type      EventType
	UserID    string
	SessionID string
	IPAddress string
	Key       string
	Detail    string
	At        time.Time
}

// EventEmitter emits security events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event Event) error
}

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }

// MultiEmitter fans an event out to every emitter and joins their errors.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
