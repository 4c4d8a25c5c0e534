package loki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"careerpilot/backend/internal/telemetry"
)

func TestNewEmitter_EmptyURL(t *testing.T) {
	if _, err := NewEmitter(Options{URL: "  "}); err == nil {
		t.Fatal("NewEmitter should reject an empty URL")
	}
}

func TestEmit_PushesStream(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/push" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, err := NewEmitter(Options{URL: srv.URL + "/", Job: "auth api"})
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = e.Emit(context.Background(), telemetry.Event{
		Type:      telemetry.EventRateLimited,
		UserID:    "u1",
		IPAddress: "10.0.0.1",
		Key:       "ip:10.0.0.1:login",
		At:        at,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(got.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(got.Streams))
	}
	s := got.Streams[0]
	if s.Stream["job"] != "auth_api" {
		t.Errorf("job label = %q, want auth_api", s.Stream["job"])
	}
	if s.Stream["event_type"] != "ratelimit_denied" {
		t.Errorf("event_type label = %q", s.Stream["event_type"])
	}
	if _, ok := s.Stream["user_id"]; ok {
		t.Error("user id must not be a label")
	}
	if len(s.Values) != 1 || s.Values[0][0] != "1767323045000000000" {
		t.Fatalf("values = %v", s.Values)
	}
	var l line
	if err := json.Unmarshal([]byte(s.Values[0][1]), &l); err != nil {
		t.Fatalf("line: %v", err)
	}
	if l.UserID != "u1" || l.Key != "ip:10.0.0.1:login" || l.SessionID != "" {
		t.Errorf("line = %+v", l)
	}
}

func TestEmit_SkipsUntypedEvent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	e, _ := NewEmitter(Options{URL: srv.URL})
	if err := e.Emit(context.Background(), telemetry.Event{}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestEmit_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, _ := NewEmitter(Options{URL: srv.URL, RetryMax: 1})
	e.client.RetryWaitMin = time.Millisecond
	e.client.RetryWaitMax = time.Millisecond
	if err := e.Emit(context.Background(), telemetry.Event{Type: telemetry.EventSessionCreated}); err == nil {
		t.Fatal("Emit should fail on persistent 503")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestEmit_DropsOverRateCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// burst of 1, one token per 10s
	e, _ := NewEmitter(Options{URL: srv.URL, PerSecond: 0.1})
	var dropped int
	for i := 0; i < 5; i++ {
		if err := e.Emit(context.Background(), telemetry.Event{Type: telemetry.EventRateLimited}); errors.Is(err, ErrDropped) {
			dropped++
		} else if err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}
	if calls.Load() != 1 || dropped != 4 {
		t.Errorf("pushed = %d, dropped = %d, want 1/4", calls.Load(), dropped)
	}
}
