// Package loki pushes security events to Grafana Loki's push API.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"careerpilot/backend/internal/telemetry"
)

// ErrDropped is returned when the push rate cap is exhausted and the event is discarded.
var ErrDropped = errors.New("loki: event dropped, push rate exceeded")

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// Loki label names must match [a-zA-Z_:][a-zA-Z0-9_:]*; values are cleaned to the same set plus '-'.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// line is the JSON log line for one event. Identifiers stay in the line, not in labels,
// so stream cardinality is bounded by job and event type.
type line struct {
	EventType string `json:"eventType"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Key       string `json:"key,omitempty"`
	Detail    string `json:"detail,omitempty"`
	At        string `json:"at"`
}

// Options configures an Emitter.
type Options struct {
	URL      string // base URL, e.g. http://localhost:3100
	Job      string // job label, default "careerpilot"
	Timeout  time.Duration
	RetryMax int
	// PerSecond caps pushes per second with a burst of twice that; default 50.
	PerSecond float64
}

// Emitter is a telemetry.EventEmitter that pushes one stream entry per event.
type Emitter struct {
	pushURL string
	job     string
	client  *retryablehttp.Client
	limiter *rate.Limiter
}

var _ telemetry.EventEmitter = (*Emitter)(nil)

// NewEmitter returns an Emitter for opts.URL.
func NewEmitter(opts Options) (*Emitter, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	if opts.Job == "" {
		opts.Job = "careerpilot"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = 50
	}
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = opts.Timeout
	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Emitter{
		pushURL: strings.TrimSuffix(opts.URL, "/") + "/loki/api/v1/push",
		job:     sanitize(opts.Job),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.PerSecond), int(2*opts.PerSecond)+1),
	}, nil
}

// Emit implements telemetry.EventEmitter.
func (e *Emitter) Emit(ctx context.Context, event telemetry.Event) error {
	if event.Type == "" {
		return nil
	}
	if !e.limiter.Allow() {
		return ErrDropped
	}
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	raw, err := json.Marshal(line{
		EventType: string(event.Type),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		IPAddress: event.IPAddress,
		Key:       event.Key,
		Detail:    event.Detail,
		At:        ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	labels := map[string]string{"job": e.job}
	if v := sanitize(string(event.Type)); v != "" {
		labels["event_type"] = v
	}
	return e.push(ctx, PushRequest{Streams: []Stream{{
		Stream: labels,
		Values: [][]string{{strconv.FormatInt(ts.UnixNano(), 10), string(raw)}},
	}}})
}

func (e *Emitter) push(ctx context.Context, body PushRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.pushURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

func sanitize(v string) string {
	return labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
}
