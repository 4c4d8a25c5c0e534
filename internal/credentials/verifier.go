// Package credentials checks login credentials against the upstream account service.
// Password storage and verification live there; this service only learns the user id.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// ErrInvalidCredentials is returned when the upstream rejects the email/password pair.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Verifier resolves an email/password pair to a user id.
type Verifier interface {
	VerifyCredentials(ctx context.Context, email, password string) (userID string, err error)
}

// Options configures a RemoteVerifier.
type Options struct {
	URL      string
	Timeout  time.Duration // per attempt, default 2s
	RetryMax int           // default 2
	Log      zerolog.Logger
}

// RemoteVerifier posts credentials as JSON to an upstream endpoint. 200 with {"userId": "..."}
// accepts; 400, 401, 403 and 404 reject; anything else is an upstream failure.
type RemoteVerifier struct {
	url    string
	client *retryablehttp.Client
}

type verifyRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyResponse struct {
	UserID string `json:"userId"`
}

// NewRemoteVerifier returns a RemoteVerifier for opts.URL.
func NewRemoteVerifier(opts Options) (*RemoteVerifier, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("credentials: verify url is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = 2
	}
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = opts.Timeout
	client := &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: 50 * time.Millisecond,
		RetryWaitMax: 500 * time.Millisecond,
		RetryMax:     opts.RetryMax,
		Backoff:      retryablehttp.LinearJitterBackoff,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Logger:       leveledLogger{log: opts.Log},
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return &RemoteVerifier{url: opts.URL, client: client}, nil
}

// VerifyCredentials implements Verifier.
func (v *RemoteVerifier) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	body, err := json.Marshal(verifyRequest{Email: email, Password: password})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("credentials: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("credentials: upstream: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", ErrInvalidCredentials
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("credentials: upstream status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", fmt.Errorf("credentials: decode response: %w", err)
	}
	if out.UserID == "" {
		return "", errors.New("credentials: upstream returned no user id")
	}
	return out.UserID, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
