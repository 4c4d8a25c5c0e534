// Package service issues, validates, refreshes and revokes session tokens.
//
// Access tokens are verified statelessly: a revoked session's access token keeps
// verifying until it expires (at most the access TTL). Strict revocation mode adds a
// cached store lookup to Authenticate to close that window.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/security"
	"careerpilot/backend/internal/session/domain"
	"careerpilot/backend/internal/session/repository"
	"careerpilot/backend/internal/telemetry"
)

// Sentinel errors; transports map them to status codes.
var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrSessionInvalid = errors.New("invalid or expired session")
)

// Issued is the result of CreateSession.
type Issued struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime in seconds
	SessionID    string
}

// Refreshed is the result of Refresh. The refresh token is not rotated.
type Refreshed struct {
	AccessToken string
	ExpiresIn   int64
}

// Identity is what a verified access token asserts.
type Identity struct {
	UserID    string
	SessionID string
}

// Options tunes the service. Zero values take defaults.
type Options struct {
	StrictRevocation bool
	// RevocationCacheTTL bounds how stale a strict-mode answer can be for revocations
	// made by another process. Default 5s.
	RevocationCacheTTL  time.Duration
	RevocationCacheSize int           // default 10000
	LookupTimeout       time.Duration // strict-mode store lookup bound, default 2s
	TouchTimeout        time.Duration // activity update bound, default 2s
}

// Deps are the collaborators of a Service. Repo and Tokens are required.
type Deps struct {
	Repo    repository.Repository
	Tokens  *security.TokenProvider
	Clock   clock.Clock
	Log     zerolog.Logger
	Metrics *telemetry.Metrics
	Emitter telemetry.EventEmitter
}

type cachedState struct {
	userID string
	usable bool
}

// Service implements the session lifecycle.
type Service struct {
	repo    repository.Repository
	tokens  *security.TokenProvider
	clock   clock.Clock
	log     zerolog.Logger
	metrics *telemetry.Metrics
	emitter telemetry.EventEmitter
	opts    Options

	cache   *expirable.LRU[string, cachedState]
	lookups singleflight.Group
	touches sync.WaitGroup
}

// New returns a Service.
func New(deps Deps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if opts.RevocationCacheTTL <= 0 {
		opts.RevocationCacheTTL = 5 * time.Second
	}
	if opts.RevocationCacheSize <= 0 {
		opts.RevocationCacheSize = 10000
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.TouchTimeout <= 0 {
		opts.TouchTimeout = 2 * time.Second
	}
	s := &Service{
		repo:    deps.Repo,
		tokens:  deps.Tokens,
		clock:   deps.Clock,
		log:     deps.Log,
		metrics: deps.Metrics,
		emitter: deps.Emitter,
		opts:    opts,
	}
	if opts.StrictRevocation {
		s.cache = expirable.NewLRU[string, cachedState](opts.RevocationCacheSize, nil, opts.RevocationCacheTTL)
	}
	return s
}

// CreateSession starts a new session for userID and returns its token pair. Every call
// creates an independent session.
func (s *Service) CreateSession(ctx context.Context, userID, ip, userAgent string) (*Issued, error) {
	if userID == "" {
		return nil, errors.New("create session: user id is required")
	}
	now := s.clock.Now()
	sessionID := uuid.NewString()
	access, _, err := s.tokens.IssueAccess(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	sess := &domain.Session{
		ID:               sessionID,
		UserID:           userID,
		AccessTokenHash:  security.HashToken(access),
		RefreshTokenHash: security.HashToken(refresh),
		IPAddress:        ip,
		UserAgent:        userAgent,
		IsActive:         true,
		ExpiresAt:        refreshExp,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		s.metrics.StoreError(ctx, "session")
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.metrics.Session(ctx, "created")
	s.emit(telemetry.Event{Type: telemetry.EventSessionCreated, UserID: userID, SessionID: sessionID, IPAddress: ip, At: now})
	return &Issued{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		SessionID:    sessionID,
	}, nil
}

// VerifyAccess checks signature, expiry and type of an access token. It never reads the store.
func (s *Service) VerifyAccess(token string) (*Identity, error) {
	claims, err := s.tokens.ValidateAccess(token)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	return &Identity{UserID: claims.UserID, SessionID: claims.SessionID}, nil
}

// Authenticate verifies an access token for a protected request and records activity.
// In strict mode it also requires the session to be active; store failures then reject.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	id, err := s.VerifyAccess(token)
	if err != nil {
		return nil, err
	}
	if s.opts.StrictRevocation {
		usable, err := s.sessionUsable(ctx, id.SessionID)
		if err != nil {
			return nil, err
		}
		if !usable {
			return nil, ErrSessionInvalid
		}
	}
	s.TouchActivity(id.SessionID)
	return id, nil
}

// TouchActivity bumps the session's last activity in the background. Failures are logged only.
func (s *Service) TouchActivity(sessionID string) {
	if sessionID == "" {
		return
	}
	at := s.clock.Now()
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TouchTimeout)
		defer cancel()
		if err := s.repo.TouchActivity(ctx, sessionID, at); err != nil {
			s.metrics.StoreError(ctx, "session")
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("session: touch activity failed")
		}
	}()
}

// Wait blocks until in-flight activity updates finish. Used at shutdown.
func (s *Service) Wait() {
	s.touches.Wait()
}

// Refresh mints a new access token for the session named by refreshToken. Every token,
// ownership, digest, state or expiry mismatch yields ErrSessionInvalid; store failures are
// returned wrapped and also reject the refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*Refreshed, error) {
	claims, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, s.refreshDenied("", "", ip, "token: "+err.Error())
	}
	sess, err := s.repo.GetByID(ctx, claims.SessionID)
	if err != nil {
		s.metrics.StoreError(ctx, "session")
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := s.clock.Now()
	switch {
	case sess == nil:
		return nil, s.refreshDenied(claims.UserID, claims.SessionID, ip, "session not found")
	case sess.UserID != claims.UserID:
		return nil, s.refreshDenied(claims.UserID, claims.SessionID, ip, "user mismatch")
	case !security.TokenHashEqual(refreshToken, sess.RefreshTokenHash):
		return nil, s.refreshDenied(claims.UserID, claims.SessionID, ip, "refresh digest mismatch")
	case !sess.Usable(now):
		return nil, s.refreshDenied(claims.UserID, claims.SessionID, ip, "session inactive or expired")
	}

	access, _, err := s.tokens.IssueAccess(sess.UserID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	if err := s.repo.UpdateAccessToken(ctx, sess.ID, security.HashToken(access), now); err != nil {
		if errors.Is(err, domain.ErrNotActive) {
			// revoked between the read and the write
			return nil, s.refreshDenied(sess.UserID, sess.ID, ip, "session revoked during refresh")
		}
		s.metrics.StoreError(ctx, "session")
		return nil, fmt.Errorf("store access token: %w", err)
	}
	if ip != "" && sess.IPAddress != "" && ip != sess.IPAddress {
		s.log.Debug().Str("session_id", sess.ID).Str("ip", ip).Str("session_ip", sess.IPAddress).
			Str("user_agent", userAgent).Msg("session: refresh from a different address")
	}
	s.metrics.Session(ctx, "refreshed")
	s.emit(telemetry.Event{Type: telemetry.EventSessionRefreshed, UserID: sess.UserID, SessionID: sess.ID, IPAddress: ip, At: now})
	return &Refreshed{
		AccessToken: access,
		ExpiresIn:   int64(s.tokens.AccessTTL() / time.Second),
	}, nil
}

// InvalidateSession deactivates one session. Unknown or already inactive sessions are a no-op.
func (s *Service) InvalidateSession(ctx context.Context, sessionID string) error {
	changed, err := s.repo.Invalidate(ctx, sessionID)
	if err != nil {
		s.metrics.StoreError(ctx, "session")
		return fmt.Errorf("invalidate session: %w", err)
	}
	if s.cache != nil {
		s.cache.Remove(sessionID)
	}
	if changed {
		s.metrics.Session(ctx, "revoked")
		s.emit(telemetry.Event{Type: telemetry.EventSessionRevoked, SessionID: sessionID, At: s.clock.Now()})
	}
	return nil
}

// InvalidateAllUserSessions deactivates every active session of userID and returns how many changed.
func (s *Service) InvalidateAllUserSessions(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.InvalidateAllByUser(ctx, userID)
	if err != nil {
		s.metrics.StoreError(ctx, "session")
		return 0, fmt.Errorf("invalidate user sessions: %w", err)
	}
	if s.cache != nil {
		for _, id := range s.cache.Keys() {
			if st, ok := s.cache.Peek(id); ok && st.userID == userID {
				s.cache.Remove(id)
			}
		}
	}
	if n > 0 {
		s.metrics.Session(ctx, "revoked_all")
		s.emit(telemetry.Event{Type: telemetry.EventSessionsRevokedAll, UserID: userID,
			Detail: fmt.Sprintf("%d sessions", n), At: s.clock.Now()})
	}
	return n, nil
}

// ListActiveSessions returns the user's usable sessions, most recently active first.
func (s *Service) ListActiveSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	list, err := s.repo.ListActiveByUser(ctx, userID, s.clock.Now())
	if err != nil {
		s.metrics.StoreError(ctx, "session")
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

// sessionUsable answers from the cache or, once per session id across concurrent callers, from the store.
func (s *Service) sessionUsable(ctx context.Context, sessionID string) (bool, error) {
	if st, ok := s.cache.Get(sessionID); ok {
		return st.usable, nil
	}
	v, err, _ := s.lookups.Do(sessionID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LookupTimeout)
		defer cancel()
		sess, err := s.repo.GetByID(lookupCtx, sessionID)
		if err != nil {
			return nil, err
		}
		st := cachedState{usable: sess.Usable(s.clock.Now())}
		if sess != nil {
			st.userID = sess.UserID
		}
		s.cache.Add(sessionID, st)
		return st, nil
	})
	if err != nil {
		s.metrics.StoreError(ctx, "session")
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("session: strict revocation lookup failed")
		return false, fmt.Errorf("session lookup: %w", err)
	}
	return v.(cachedState).usable, nil
}

func (s *Service) refreshDenied(userID, sessionID, ip, reason string) error {
	s.log.Info().Str("session_id", sessionID).Str("ip", ip).Str("reason", reason).Msg("session: refresh denied")
	s.metrics.Session(context.Background(), "refresh_denied")
	s.emit(telemetry.Event{Type: telemetry.EventRefreshDenied, UserID: userID, SessionID: sessionID,
		IPAddress: ip, Detail: reason, At: s.clock.Now()})
	return ErrSessionInvalid
}

func (s *Service) emit(e telemetry.Event) {
	telemetry.EmitAsync(s.emitter, s.log, e)
}
