package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/security"
	"careerpilot/backend/internal/session/domain"
	"careerpilot/backend/internal/session/repository"
	"careerpilot/backend/internal/telemetry"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// countingRepo wraps the memory repository to count lookups and inject failures.
type countingRepo struct {
	*repository.MemoryRepository
	gets   atomic.Int64
	getErr error
	mu     sync.Mutex
	gate   chan struct{}
}

func (c *countingRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	c.gets.Add(1)
	c.mu.Lock()
	gate, err := c.gate, c.getErr
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return c.MemoryRepository.GetByID(ctx, id)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fixture struct {
	svc  *Service
	repo *countingRepo
	clk  *clock.Fake
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clk := clock.NewFake(testStart)
	repo := &countingRepo{MemoryRepository: repository.NewMemoryRepository()}
	svc := New(Deps{
		Repo:    repo,
		Tokens:  security.NewTestTokenProvider(clk),
		Clock:   clk,
		Log:     zerolog.Nop(),
		Emitter: &recordingEmitter{},
	}, opts)
	t.Cleanup(svc.Wait)
	return &fixture{svc: svc, repo: repo, clk: clk}
}

func TestCreateSession_PersistsDigestsOnly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	iss, err := f.svc.CreateSession(ctx, "u1", "1.2.3.4", "curl/8")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if iss.ExpiresIn != 900 || iss.SessionID == "" || iss.AccessToken == iss.RefreshToken {
		t.Fatalf("issued = %+v", iss)
	}
	sess, _ := f.repo.MemoryRepository.GetByID(ctx, iss.SessionID)
	if sess == nil {
		t.Fatal("session not stored")
	}
	if sess.AccessTokenHash != security.HashToken(iss.AccessToken) || sess.RefreshTokenHash != security.HashToken(iss.RefreshToken) {
		t.Error("stored digests do not match issued tokens")
	}
	if sess.AccessTokenHash == iss.AccessToken || sess.RefreshTokenHash == iss.RefreshToken {
		t.Error("raw token persisted")
	}
	if !sess.IsActive || !sess.ExpiresAt.Equal(testStart.Add(7*24*time.Hour)) {
		t.Errorf("session = %+v", sess)
	}
	if !sess.CreatedAt.Equal(testStart) || !sess.LastActivityAt.Equal(testStart) {
		t.Errorf("timestamps = %v / %v", sess.CreatedAt, sess.LastActivityAt)
	}
	if sess.IPAddress != "1.2.3.4" || sess.UserAgent != "curl/8" {
		t.Errorf("client info = %q / %q", sess.IPAddress, sess.UserAgent)
	}
}

func TestCreateSession_NotIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a, _ := f.svc.CreateSession(ctx, "u1", "", "")
	b, _ := f.svc.CreateSession(ctx, "u1", "", "")
	if a.SessionID == b.SessionID {
		t.Fatal("two calls returned the same session")
	}
	list, _ := f.svc.ListActiveSessions(ctx, "u1")
	if len(list) != 2 {
		t.Errorf("active sessions = %d, want 2", len(list))
	}
	if _, err := f.svc.CreateSession(ctx, "", "", ""); err == nil {
		t.Error("empty user id should be rejected")
	}
}

func TestVerifyAccess(t *testing.T) {
	f := newFixture(t, Options{})
	iss, _ := f.svc.CreateSession(context.Background(), "u1", "", "")

	id, err := f.svc.VerifyAccess(iss.AccessToken)
	if err != nil || id.UserID != "u1" || id.SessionID != iss.SessionID {
		t.Fatalf("VerifyAccess = %+v, %v", id, err)
	}
	if _, err := f.svc.VerifyAccess(iss.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("refresh token as access = %v", err)
	}
	if _, err := f.svc.VerifyAccess("garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("garbage = %v", err)
	}
	f.clk.Advance(15 * time.Minute)
	if _, err := f.svc.VerifyAccess(iss.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired = %v", err)
	}
	if f.repo.gets.Load() != 0 {
		t.Errorf("VerifyAccess read the store %d times", f.repo.gets.Load())
	}
}

func TestRefresh_ReplacesAccessDigest(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "1.2.3.4", "")

	f.clk.Advance(10 * time.Minute)
	r1, err := f.svc.Refresh(ctx, iss.RefreshToken, "1.2.3.4", "")
	if err != nil {
		t.Fatalf("Refresh 1: %v", err)
	}
	r2, err := f.svc.Refresh(ctx, iss.RefreshToken, "1.2.3.4", "")
	if err != nil {
		t.Fatalf("Refresh 2: %v", err)
	}
	if r1.AccessToken == r2.AccessToken || r1.AccessToken == iss.AccessToken {
		t.Fatal("refresh should mint distinct access tokens")
	}
	if r2.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d", r2.ExpiresIn)
	}
	sess, _ := f.repo.MemoryRepository.GetByID(ctx, iss.SessionID)
	if sess.AccessTokenHash != security.HashToken(r2.AccessToken) {
		t.Error("stored access digest should match the latest refresh")
	}
	if sess.RefreshTokenHash != security.HashToken(iss.RefreshToken) {
		t.Error("refresh digest must not rotate")
	}
	if !sess.LastActivityAt.Equal(testStart.Add(10 * time.Minute)) {
		t.Errorf("LastActivityAt = %v", sess.LastActivityAt)
	}
	if id, err := f.svc.VerifyAccess(r2.AccessToken); err != nil || id.SessionID != iss.SessionID {
		t.Errorf("refreshed token verify = %+v, %v", id, err)
	}
}

func TestRefresh_RejectsUniformly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	other := security.NewTestTokenProvider(f.clk)
	// same secrets, so the token verifies, but its digest was never stored
	forged, _, _ := other.IssueRefresh("u1", iss.SessionID)
	wrongUser, _, _ := other.IssueRefresh("u2", iss.SessionID)
	unknown, _, _ := other.IssueRefresh("u1", "no-such-session")

	for name, tok := range map[string]string{
		"access token":    iss.AccessToken,
		"garbage":         "not-a-jwt",
		"digest mismatch": forged,
		"user mismatch":   wrongUser,
		"unknown session": unknown,
	} {
		if _, err := f.svc.Refresh(ctx, tok, "", ""); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("%s: err = %v, want ErrSessionInvalid", name, err)
		}
	}
}

func TestRefresh_ExpiredSessionAndToken(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	f.clk.Advance(7 * 24 * time.Hour)
	if _, err := f.svc.Refresh(ctx, iss.RefreshToken, "", ""); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("refresh at expiry = %v", err)
	}
}

func TestRefresh_StoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	boom := errors.New("db down")
	f.repo.getErr = boom
	_, err := f.svc.Refresh(ctx, iss.RefreshToken, "", "")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestRevoke_RefreshFailsButAccessStillVerifies(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	if err := f.svc.InvalidateSession(ctx, iss.SessionID); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}
	if err := f.svc.InvalidateSession(ctx, iss.SessionID); err != nil {
		t.Fatalf("second InvalidateSession: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, iss.RefreshToken, "", ""); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("refresh after revoke = %v", err)
	}
	// stateless verification: the access token stays valid until it expires
	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); err != nil {
		t.Errorf("Authenticate after revoke (non-strict) = %v", err)
	}
}

func TestInvalidateAllUserSessions_Isolation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a1, _ := f.svc.CreateSession(ctx, "alice", "", "")
	a2, _ := f.svc.CreateSession(ctx, "alice", "", "")
	b1, _ := f.svc.CreateSession(ctx, "bob", "", "")

	n, err := f.svc.InvalidateAllUserSessions(ctx, "alice")
	if err != nil || n != 2 {
		t.Fatalf("InvalidateAllUserSessions = %d, %v", n, err)
	}
	if n, _ := f.svc.InvalidateAllUserSessions(ctx, "alice"); n != 0 {
		t.Errorf("second call = %d", n)
	}
	for _, tok := range []string{a1.RefreshToken, a2.RefreshToken} {
		if _, err := f.svc.Refresh(ctx, tok, "", ""); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("alice refresh = %v", err)
		}
	}
	if _, err := f.svc.Refresh(ctx, b1.RefreshToken, "", ""); err != nil {
		t.Errorf("bob refresh = %v", err)
	}
}

func TestAuthenticate_TouchesActivity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	f.clk.Advance(5 * time.Minute)
	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	f.svc.Wait()
	sess, _ := f.repo.MemoryRepository.GetByID(ctx, iss.SessionID)
	if !sess.LastActivityAt.Equal(testStart.Add(5 * time.Minute)) {
		t.Errorf("LastActivityAt = %v", sess.LastActivityAt)
	}
}

func TestAuthenticate_StrictRevocation(t *testing.T) {
	f := newFixture(t, Options{StrictRevocation: true})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); err != nil {
		t.Fatalf("Authenticate (cached): %v", err)
	}
	if got := f.repo.gets.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1 (second answered from cache)", got)
	}

	if err := f.svc.InvalidateSession(ctx, iss.SessionID); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Authenticate after revoke = %v, want ErrSessionInvalid", err)
	}
}

func TestAuthenticate_StrictRevokeAllPurgesCache(t *testing.T) {
	f := newFixture(t, Options{StrictRevocation: true})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := f.svc.InvalidateAllUserSessions(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateAllUserSessions: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Authenticate after revoke-all = %v", err)
	}
}

func TestAuthenticate_StrictStoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t, Options{StrictRevocation: true})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	boom := errors.New("db down")
	f.repo.getErr = boom
	if _, err := f.svc.Authenticate(ctx, iss.AccessToken); !errors.Is(err, boom) {
		t.Errorf("Authenticate = %v, want wrapped store error", err)
	}
}

func TestAuthenticate_StrictCoalescesLookups(t *testing.T) {
	f := newFixture(t, Options{StrictRevocation: true})
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")

	gate := make(chan struct{})
	f.repo.mu.Lock()
	f.repo.gate = gate
	f.repo.mu.Unlock()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Authenticate(ctx, iss.AccessToken)
			errs <- err
		}()
	}
	// let the goroutines pile up behind the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}
	if got := f.repo.gets.Load(); got >= callers {
		t.Errorf("store lookups = %d, expected coalescing below %d", got, callers)
	}
}

func TestEventsEmitted(t *testing.T) {
	f := newFixture(t, Options{})
	em := f.svc.emitter.(*recordingEmitter)
	ctx := context.Background()
	iss, _ := f.svc.CreateSession(ctx, "u1", "", "")
	_ = f.svc.InvalidateSession(ctx, iss.SessionID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		em.mu.Lock()
		n := len(em.events)
		em.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected created and revoked events")
}
