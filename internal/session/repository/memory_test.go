package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"careerpilot/backend/internal/session/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(id, userID string, created time.Time) *domain.Session {
	return &domain.Session{
		ID: id, UserID: userID, AccessTokenHash: "a-" + id, RefreshTokenHash: "r-" + id,
		IsActive: true, ExpiresAt: created.Add(7 * 24 * time.Hour),
		CreatedAt: created, LastActivityAt: created,
	}
}

func TestMemoryRepository_GetReturnsCopy(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.Create(ctx, newSession("s1", "u1", t0))

	got, _ := r.GetByID(ctx, "s1")
	got.IsActive = false
	again, _ := r.GetByID(ctx, "s1")
	if !again.IsActive {
		t.Error("mutating a returned session changed the store")
	}
	if missing, err := r.GetByID(ctx, "nope"); missing != nil || err != nil {
		t.Errorf("missing = %v, %v", missing, err)
	}
}

func TestMemoryRepository_ActivityNeverMovesBack(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.Create(ctx, newSession("s1", "u1", t0))

	_ = r.TouchActivity(ctx, "s1", t0.Add(10*time.Minute))
	_ = r.TouchActivity(ctx, "s1", t0.Add(5*time.Minute))
	if err := r.UpdateAccessToken(ctx, "s1", "a2", t0.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateAccessToken: %v", err)
	}
	s, _ := r.GetByID(ctx, "s1")
	if !s.LastActivityAt.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("LastActivityAt = %v", s.LastActivityAt)
	}
	if s.AccessTokenHash != "a2" {
		t.Errorf("AccessTokenHash = %q", s.AccessTokenHash)
	}
}

func TestMemoryRepository_InvalidateIsTerminalAndIdempotent(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.Create(ctx, newSession("s1", "u1", t0))

	if changed, _ := r.Invalidate(ctx, "s1"); !changed {
		t.Fatal("first Invalidate should report a change")
	}
	if changed, _ := r.Invalidate(ctx, "s1"); changed {
		t.Fatal("second Invalidate should be a no-op")
	}
	if changed, err := r.Invalidate(ctx, "missing"); changed || err != nil {
		t.Fatalf("Invalidate(missing) = %v, %v", changed, err)
	}
	if err := r.UpdateAccessToken(ctx, "s1", "x", t0); !errors.Is(err, domain.ErrNotActive) {
		t.Errorf("UpdateAccessToken on inactive = %v", err)
	}
	_ = r.TouchActivity(ctx, "s1", t0.Add(time.Hour))
	if s, _ := r.GetByID(ctx, "s1"); !s.LastActivityAt.Equal(t0) {
		t.Error("inactive session activity changed")
	}
}

func TestMemoryRepository_BulkDeactivation(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.Create(ctx, newSession("a1", "alice", t0))
	_ = r.Create(ctx, newSession("a2", "alice", t0.Add(time.Hour)))
	_ = r.Create(ctx, newSession("b1", "bob", t0))

	n, _ := r.InvalidateAllByUser(ctx, "alice")
	if n != 2 {
		t.Errorf("InvalidateAllByUser = %d", n)
	}
	if n, _ := r.InvalidateAllByUser(ctx, "alice"); n != 0 {
		t.Errorf("second InvalidateAllByUser = %d", n)
	}
	if s, _ := r.GetByID(ctx, "b1"); !s.IsActive {
		t.Error("bob's session affected")
	}

	if n, _ := r.DeactivateIdleSince(ctx, t0.Add(time.Minute)); n != 1 {
		t.Errorf("DeactivateIdleSince = %d", n)
	}
	_ = r.Create(ctx, newSession("c1", "carol", t0))
	if n, _ := r.ExpireBefore(ctx, t0.Add(8*24*time.Hour)); n != 1 {
		t.Errorf("ExpireBefore = %d", n)
	}
}

func TestMemoryRepository_ListActiveByUser(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	_ = r.Create(ctx, newSession("old", "u1", t0))
	_ = r.Create(ctx, newSession("new", "u1", t0.Add(time.Hour)))
	_ = r.Create(ctx, newSession("gone", "u1", t0))
	_, _ = r.Invalidate(ctx, "gone")

	list, err := r.ListActiveByUser(ctx, "u1", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListActiveByUser: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Errorf("list = %v", list)
	}
	if list, _ := r.ListActiveByUser(ctx, "u1", t0.Add(7*24*time.Hour)); len(list) != 1 {
		t.Errorf("expired sessions should be excluded, got %d", len(list))
	}
}
