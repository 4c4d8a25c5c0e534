package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"careerpilot/backend/internal/session/domain"
)

// MemoryRepository keeps sessions in process; used when no database is configured and in tests.
// It returns copies so callers never share state with the store.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*domain.Session)}
}

func (r *MemoryRepository) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *s
	r.sessions[s.ID] = &c
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (r *MemoryRepository) UpdateAccessToken(_ context.Context, id, accessTokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsActive {
		return domain.ErrNotActive
	}
	s.AccessTokenHash = accessTokenHash
	bump(s, at)
	return nil
}

func (r *MemoryRepository) TouchActivity(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.IsActive {
		bump(s, at)
	}
	return nil
}

func (r *MemoryRepository) Invalidate(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	return true, nil
}

func (r *MemoryRepository) InvalidateAllByUser(_ context.Context, userID string) (int64, error) {
	return r.deactivateWhere(func(s *domain.Session) bool { return s.UserID == userID }), nil
}

func (r *MemoryRepository) ExpireBefore(_ context.Context, now time.Time) (int64, error) {
	return r.deactivateWhere(func(s *domain.Session) bool { return s.ExpiresAt.Before(now) }), nil
}

func (r *MemoryRepository) DeactivateIdleSince(_ context.Context, cutoff time.Time) (int64, error) {
	return r.deactivateWhere(func(s *domain.Session) bool { return s.LastActivityAt.Before(cutoff) }), nil
}

func (r *MemoryRepository) ListActiveByUser(_ context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Usable(now) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (r *MemoryRepository) deactivateWhere(match func(*domain.Session) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.IsActive && match(s) {
			s.IsActive = false
			n++
		}
	}
	return n
}

func bump(s *domain.Session, at time.Time) {
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
}
