package repository

import (
	"context"
	"sync"
	"time"

	"careerpilot/backend/internal/attempt/domain"
)

// MemoryRepository keeps attempts in process; used when no database is configured and in tests.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []domain.Attempt
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Append(_ context.Context, a *domain.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *a)
	return nil
}

func (r *MemoryRepository) CountByIPSince(_ context.Context, ip string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.rows {
		if r.rows[i].IPAddress == ip && !r.rows[i].AttemptedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	var removed int64
	for _, a := range r.rows {
		if a.AttemptedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	r.rows = kept
	return removed, nil
}

// All returns a copy of the stored attempts in insertion order.
func (r *MemoryRepository) All() []domain.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Attempt(nil), r.rows...)
}
