package store

import (
	"container/heap"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"careerpilot/backend/internal/ratelimit/domain"
)

const defaultShards = 64

// MemoryStore keeps windows in process. Keys are spread over lock-striped shards so
// unrelated keys never contend; each shard keeps a min-heap on ResetAt so eviction
// pops stale windows without scanning the map.
type MemoryStore struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	byReset resetHeap
}

type entry struct {
	window domain.Window
	index  int
}

// NewMemoryStore returns a MemoryStore with n shards (64 when n <= 0).
func NewMemoryStore(n int) *MemoryStore {
	if n <= 0 {
		n = defaultShards
	}
	s := &MemoryStore{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) Consume(_ context.Context, key string, limit int, window time.Duration, now time.Time) (domain.Window, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{window: domain.Window{Key: key, Count: 1, ResetAt: now.Add(window)}}
		sh.entries[key] = e
		heap.Push(&sh.byReset, e)
		return e.window, true, nil
	}
	if e.window.Expired(now) {
		e.window.Count = 1
		e.window.ResetAt = now.Add(window)
		heap.Fix(&sh.byReset, e.index)
		return e.window, true, nil
	}
	if e.window.Count < limit {
		e.window.Count++
		return e.window, true, nil
	}
	return e.window, false, nil
}

func (s *MemoryStore) Evict(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for sh.byReset.Len() > 0 && sh.byReset[0].window.ResetAt.Before(before) {
			e := heap.Pop(&sh.byReset).(*entry)
			delete(sh.entries, e.window.Key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Get returns a copy of the window for key, if present. Used by tests and diagnostics.
func (s *MemoryStore) Get(key string) (domain.Window, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return domain.Window{}, false
	}
	return e.window, true
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

type resetHeap []*entry

func (h resetHeap) Len() int           { return len(h) }
func (h resetHeap) Less(i, j int) bool { return h[i].window.ResetAt.Before(h[j].window.ResetAt) }
func (h resetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *resetHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *resetHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
