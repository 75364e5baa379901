package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// MemoryStore keeps windows in process memory. It suits a single server
// process and tests; multi-process deployments use the database store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// HitWindow implements Store.
func (m *MemoryStore) HitWindow(_ context.Context, key string, now time.Time, size time.Duration, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !w.start.After(now.Add(-size)) {
		m.windows[key] = &window{count: 1, start: now}
		return true, nil
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// PruneWindows drops windows that started before cutoff.
func (m *MemoryStore) PruneWindows(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, w := range m.windows {
		if w.start.Before(cutoff) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}
