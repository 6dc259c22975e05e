package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	values    []float64
	fetchedAt time.Time
}

// MemoryStore is the in-process signal store used when no database path
// is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func memKey(key, kind string) string {
	return kind + "\x00" + key
}

// Get returns stored values if present and fresh
func (m *MemoryStore) Get(_ context.Context, key, kind string) ([]float64, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[memKey(key, kind)]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && m.now().Sub(e.fetchedAt) >= m.ttl {
		return nil, false, nil
	}
	out := make([]float64, len(e.values))
	copy(out, e.values)
	return out, true, nil
}

// Put stores a copy of values
func (m *MemoryStore) Put(_ context.Context, key, kind string, values []float64) error {
	cp := make([]float64, len(values))
	copy(cp, values)
	m.mu.Lock()
	m.entries[memKey(key, kind)] = memEntry{values: cp, fetchedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// Purge drops expired entries
func (m *MemoryStore) Purge(_ context.Context) (int64, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	now := m.now()
	var n int64
	m.mu.Lock()
	for k, e := range m.entries {
		if now.Sub(e.fetchedAt) >= m.ttl {
			delete(m.entries, k)
			n++
		}
	}
	m.mu.Unlock()
	return n, nil
}

// Count returns the number of stored entries
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }
