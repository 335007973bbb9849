package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultTTL = 24 * time.Hour

type memEntry struct {
	rec   TaskRecord
	saved time.Time
}

// Memory is an in-process store with TTL-based eviction.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates a store that forgets records older than ttl. A
// non-positive ttl selects 24h. Eviction runs every five minutes until
// Close.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m := &Memory{
		entries: make(map[string]*memEntry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *Memory) Save(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rec.ID] = &memEntry{rec: rec, saved: m.now()}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.rec, nil
	}
	return TaskRecord{}, ErrNotFound
}

func (m *Memory) List(_ context.Context, limit int) ([]TaskRecord, error) {
	m.mu.RLock()
	out := make([]TaskRecord, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evict()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	for id, e := range m.entries {
		if e.saved.Before(cutoff) {
			delete(m.entries, id)
		}
	}
}
