package cache

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	key   string
	class Class
}

// Memory is an in-process Store. Entries are stored as immutable pointers
// under a RWMutex, so a reader sees either the old or the new entry.
type Memory struct {
	mu      sync.RWMutex
	entries map[memKey]*Entry
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[memKey]*Entry)}
}

func (m *Memory) Load(_ context.Context, key string, class Class) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[memKey{key, class}]
	return e, ok, nil
}

func (m *Memory) Save(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{e.Key, e.Class}
	// An older write that lost the race must not replace a fresher entry.
	if cur, ok := m.entries[k]; ok && cur.FetchedAt.After(e.FetchedAt) {
		return nil
	}
	m.entries[k] = e
	return nil
}

func (m *Memory) Purge(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if !e.Fresh(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, fresh or stale.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
