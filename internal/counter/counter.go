// Package counter provides atomic integer counters shared between the dispatcher,
// inference workers and progress readers.
package counter

import (
	"context"
	"sync"
)

type Store interface {
	// Incr atomically adds one and returns the new value. A missing key starts at zero.
	Incr(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64) error
	// Get reports whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)
}

// MemoryStore keeps counters in process. It serves single-process deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key]++
	return m.values[key], nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}
