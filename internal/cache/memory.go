package cache

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps entries in a map. It never evicts on its own.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{entries: make(map[string]Entry[T])}
}

func (m *MemoryStore[T]) Load(_ context.Context, key string) (Entry[T], bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore[T]) Save(_ context.Context, e Entry[T]) error {
	m.mu.Lock()
	m.entries[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// DeleteFamily removes key and every context partition of it ("key|...").
func (m *MemoryStore[T]) DeleteFamily(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if k == key || strings.HasPrefix(k, key+"|") {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryStore[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
