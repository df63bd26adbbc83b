package kv

import (
	"context"
	"slices"
	"sort"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]map[string][]byte{}}
}

func (m *MemStore) Put(_ context.Context, cache, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[cache]
	if !ok {
		c = make(map[string][]byte)
		m.data[cache] = c
	}
	c[key] = slices.Clone(value)
	return nil
}

func (m *MemStore) Get(_ context.Context, cache, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[cache][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemStore) Delete(_ context.Context, cache, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[cache], key)
	return nil
}

// Len returns the number of keys stored for cache.
func (m *MemStore) Len(cache string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[cache])
}

// Keys returns the sorted keys stored for cache.
func (m *MemStore) Keys(cache string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[cache]))
	for k := range m.data[cache] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*MemStore)(nil)
