package cache

import (
	"context"
	"slices"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// NewMemoryFactory returns the same store each time a namespace is reopened.
func NewMemoryFactory() Factory {
	var mu sync.Mutex
	stores := make(map[string]*MemoryStore)

	return func(namespace string) (Store, error) {
		if err := validNamespace(namespace); err != nil {
			return nil, err
		}

		mu.Lock()
		defer mu.Unlock()

		store, ok := stores[namespace]
		if !ok {
			store = NewMemoryStore()
			stores[namespace] = store
		}

		return store, nil
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}

	return slices.Clone(value), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = slices.Clone(value)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys, nil
}
