package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by local development
// without redis. Its contents do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, set map[string]string, del []string) error {
	if err := validateKeys(set, del); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range del {
		delete(s.data, k)
	}
	for k, v := range set {
		s.data[k] = v
	}
	return nil
}

// Snapshot returns a copy of everything stored
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
