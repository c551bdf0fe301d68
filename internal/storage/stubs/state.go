package stubs

import (
	"context"
	"sync"
)

// MemoryStateStore keeps conversation state in a map. State is lost on restart.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[int64][]byte
}

// NewMemoryStateStore creates an empty state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[int64][]byte)}
}

func (s *MemoryStateStore) Load(ctx context.Context, userID int64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.states[userID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, userID int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[userID] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, userID)
	return nil
}

func (s *MemoryStateStore) Close() error {
	return nil
}
