// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
)

// Store is a thread-safe in-memory storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[int][]byte
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[int][]byte)}
}

func (s *Store) Load(_ context.Context, localID int) (*session.PersistedSession, error) {
	s.mu.RLock()
	data, ok := s.data[localID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("local id %d: %w", localID, storage.ErrNotFound)
	}
	return storage.Unmarshal(data)
}

func (s *Store) Save(_ context.Context, p *session.PersistedSession) error {
	data, err := storage.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[storage.LocalID(p)] = data
	return nil
}

func (s *Store) Remove(_ context.Context, localID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, localID)
	return nil
}

func (s *Store) List(context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}
