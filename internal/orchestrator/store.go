package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// Store mirrors session status records. Implementations can be in-memory
// or remote; the Service writes every status transition through it so
// other processes can observe sessions without owning them.
type Store interface {
	SaveStatus(ctx context.Context, rec StatusRecord) error
	GetStatus(ctx context.Context, id SessionID) (StatusRecord, bool, error)
	DeleteStatus(ctx context.Context, id SessionID) error
	ListStatusIDs(ctx context.Context) ([]SessionID, error)
	Ping(ctx context.Context) error
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[SessionID]StatusRecord
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[SessionID]StatusRecord),
	}
}

// SaveStatus implements Store.SaveStatus.
func (s *InMemoryStore) SaveStatus(_ context.Context, rec StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// GetStatus implements Store.GetStatus.
func (s *InMemoryStore) GetStatus(_ context.Context, id SessionID) (StatusRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

// DeleteStatus implements Store.DeleteStatus.
func (s *InMemoryStore) DeleteStatus(_ context.Context, id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// ListStatusIDs implements Store.ListStatusIDs. IDs are sorted.
func (s *InMemoryStore) ListStatusIDs(_ context.Context) ([]SessionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]SessionID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Ping implements Store.Ping.
func (s *InMemoryStore) Ping(context.Context) error { return nil }
