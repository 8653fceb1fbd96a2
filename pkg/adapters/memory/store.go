package memory

import (
	"context"
	"sync"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
)

// Store implements ports.StateStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.TaskRecord
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.TaskRecord),
	}
}

// Create persists a new record. Fails if the thread already exists.
func (s *Store) Create(ctx context.Context, record *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[record.ThreadID]; ok {
		return domain.ErrTaskExists
	}
	// Copy on write so callers can't mutate store state by pointer
	s.data[record.ThreadID] = record.Clone()
	return nil
}

// Save persists the record in memory.
func (s *Store) Save(ctx context.Context, record *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[record.ThreadID] = record.Clone()
	return nil
}

// Load retrieves a copy of the record.
func (s *Store) Load(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[threadID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return rec.Clone(), nil
}

// Apply computes and merges a delta while holding the write lock.
func (s *Store) Apply(ctx context.Context, threadID string, fn ports.DeltaFunc) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[threadID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	next := rec.Clone()
	delta, err := fn(next.Clone())
	if err != nil {
		return nil, err
	}
	next.Apply(delta)
	s.data[threadID] = next
	return next.Clone(), nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, threadID)
	return nil
}

// List returns the stored thread IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}
