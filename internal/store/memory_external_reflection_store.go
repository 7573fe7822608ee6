package store

import (
	"context"
	"sync"

	"github.com/reflection-io/reflection/internal/model"
)

// InMemoryExternalReflectionStore provides thread-safe in-memory storage for
// externally (user-)managed reflections.
type InMemoryExternalReflectionStore struct {
	reflections map[string]*model.ExternalReflection
	mutex       sync.RWMutex
}

// NewInMemoryExternalReflectionStore creates a new thread-safe in-memory
// external-reflection store.
func NewInMemoryExternalReflectionStore() *InMemoryExternalReflectionStore {
	return &InMemoryExternalReflectionStore{
		reflections: make(map[string]*model.ExternalReflection),
	}
}

// Put registers an external reflection. Not part of the ExternalReflectionStore
// interface: external reflections are observed, never created by the core, so
// tests and any ingestion path use this directly to seed the store.
func (s *InMemoryExternalReflectionStore) Put(r *model.ExternalReflection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rCopy := *r
	s.reflections[r.ID] = &rCopy
}

// GetAll returns every external reflection.
func (s *InMemoryExternalReflectionStore) GetAll(_ context.Context) ([]*model.ExternalReflection, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.ExternalReflection, 0, len(s.reflections))

	for _, r := range s.reflections {
		rCopy := *r
		result = append(result, &rCopy)
	}

	return result, nil
}

// Delete physically removes an external reflection row.
func (s *InMemoryExternalReflectionStore) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.reflections[id]; !exists {
		return ErrNotFound
	}

	delete(s.reflections, id)

	return nil
}
