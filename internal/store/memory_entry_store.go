package store

import (
	"context"
	"sync"

	"github.com/reflection-io/reflection/internal/model"
)

// InMemoryEntryStore provides thread-safe in-memory storage for reflection entries.
type InMemoryEntryStore struct {
	entries map[string]*model.ReflectionEntry
	mutex   sync.RWMutex
}

// NewInMemoryEntryStore creates a new thread-safe in-memory entry store.
func NewInMemoryEntryStore() *InMemoryEntryStore {
	return &InMemoryEntryStore{
		entries: make(map[string]*model.ReflectionEntry),
	}
}

// Get returns the entry with the given id, or ErrNotFound.
func (s *InMemoryEntryStore) Get(_ context.Context, id string) (*model.ReflectionEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, exists := s.entries[id]
	if !exists {
		return nil, ErrNotFound
	}

	entryCopy := *entry

	return &entryCopy, nil
}

// Save inserts or updates an entry, compare-and-swapping StoreVersion.
func (s *InMemoryEntryStore) Save(_ context.Context, entry *model.ReflectionEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.entries[entry.ID]
	if exists && existing.StoreVersion != entry.StoreVersion {
		return ErrConcurrentModification
	}

	entryCopy := *entry
	entryCopy.StoreVersion++
	s.entries[entry.ID] = &entryCopy

	entry.StoreVersion = entryCopy.StoreVersion

	return nil
}

// Delete physically removes an entry row.
func (s *InMemoryEntryStore) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.entries[id]; !exists {
		return ErrNotFound
	}

	delete(s.entries, id)

	return nil
}

// Find returns every entry.
func (s *InMemoryEntryStore) Find(_ context.Context) ([]*model.ReflectionEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.ReflectionEntry, 0, len(s.entries))

	for _, entry := range s.entries {
		entryCopy := *entry
		result = append(result, &entryCopy)
	}

	return result, nil
}
