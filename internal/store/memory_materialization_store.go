package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reflection-io/reflection/internal/model"
)

// InMemoryMaterializationStore provides thread-safe in-memory storage for materializations.
type InMemoryMaterializationStore struct {
	materializations map[string]*model.Materialization
	mutex            sync.RWMutex
}

// NewInMemoryMaterializationStore creates a new thread-safe in-memory materialization store.
func NewInMemoryMaterializationStore() *InMemoryMaterializationStore {
	return &InMemoryMaterializationStore{
		materializations: make(map[string]*model.Materialization),
	}
}

// Get returns the materialization with the given id, or ErrNotFound.
func (s *InMemoryMaterializationStore) Get(_ context.Context, id string) (*model.Materialization, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	m, exists := s.materializations[id]
	if !exists {
		return nil, ErrNotFound
	}

	mCopy := *m

	return &mCopy, nil
}

// Save inserts or updates a materialization, compare-and-swapping StoreVersion.
func (s *InMemoryMaterializationStore) Save(_ context.Context, m *model.Materialization) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.materializations[m.ID]
	if exists && existing.StoreVersion != m.StoreVersion {
		return ErrConcurrentModification
	}

	mCopy := *m
	mCopy.StoreVersion++
	s.materializations[m.ID] = &mCopy

	m.StoreVersion = mCopy.StoreVersion

	return nil
}

// Delete physically removes a materialization row.
func (s *InMemoryMaterializationStore) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.materializations[id]; !exists {
		return ErrNotFound
	}

	delete(s.materializations, id)

	return nil
}

// GetLast returns the most recently created materialization for a reflection.
func (s *InMemoryMaterializationStore) GetLast(
	_ context.Context, reflectionID string,
) (*model.Materialization, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var last *model.Materialization

	for _, m := range s.materializations {
		if m.ReflectionID != reflectionID {
			continue
		}

		if last == nil || m.CreatedAt.After(last.CreatedAt) {
			last = m
		}
	}

	if last == nil {
		return nil, ErrNotFound
	}

	lastCopy := *last

	return &lastCopy, nil
}

// GetRunning returns the RUNNING materialization for a reflection, or ErrNotFound.
func (s *InMemoryMaterializationStore) GetRunning(
	_ context.Context, reflectionID string,
) (*model.Materialization, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, m := range s.materializations {
		if m.ReflectionID == reflectionID && m.State == model.MaterializationRunning {
			mCopy := *m

			return &mCopy, nil
		}
	}

	return nil, ErrNotFound
}

// GetAllDone returns every DONE materialization for a reflection.
func (s *InMemoryMaterializationStore) GetAllDone(
	_ context.Context, reflectionID string,
) ([]*model.Materialization, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.Materialization, 0)

	for _, m := range s.materializations {
		if m.ReflectionID != reflectionID || m.State != model.MaterializationDone {
			continue
		}

		mCopy := *m
		result = append(result, &mCopy)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	return result, nil
}

// GetAllExpiredWhen returns every materialization whose Expiry is at or before t.
func (s *InMemoryMaterializationStore) GetAllExpiredWhen(
	_ context.Context, t time.Time,
) ([]*model.Materialization, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.Materialization, 0)

	for _, m := range s.materializations {
		if m.Expiry.IsZero() || m.Expiry.After(t) {
			continue
		}

		mCopy := *m
		result = append(result, &mCopy)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Expiry.Before(result[j].Expiry) })

	return result, nil
}

// GetDeletableEntriesModifiedBefore returns up to n materializations eligible
// for GC (DEPRECATED or DELETED) modified before t, oldest first.
func (s *InMemoryMaterializationStore) GetDeletableEntriesModifiedBefore(
	_ context.Context, t time.Time, n int,
) ([]*model.Materialization, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	candidates := make([]*model.Materialization, 0)

	for _, m := range s.materializations {
		if !m.ModifiedAt.Before(t) {
			continue
		}

		if m.State != model.MaterializationDeprecated && m.State != model.MaterializationDeleted {
			continue
		}

		mCopy := *m
		candidates = append(candidates, &mCopy)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModifiedAt.Before(candidates[j].ModifiedAt) })

	if n >= 0 && len(candidates) > n {
		candidates = candidates[:n]
	}

	return candidates, nil
}

// GetRefreshes returns the refresh ids owned by a materialization.
func (s *InMemoryMaterializationStore) GetRefreshes(
	_ context.Context, materializationID string,
) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	m, exists := s.materializations[materializationID]
	if !exists {
		return nil, ErrNotFound
	}

	refreshes := make([]string, len(m.Refreshes))
	copy(refreshes, m.Refreshes)

	return refreshes, nil
}

// GetRefreshesExclusivelyOwnedBy returns the subset of a materialization's
// refreshes that no other materialization also claims. An incremental
// refresh chain can leave older materializations pointing at files a newer
// one has since taken over; only the exclusively-owned subset is safe to
// physically delete during GC.
func (s *InMemoryMaterializationStore) GetRefreshesExclusivelyOwnedBy(
	_ context.Context, materializationID string,
) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	target, exists := s.materializations[materializationID]
	if !exists {
		return nil, ErrNotFound
	}

	claimCount := make(map[string]int)

	for _, m := range s.materializations {
		for _, refresh := range m.Refreshes {
			claimCount[refresh]++
		}
	}

	exclusive := make([]string, 0, len(target.Refreshes))

	for _, refresh := range target.Refreshes {
		if claimCount[refresh] == 1 {
			exclusive = append(exclusive, refresh)
		}
	}

	return exclusive, nil
}
