package store

import (
	"context"
	"sync"
	"time"

	"github.com/reflection-io/reflection/internal/model"
)

// InMemoryGoalStore provides thread-safe in-memory storage for reflection goals.
type InMemoryGoalStore struct {
	goals map[string]*model.ReflectionGoal
	mutex sync.RWMutex
}

// NewInMemoryGoalStore creates a new thread-safe in-memory goal store.
func NewInMemoryGoalStore() *InMemoryGoalStore {
	return &InMemoryGoalStore{
		goals: make(map[string]*model.ReflectionGoal),
	}
}

// Get returns the goal with the given id, or ErrNotFound.
func (s *InMemoryGoalStore) Get(_ context.Context, id string) (*model.ReflectionGoal, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	goal, exists := s.goals[id]
	if !exists {
		return nil, ErrNotFound
	}

	goalCopy := *goal

	return &goalCopy, nil
}

// Save inserts or updates a goal, compare-and-swapping StoreVersion.
func (s *InMemoryGoalStore) Save(_ context.Context, goal *model.ReflectionGoal) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.goals[goal.ID]
	if exists && existing.StoreVersion != goal.StoreVersion {
		return ErrConcurrentModification
	}

	goalCopy := *goal
	goalCopy.StoreVersion++
	s.goals[goal.ID] = &goalCopy

	// Reflect the bumped version back to the caller, matching the pattern
	// a Postgres RETURNING clause would give: the saved entity carries the
	// version the next Save must present.
	goal.StoreVersion = goalCopy.StoreVersion

	return nil
}

// Delete physically removes a goal row.
func (s *InMemoryGoalStore) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.goals[id]; !exists {
		return ErrNotFound
	}

	delete(s.goals, id)

	return nil
}

// GetAllNotDeleted returns every goal whose State is not GoalDeleted.
func (s *InMemoryGoalStore) GetAllNotDeleted(_ context.Context) ([]*model.ReflectionGoal, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.ReflectionGoal, 0, len(s.goals))

	for _, goal := range s.goals {
		if goal.State == model.GoalDeleted {
			continue
		}

		goalCopy := *goal
		result = append(result, &goalCopy)
	}

	return result, nil
}

// GetModifiedOrCreatedSince returns goals created or modified at or after t.
func (s *InMemoryGoalStore) GetModifiedOrCreatedSince(
	_ context.Context, t time.Time,
) ([]*model.ReflectionGoal, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.ReflectionGoal, 0)

	for _, goal := range s.goals {
		if goal.ModifiedAt.Before(t) && goal.CreatedAt.Before(t) {
			continue
		}

		goalCopy := *goal
		result = append(result, &goalCopy)
	}

	return result, nil
}

// GetDeletedBefore returns goals whose DeletedAt is set and before t.
func (s *InMemoryGoalStore) GetDeletedBefore(_ context.Context, t time.Time) ([]*model.ReflectionGoal, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*model.ReflectionGoal, 0)

	for _, goal := range s.goals {
		if goal.DeletedAt == nil || !goal.DeletedAt.Before(t) {
			continue
		}

		goalCopy := *goal
		result = append(result, &goalCopy)
	}

	return result, nil
}
