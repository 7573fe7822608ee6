package store

import (
	"context"
	"time"

	"github.com/reflection-io/reflection/internal/model"
)

type (
	// GoalStore persists user-declared reflection goals.
	GoalStore interface {
		// Get returns the goal with the given id, or ErrNotFound.
		Get(ctx context.Context, id string) (*model.ReflectionGoal, error)

		// Save inserts or updates a goal. Fails with ErrConcurrentModification
		// if goal.StoreVersion does not match the currently stored version.
		Save(ctx context.Context, goal *model.ReflectionGoal) error

		// Delete physically removes a goal row.
		Delete(ctx context.Context, id string) error

		// GetAllNotDeleted returns every goal whose State is not GoalDeleted.
		GetAllNotDeleted(ctx context.Context) ([]*model.ReflectionGoal, error)

		// GetModifiedOrCreatedSince returns goals created or modified at or
		// after t. Callers should pass t minus a small clock-skew overlap.
		GetModifiedOrCreatedSince(ctx context.Context, t time.Time) ([]*model.ReflectionGoal, error)

		// GetDeletedBefore returns goals whose DeletedAt is set and before t.
		GetDeletedBefore(ctx context.Context, t time.Time) ([]*model.ReflectionGoal, error)
	}

	// EntryStore persists the core's per-reflection reconciliation state.
	EntryStore interface {
		// Get returns the entry with the given id, or ErrNotFound.
		Get(ctx context.Context, id string) (*model.ReflectionEntry, error)

		// Save inserts or updates an entry. Fails with ErrConcurrentModification
		// if entry.StoreVersion does not match the currently stored version.
		Save(ctx context.Context, entry *model.ReflectionEntry) error

		// Delete physically removes an entry row.
		Delete(ctx context.Context, id string) error

		// Find returns every entry.
		Find(ctx context.Context) ([]*model.ReflectionEntry, error)
	}

	// MaterializationStore persists one row per build attempt.
	MaterializationStore interface {
		// Get returns the materialization with the given id, or ErrNotFound.
		Get(ctx context.Context, id string) (*model.Materialization, error)

		// Save inserts or updates a materialization. Fails with
		// ErrConcurrentModification if m.StoreVersion does not match the
		// currently stored version.
		Save(ctx context.Context, m *model.Materialization) error

		// Delete physically removes a materialization row.
		Delete(ctx context.Context, id string) error

		// GetLast returns the most recently created materialization for a
		// reflection, or ErrNotFound if none exist.
		GetLast(ctx context.Context, reflectionID string) (*model.Materialization, error)

		// GetRunning returns the RUNNING materialization for a reflection,
		// or ErrNotFound if none is running.
		GetRunning(ctx context.Context, reflectionID string) (*model.Materialization, error)

		// GetAllDone returns every DONE materialization for a reflection.
		GetAllDone(ctx context.Context, reflectionID string) ([]*model.Materialization, error)

		// GetAllExpiredWhen returns every materialization whose Expiry is at
		// or before t.
		GetAllExpiredWhen(ctx context.Context, t time.Time) ([]*model.Materialization, error)

		// GetDeletableEntriesModifiedBefore returns up to n materializations
		// eligible for GC (DEPRECATED or DELETED) modified before t.
		GetDeletableEntriesModifiedBefore(ctx context.Context, t time.Time, n int) ([]*model.Materialization, error)

		// GetRefreshes returns the refresh ids owned by a materialization.
		GetRefreshes(ctx context.Context, materializationID string) ([]string, error)

		// GetRefreshesExclusivelyOwnedBy returns the subset of a
		// materialization's refreshes that no other materialization claims.
		GetRefreshesExclusivelyOwnedBy(ctx context.Context, materializationID string) ([]string, error)
	}

	// ExternalReflectionStore persists externally (user-)managed reflections.
	// Observed only: the core never schedules refreshes for these rows.
	ExternalReflectionStore interface {
		// GetAll returns every external reflection.
		GetAll(ctx context.Context) ([]*model.ExternalReflection, error)

		// Delete physically removes an external reflection row.
		Delete(ctx context.Context, id string) error
	}
)
