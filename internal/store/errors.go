// Package store defines the durable-store contracts the reconciler depends
// on — GoalStore, EntryStore, MaterializationStore, ExternalReflectionStore —
// plus thread-safe in-memory implementations used in tests and as a
// lightweight runtime mode.
package store

import "errors"

// Static sentinel errors for errors.Is() checks, following the teacher's
// ErrKeyAlreadyExists/ErrKeyNotFound convention.
var (
	// ErrNotFound is returned when an entity with the given id does not exist.
	ErrNotFound = errors.New("store: entity not found")

	// ErrConcurrentModification is returned when Save is called with a
	// stale StoreVersion — another writer saved the same entity first.
	ErrConcurrentModification = errors.New("store: concurrent modification")
)
