// Package model defines the domain types reconciled by the reflection manager:
// user-declared goals, the core's internal entries, build attempts
// (materializations), and externally-managed reflections.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ReflectionType categorizes the kind of acceleration a reflection builds.
type ReflectionType string

const (
	// ReflectionTypeRaw preserves row-level detail, reorganized for scan efficiency.
	ReflectionTypeRaw ReflectionType = "RAW"

	// ReflectionTypeAggregation pre-computes grouped/aggregated results.
	ReflectionTypeAggregation ReflectionType = "AGGREGATION"
)

type (
	// ReflectionGoal is the user-declared intent: "I want this dataset
	// pre-aggregated this way." Owned by the user; mutated by the external
	// API. The core mutates only State, and only to GoalDeleted when the
	// goal's dataset vanishes.
	ReflectionGoal struct {
		ID         string
		DatasetID  string
		Version    int64
		Name       string
		Type       ReflectionType
		State      GoalState
		CreatedAt  time.Time
		ModifiedAt time.Time

		// DeletedAt is set when State transitions to GoalDeleted, so the
		// deleted-goal GC pass ages out from the deletion instant rather
		// than reusing ModifiedAt (which an edit-then-delete in the same
		// wakeup would otherwise have bumped).
		DeletedAt *time.Time

		// StoreVersion is the store's own optimistic-concurrency token,
		// distinct from Version (the user-facing goal revision). Get
		// populates it; Save compares-and-swaps it and returns
		// store.ErrConcurrentModification on mismatch.
		StoreVersion int64
	}

	// ReflectionEntry is the core's view of a reflection: the reconciliation
	// bookkeeping that drives the state machine. Created by the core on
	// first sight of an ENABLED goal with no entry; mutated only by the
	// core; deleted when the DEPRECATE pass finishes.
	ReflectionEntry struct {
		ID          string // equals the goal id
		GoalVersion int64  // the goal version this entry was last reconciled against
		DatasetID   string
		DatasetVersion int64
		Name        string
		Type        ReflectionType
		State       ReflectionState

		RefreshJobID          string // optional; empty when no job is in flight
		LastSubmittedRefresh  time.Time
		LastSuccessfulRefresh time.Time
		RefreshMethod         string
		RefreshField          string
		DatasetHash           string

		NumFailures int
		DontGiveUp  bool

		CreatedAt  time.Time
		ModifiedAt time.Time

		// StoreVersion is the store's optimistic-concurrency token (see
		// ReflectionGoal.StoreVersion).
		StoreVersion int64
	}

	// Materialization is one build attempt of a reflection. Exactly one
	// "last" materialization per reflection is addressable; the store
	// preserves history.
	Materialization struct {
		ID                    string
		ReflectionID          string
		ReflectionGoalVersion int64
		State                 MaterializationState
		Failure               string
		Expiry                time.Time

		// Refreshes is the set of refresh ids (file-level artifacts)
		// logically owned by this materialization.
		Refreshes []string

		CreatedAt  time.Time
		ModifiedAt time.Time

		// StoreVersion is the store's optimistic-concurrency token (see
		// ReflectionGoal.StoreVersion).
		StoreVersion int64
	}

	// ExternalReflection is an externally (user-)managed reflection,
	// observed only to detect dataset deletion; it never participates in
	// scheduling.
	ExternalReflection struct {
		ID             string
		QueryDatasetID string
	}
)

// NewReflectionGoal creates a new ENABLED goal with a fresh id and version 1.
func NewReflectionGoal(datasetID, name string, reflectionType ReflectionType) *ReflectionGoal {
	now := time.Now().UTC()

	return &ReflectionGoal{
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		Version:    1,
		Name:       name,
		Type:       reflectionType,
		State:      GoalEnabled,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// NewReflectionEntry creates a new entry in StateRefresh for the given goal,
// as performed by goal reconciliation (pass 3) on first sight of an ENABLED
// goal with no entry.
func NewReflectionEntry(goal *ReflectionGoal, datasetVersion int64) *ReflectionEntry {
	now := time.Now().UTC()

	return &ReflectionEntry{
		ID:             goal.ID,
		GoalVersion:    goal.Version,
		DatasetID:      goal.DatasetID,
		DatasetVersion: datasetVersion,
		Name:           goal.Name,
		Type:           goal.Type,
		State:          StateRefresh,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
}

// NewMaterialization creates a new RUNNING materialization for a reflection.
func NewMaterialization(reflectionID string, reflectionGoalVersion int64) *Materialization {
	now := time.Now().UTC()

	return &Materialization{
		ID:                    uuid.NewString(),
		ReflectionID:          reflectionID,
		ReflectionGoalVersion: reflectionGoalVersion,
		State:                 MaterializationRunning,
		CreatedAt:             now,
		ModifiedAt:            now,
	}
}

// OwnsRefreshes reports whether this materialization owns at least one refresh.
func (m *Materialization) OwnsRefreshes() bool {
	return len(m.Refreshes) > 0
}
