package model

// ReflectionState represents the core's internal state for a ReflectionEntry.
//
// Spec: see the entry state machine in the reconciler design.
type ReflectionState string

const (
	// StateRefresh means the reflection needs a build now.
	StateRefresh ReflectionState = "REFRESH"

	// StateRefreshing means a build job is in flight.
	StateRefreshing ReflectionState = "REFRESHING"

	// StateMetadataRefresh means a post-build metadata-load job is in flight.
	StateMetadataRefresh ReflectionState = "METADATA_REFRESH"

	// StateActive means the reflection is built and usable.
	StateActive ReflectionState = "ACTIVE"

	// StateUpdate means the entry must be rebuilt due to a goal change or a forced update.
	StateUpdate ReflectionState = "UPDATE"

	// StateDeprecate means the entry and its materializations must be torn down.
	StateDeprecate ReflectionState = "DEPRECATE"

	// StateFailed means the retry budget is exhausted; only an explicit new goal version can move it.
	StateFailed ReflectionState = "FAILED"
)

// ValidReflectionStates returns all valid entry states.
func ValidReflectionStates() []ReflectionState {
	return []ReflectionState{
		StateRefresh,
		StateRefreshing,
		StateMetadataRefresh,
		StateActive,
		StateUpdate,
		StateDeprecate,
		StateFailed,
	}
}

// IsValid reports whether the state is one of the known ReflectionState values.
func (s ReflectionState) IsValid() bool {
	for _, valid := range ValidReflectionStates() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsProcessing reports whether a refresh or metadata-load job is in flight for this state.
func (s ReflectionState) IsProcessing() bool {
	return s == StateRefreshing || s == StateMetadataRefresh
}

// IsTerminal reports whether the state only changes via explicit user action (new goal version).
func (s ReflectionState) IsTerminal() bool {
	return s == StateFailed
}

// MaterializationState represents the lifecycle state of one build attempt.
type MaterializationState string

const (
	// MaterializationRunning means the build job is currently executing.
	MaterializationRunning MaterializationState = "RUNNING"

	// MaterializationDone means the build succeeded and the materialization is usable.
	MaterializationDone MaterializationState = "DONE"

	// MaterializationDeprecated means the materialization has been superseded and is pending GC.
	MaterializationDeprecated MaterializationState = "DEPRECATED"

	// MaterializationDeleted means the materialization row is marked for removal
	// and must not be re-picked as the last materialization.
	MaterializationDeleted MaterializationState = "DELETED"

	// MaterializationFailed means the build job failed or its result could not be trusted.
	MaterializationFailed MaterializationState = "FAILED"

	// MaterializationCanceled means the build job was canceled before completion.
	MaterializationCanceled MaterializationState = "CANCELED"
)

// ValidMaterializationStates returns all valid materialization states.
func ValidMaterializationStates() []MaterializationState {
	return []MaterializationState{
		MaterializationRunning,
		MaterializationDone,
		MaterializationDeprecated,
		MaterializationDeleted,
		MaterializationFailed,
		MaterializationCanceled,
	}
}

// IsValid reports whether the state is one of the known MaterializationState values.
func (s MaterializationState) IsValid() bool {
	for _, valid := range ValidMaterializationStates() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the materialization has finished changing on its own
// (everything except RUNNING).
func (s MaterializationState) IsTerminal() bool {
	return s != MaterializationRunning
}

// GoalState represents the user-facing lifecycle of a ReflectionGoal.
type GoalState string

const (
	// GoalEnabled means the user wants this reflection built and kept up to date.
	GoalEnabled GoalState = "ENABLED"

	// GoalDisabled means the user has paused this reflection; the core leaves its entry alone.
	GoalDisabled GoalState = "DISABLED"

	// GoalDeleted means the goal (and its entry, if any) should be torn down.
	GoalDeleted GoalState = "DELETED"
)

// ValidGoalStates returns all valid goal states.
func ValidGoalStates() []GoalState {
	return []GoalState{GoalEnabled, GoalDisabled, GoalDeleted}
}

// IsValid reports whether the state is one of the known GoalState values.
func (s GoalState) IsValid() bool {
	for _, valid := range ValidGoalStates() {
		if s == valid {
			return true
		}
	}

	return false
}
