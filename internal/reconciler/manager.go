// Package reconciler implements the periodic control loop that reconciles
// declarative reflection goals against observed materialization state: it
// decides when to launch refresh jobs, reacts to their outcomes, ages out
// stale data, and propagates deletions.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reflection-io/reflection/internal/config"
	"github.com/reflection-io/reflection/internal/dependency"
	"github.com/reflection-io/reflection/internal/descriptorcache"
	"github.com/reflection-io/reflection/internal/jobservice"
	"github.com/reflection-io/reflection/internal/model"
	"github.com/reflection-io/reflection/internal/namespace"
	"github.com/reflection-io/reflection/internal/store"
)

// clockSkewOverlap is subtracted from lastWakeupTime before scanning for
// modified-since records, to paper over the write-visibility gap between a
// store commit and its readability, and across a distributed deployment,
// clock drift between the process that wrote a goal and this one. A wider
// margin only means a goal already reconciled gets harmlessly re-examined
// (reconcileGoal's no-op check makes that a no-op), so this errs generous
// rather than risking a goal silently missing a wakeup's scan.
const clockSkewOverlap = 2 * time.Second

// systemUser is the identity every reconciler-submitted job runs as.
const systemUser = "SYSTEM"

// Manager is the reconciliation engine: it composes the stores, the
// dependency graph, and the job/namespace/descriptor-cache collaborators
// into the run() loop described by the reconciliation passes.
type Manager struct {
	logger *slog.Logger

	goals                store.GoalStore
	entries              store.EntryStore
	materializations     store.MaterializationStore
	externalReflections  store.ExternalReflectionStore
	dependencies         *dependency.Manager
	jobs                 jobservice.Service
	namespaceService     namespace.Service
	descriptors          descriptorcache.Cache
	optionsProvider      *config.OptionsProvider

	pending *pendingSet

	// runMu enforces run()'s non-reentrancy: the scheduler is expected to
	// invoke run() serially already, but the lock makes that guarantee
	// structural rather than a documentation-only convention.
	runMu sync.Mutex

	lastWakeupTime time.Time

	// wakeUp, if set, is invoked whenever a submitted job terminates, so
	// the next reconciliation runs promptly instead of waiting for the
	// periodic tick. Wired post-construction to avoid a Manager/Scheduler
	// import cycle.
	wakeUp func()
}

// NewManager builds a Manager. Collaborators are required; NewManager
// panics if any is nil, mirroring the teacher's construction-time
// misconfiguration convention.
func NewManager(
	logger *slog.Logger,
	goals store.GoalStore,
	entries store.EntryStore,
	materializations store.MaterializationStore,
	externalReflections store.ExternalReflectionStore,
	dependencies *dependency.Manager,
	jobs jobservice.Service,
	namespaceService namespace.Service,
	descriptors descriptorcache.Cache,
	optionsProvider *config.OptionsProvider,
) *Manager {
	if logger == nil || goals == nil || entries == nil || materializations == nil ||
		externalReflections == nil || dependencies == nil || jobs == nil ||
		namespaceService == nil || descriptors == nil || optionsProvider == nil {
		panic("reconciler: NewManager requires all collaborators to be non-nil")
	}

	return &Manager{
		logger:              logger,
		goals:               goals,
		entries:             entries,
		materializations:    materializations,
		externalReflections: externalReflections,
		dependencies:        dependencies,
		jobs:                jobs,
		namespaceService:    namespaceService,
		descriptors:         descriptors,
		optionsProvider:     optionsProvider,
		pending:             newPendingSet(),
	}
}

// SetWakeUpCallback wires the function that requests an immediate
// reconciliation, typically Scheduler.WakeUp.
func (m *Manager) SetWakeUpCallback(fn func()) {
	m.wakeUp = fn
}

// ForceRefresh requests that reflectionID be rebuilt on the next wakeup,
// used when a caller already knows an entry needs rework (e.g. a plan
// expansion failed upstream). Returns store.ErrNotFound if no entry exists.
func (m *Manager) ForceRefresh(ctx context.Context, reflectionID string) error {
	if _, err := m.entries.Get(ctx, reflectionID); err != nil {
		return err
	}

	m.pending.Add(reflectionID)

	return nil
}

// Healthy reports whether the Manager is able to serve reconciliation.
// There is no external dependency to probe beyond the stores themselves,
// which every pass already exercises, so this is a liveness marker rather
// than a deep health check.
func (m *Manager) Healthy() bool {
	return true
}

// run executes one reconciliation wakeup: the seven passes, in order, each
// fault-contained per item.
func (m *Manager) run(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	wakeupStart := time.Now().UTC()
	since := m.lastWakeupTime.Add(-clockSkewOverlap)

	// Stamp lastWakeupTime before doing any work: if a pass panics partway
	// through, we must not repeatedly rescan the entire modification
	// history on every subsequent wakeup.
	m.lastWakeupTime = wakeupStart

	opts := m.optionsProvider.Load()

	m.passForcedUpdates(ctx)
	m.passDatasetDeletionSweep(ctx)
	m.passGoalReconciliation(ctx, since)
	m.passEntryReconciliation(ctx, opts, wakeupStart)
	m.passDeprecatedMaterializationGC(ctx, opts)
	m.passExpirySweep(ctx)
	m.passDeletedGoalGC(ctx, opts)
}

func (m *Manager) onJobTerminal(_ *jobservice.Job) {
	if m.wakeUp != nil {
		m.wakeUp()
	}
}

// ---- pass 1: process forced updates ----

func (m *Manager) passForcedUpdates(ctx context.Context) {
	for _, id := range m.pending.Snapshot() {
		m.processForcedUpdate(ctx, id)
	}
}

func (m *Manager) processForcedUpdate(ctx context.Context, id string) {
	// Removed unconditionally, even on fault, so a single bad entry can't
	// stall the queue.
	defer m.pending.Remove(id)

	runGuarded(m.logger, "forced_updates", id, func() error {
		entry, err := m.entries.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}

			return err
		}

		if entry.RefreshJobID != "" {
			if err := m.jobs.Cancel(systemUser, entry.RefreshJobID); err != nil {
				m.logger.Warn("best-effort job cancel failed",
					slog.String("entry_id", id), slog.String("job_id", entry.RefreshJobID),
					slog.String("error", err.Error()))
			}

			m.cancelRunningMaterialization(ctx, entry.ID)
		}

		entry.State = model.StateUpdate
		entry.ModifiedAt = time.Now().UTC()

		return m.saveEntryTolerant(ctx, entry)
	})
}

// ---- pass 2: dataset-deletion sweep ----

func (m *Manager) passDatasetDeletionSweep(ctx context.Context) {
	goals, err := m.goals.GetAllNotDeleted(ctx)
	if err != nil {
		m.logger.Error("dataset deletion sweep: list goals failed", slog.String("error", err.Error()))

		return
	}

	knownDatasetIDs := make(map[string]struct{}, len(goals))

	for _, goal := range goals {
		knownDatasetIDs[goal.DatasetID] = struct{}{}

		g := goal
		runGuarded(m.logger, "dataset_deletion_sweep", g.ID, func() error {
			return m.sweepGoal(ctx, g)
		})
	}

	externals, err := m.externalReflections.GetAll(ctx)
	if err != nil {
		m.logger.Error("dataset deletion sweep: list external reflections failed", slog.String("error", err.Error()))

		return
	}

	for _, ext := range externals {
		knownDatasetIDs[ext.QueryDatasetID] = struct{}{}

		e := ext
		runGuarded(m.logger, "dataset_deletion_sweep", e.ID, func() error {
			return m.sweepExternalReflection(ctx, e)
		})
	}

	entries, err := m.entries.Find(ctx)
	if err != nil {
		m.logger.Error("dataset deletion sweep: list entries failed", slog.String("error", err.Error()))

		return
	}

	for _, entry := range entries {
		e := entry
		runGuarded(m.logger, "dataset_deletion_sweep", e.ID, func() error {
			if _, ok := knownDatasetIDs[e.DatasetID]; !ok {
				return fmt.Errorf(
					"reconciler: invariant violation: entry %s references dataset %s with neither a goal nor an external reflection",
					e.ID, e.DatasetID,
				)
			}

			return nil
		})
	}
}

func (m *Manager) sweepGoal(ctx context.Context, goal *model.ReflectionGoal) error {
	dataset, err := m.namespaceService.FindDatasetByUUID(ctx, goal.DatasetID)
	if err != nil {
		return fmt.Errorf("reconciler: resolve dataset %s: %w", goal.DatasetID, err)
	}

	if dataset != nil {
		return nil
	}

	now := time.Now().UTC()
	goal.State = model.GoalDeleted
	goal.DeletedAt = &now
	goal.ModifiedAt = now

	if err := m.goals.Save(ctx, goal); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			// Tolerated: another writer touched the goal first; retried
			// next wakeup.
			return nil
		}

		return err
	}

	return nil
}

func (m *Manager) sweepExternalReflection(ctx context.Context, ext *model.ExternalReflection) error {
	dataset, err := m.namespaceService.FindDatasetByUUID(ctx, ext.QueryDatasetID)
	if err != nil {
		return fmt.Errorf("reconciler: resolve dataset %s: %w", ext.QueryDatasetID, err)
	}

	if dataset != nil {
		return nil
	}

	if err := m.externalReflections.Delete(ctx, ext.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return nil
}

// ---- pass 3: goal reconciliation ----

func (m *Manager) passGoalReconciliation(ctx context.Context, since time.Time) {
	goals, err := m.goals.GetModifiedOrCreatedSince(ctx, since)
	if err != nil {
		m.logger.Error("goal reconciliation: list goals failed", slog.String("error", err.Error()))

		return
	}

	for _, goal := range goals {
		g := goal
		runGuarded(m.logger, "goal_reconciliation", g.ID, func() error {
			return m.reconcileGoal(ctx, g)
		})
	}
}

func (m *Manager) reconcileGoal(ctx context.Context, goal *model.ReflectionGoal) error {
	entry, err := m.entries.Get(ctx, goal.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if goal.State != model.GoalEnabled {
			return nil
		}

		dataset, err := m.namespaceService.FindDatasetByUUID(ctx, goal.DatasetID)
		if err != nil {
			return fmt.Errorf("reconciler: resolve dataset %s: %w", goal.DatasetID, err)
		}

		if dataset == nil {
			return fmt.Errorf("reconciler: goal %s references a now-missing dataset %s", goal.ID, goal.DatasetID)
		}

		return m.saveEntryTolerant(ctx, model.NewReflectionEntry(goal, dataset.Version))
	}

	// No-op only when both the version and the enabled/disabled status are
	// unchanged: a core-driven transition to DISABLED/DELETED does not
	// bump goal.Version (only user edits do), but it must still route the
	// entry onto the goal-change path below. An entry already in DEPRECATE
	// reflects a non-enabled goal, so it is left to pass 4.
	if entry.GoalVersion == goal.Version &&
		(goal.State == model.GoalEnabled || entry.State == model.StateDeprecate) {
		return nil
	}

	if entry.RefreshJobID != "" {
		if err := m.jobs.Cancel(systemUser, entry.RefreshJobID); err != nil {
			m.logger.Warn("best-effort job cancel failed",
				slog.String("entry_id", entry.ID), slog.String("job_id", entry.RefreshJobID),
				slog.String("error", err.Error()))
		}

		m.cancelRunningMaterialization(ctx, entry.ID)
	}

	entry.Name = goal.Name
	entry.GoalVersion = goal.Version

	if goal.State == model.GoalEnabled {
		entry.State = model.StateUpdate
	} else {
		entry.State = model.StateDeprecate
	}

	entry.ModifiedAt = time.Now().UTC()

	return m.saveEntryTolerant(ctx, entry)
}

// cancelRunningMaterialization marks the entry's in-flight materialization
// (if any) CANCELED, so a goal edit or forced update that cancels the job
// never leaves an orphaned RUNNING row behind for startRefresh to collide
// with — at most one RUNNING materialization per entry (testable property
// 2) holds across the cancel.
func (m *Manager) cancelRunningMaterialization(ctx context.Context, reflectionID string) {
	running, err := m.materializations.GetRunning(ctx, reflectionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("best-effort running materialization lookup failed",
				slog.String("entry_id", reflectionID), slog.String("error", err.Error()))
		}

		return
	}

	running.State = model.MaterializationCanceled
	running.ModifiedAt = time.Now().UTC()

	if err := m.materializations.Save(ctx, running); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		m.logger.Warn("best-effort running materialization cancel failed",
			slog.String("entry_id", reflectionID), slog.String("materialization_id", running.ID),
			slog.String("error", err.Error()))
	}
}

// ---- pass 4: entry reconciliation ----

// passEntryReconciliation dispatches every entry on its state, except
// entries created or transitioned during this very wakeup (by pass 3, goal
// reconciliation): a freshly created entry is observed in REFRESH on this
// wakeup and only dispatched starting the next one, and an existing entry
// pass 3 just routed onto the goal-change path (UPDATE/DEPRECATE) rests in
// that state until the next wakeup too — matching the documented two-wakeup
// create-then-build and edit-then-rebuild timelines.
func (m *Manager) passEntryReconciliation(ctx context.Context, opts config.Options, wakeupStart time.Time) {
	entries, err := m.entries.Find(ctx)
	if err != nil {
		m.logger.Error("entry reconciliation: list entries failed", slog.String("error", err.Error()))

		return
	}

	for _, entry := range entries {
		e := entry
		if !e.CreatedAt.Before(wakeupStart) || !e.ModifiedAt.Before(wakeupStart) {
			continue
		}

		runGuarded(m.logger, "entry_reconciliation", e.ID, func() error {
			return m.dispatchEntry(ctx, e, opts)
		})
	}
}

func (m *Manager) dispatchEntry(ctx context.Context, entry *model.ReflectionEntry, opts config.Options) error {
	switch entry.State {
	case model.StateFailed:
		return nil

	case model.StateRefreshing, model.StateMetadataRefresh:
		return m.pollJob(ctx, entry, opts)

	case model.StateUpdate:
		if err := m.deprecateMaterializations(ctx, entry); err != nil {
			return err
		}

		return m.startRefresh(ctx, entry, opts)

	case model.StateActive:
		// Deliberately shares the same submit-refresh path as StateRefresh
		// rather than an independent branch: the fall-through is load-
		// bearing for refresh timing, not a simplification.
		if m.dependencies.ShouldRefresh(entry.ID, opts.NoDependencyRefreshPeriod()) {
			return m.startRefresh(ctx, entry, opts)
		}

		return nil

	case model.StateRefresh:
		return m.startRefresh(ctx, entry, opts)

	case model.StateDeprecate:
		if err := m.deprecateMaterializations(ctx, entry); err != nil {
			return err
		}

		if err := m.entries.Delete(ctx, entry.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		m.dependencies.Delete(entry.ID)

		return nil

	default:
		return fmt.Errorf("reconciler: entry %s has unknown state %q", entry.ID, entry.State)
	}
}

// ---- §4.7 starting a refresh ----

func (m *Manager) startRefresh(ctx context.Context, entry *model.ReflectionEntry, opts config.Options) error {
	now := time.Now().UTC()
	mat := model.NewMaterialization(entry.ID, entry.GoalVersion)

	if err := m.materializations.Save(ctx, mat); err != nil {
		return m.reportFailure(ctx, entry, model.StateActive, opts)
	}

	job, err := m.jobs.SubmitJob(jobservice.Request{
		QueryType:         jobservice.QueryAcceleratorCreate,
		SQL:               fmt.Sprintf("ACCELERATOR CREATE REFLECTION %s", entry.ID),
		User:              systemUser,
		ReflectionID:       entry.ID,
		MaterializationID: mat.ID,
	}, m.onJobTerminal)
	if err != nil {
		mat.State = model.MaterializationFailed
		mat.Failure = err.Error()
		mat.ModifiedAt = time.Now().UTC()

		if saveErr := m.materializations.Save(ctx, mat); saveErr != nil {
			m.logger.Warn("failed to persist materialization failure",
				slog.String("materialization_id", mat.ID), slog.String("error", saveErr.Error()))
		}

		return m.reportFailure(ctx, entry, model.StateActive, opts)
	}

	entry.State = model.StateRefreshing
	entry.RefreshJobID = job.ID
	entry.LastSubmittedRefresh = now
	entry.ModifiedAt = now

	return m.saveEntryTolerant(ctx, entry)
}

// ---- §4.6 job polling ----

func (m *Manager) pollJob(ctx context.Context, entry *model.ReflectionEntry, opts config.Options) error {
	job, err := m.jobs.GetJobFromStore(entry.RefreshJobID)
	if err != nil {
		if errors.Is(err, jobservice.ErrJobNotFound) {
			if ferr := m.failLastMaterialization(ctx, entry, "refresh job not found"); ferr != nil {
				return ferr
			}

			// Open question preserved as specified: routing a missing job
			// through reportFailure can eventually push the entry to
			// FAILED even though the fault is infrastructural.
			return m.reportFailure(ctx, entry, model.StateActive, opts)
		}

		return err
	}

	if !job.State.IsTerminal() {
		return nil
	}

	switch job.State {
	case jobservice.StateCompleted:
		if entry.State == model.StateRefreshing {
			return m.handleRefreshSuccess(ctx, entry, job, opts)
		}

		return m.handleMetadataRefreshSuccess(ctx, entry, job, opts)

	case jobservice.StateCanceled:
		m.learnDependenciesBestEffort(ctx, entry)

		if err := m.setLastMaterializationState(ctx, entry, model.MaterializationCanceled, ""); err != nil {
			return err
		}

		entry.State = model.StateActive
		entry.ModifiedAt = time.Now().UTC()

		return m.saveEntryTolerant(ctx, entry)

	case jobservice.StateFailed:
		m.learnDependenciesBestEffort(ctx, entry)

		failure := job.Failure
		if failure == "" {
			failure = "refresh job failed with no further detail"
		}

		if err := m.setLastMaterializationState(ctx, entry, model.MaterializationFailed, failure); err != nil {
			return err
		}

		return m.reportFailure(ctx, entry, model.StateActive, opts)

	default:
		return nil
	}
}

func (m *Manager) handleRefreshSuccess(
	ctx context.Context, entry *model.ReflectionEntry, job *jobservice.Job, opts config.Options,
) error {
	decision, err := m.computeRefreshDecision(ctx, entry)
	if err != nil {
		if ferr := m.failLastMaterialization(ctx, entry, err.Error()); ferr != nil {
			return ferr
		}

		return m.reportFailure(ctx, entry, model.StateActive, opts)
	}

	entry.RefreshMethod = decision.Method
	entry.RefreshField = decision.Field
	entry.DatasetHash = decision.DatasetHash
	m.dependencies.SetDependencies(entry.ID, decision.DependencyDatasetIDs)

	mat, err := m.materializations.GetRunning(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("reconciler: entry %s in REFRESHING without a running materialization: %w", entry.ID, err)
	}

	now := time.Now().UTC()
	entry.LastSuccessfulRefresh = now
	m.dependencies.RecordSuccessfulRefresh(entry.ID, now)

	if job.RowsOwned == 0 {
		mat.State = model.MaterializationDone
		mat.ModifiedAt = now

		if err := m.materializations.Save(ctx, mat); err != nil {
			return err
		}

		entry.State = model.StateActive
		entry.NumFailures = 0
		entry.ModifiedAt = now

		return m.saveEntryTolerant(ctx, entry)
	}

	mat.Refreshes = append(mat.Refreshes, uuid.NewString())
	mat.ModifiedAt = now

	if err := m.materializations.Save(ctx, mat); err != nil {
		return err
	}

	metadataJob, err := m.jobs.SubmitJob(jobservice.Request{
		QueryType:         jobservice.QueryMetadataLoad,
		SQL:               fmt.Sprintf("LOAD MATERIALIZATION METADATA '%s'", mat.ID),
		User:              systemUser,
		ReflectionID:       entry.ID,
		MaterializationID: mat.ID,
	}, m.onJobTerminal)
	if err != nil {
		if ferr := m.failLastMaterialization(ctx, entry, err.Error()); ferr != nil {
			return ferr
		}

		return m.reportFailure(ctx, entry, model.StateActive, opts)
	}

	entry.State = model.StateMetadataRefresh
	entry.RefreshJobID = metadataJob.ID
	entry.ModifiedAt = now

	return m.saveEntryTolerant(ctx, entry)
}

func (m *Manager) handleMetadataRefreshSuccess(
	ctx context.Context, entry *model.ReflectionEntry, _ *jobservice.Job, opts config.Options,
) error {
	mat, err := m.materializations.GetRunning(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("reconciler: entry %s in METADATA_REFRESH without a running materialization: %w", entry.ID, err)
	}

	now := time.Now().UTC()

	m.descriptors.Update(mat.ID, descriptorcache.Descriptor{RowCount: int64(len(mat.Refreshes))})

	mat.State = model.MaterializationDone
	mat.ModifiedAt = now

	if err := m.materializations.Save(ctx, mat); err != nil {
		if ferr := m.failLastMaterialization(ctx, entry, err.Error()); ferr != nil {
			return ferr
		}

		return m.reportFailure(ctx, entry, model.StateActive, opts)
	}

	entry.State = model.StateActive
	entry.NumFailures = 0
	entry.ModifiedAt = now

	return m.saveEntryTolerant(ctx, entry)
}

// reportFailure implements the shared failure policy: if the reflection is
// flagged (directly or via the dependency graph) to never give up, it just
// bumps the failure count and moves to newState. Otherwise, once the
// failure count reaches the configured max attempts, the entry is routed to
// FAILED and removed from the dependency graph so dependents recompute
// without it.
func (m *Manager) reportFailure(
	ctx context.Context, entry *model.ReflectionEntry, newState model.ReflectionState, opts config.Options,
) error {
	now := time.Now().UTC()
	entry.NumFailures++
	entry.ModifiedAt = now

	if entry.DontGiveUp || m.dependencies.DontGiveUp(entry.ID) {
		entry.State = newState

		return m.saveEntryTolerant(ctx, entry)
	}

	if entry.NumFailures >= opts.LayoutRefreshMaxAttempts() {
		entry.State = model.StateFailed
		m.dependencies.Delete(entry.ID)
	} else {
		entry.State = newState
	}

	return m.saveEntryTolerant(ctx, entry)
}

func (m *Manager) computeRefreshDecision(ctx context.Context, entry *model.ReflectionEntry) (*refreshDecision, error) {
	dataset, err := m.namespaceService.FindDatasetByUUID(ctx, entry.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("reconciler: resolve dataset %s: %w", entry.DatasetID, err)
	}

	if dataset == nil {
		return nil, fmt.Errorf("reconciler: dataset %s no longer exists", entry.DatasetID)
	}

	hash, err := computeDatasetHash(dataset.FullPathList, dataset.Version)
	if err != nil {
		return nil, fmt.Errorf("reconciler: hash dataset %s: %w", entry.DatasetID, err)
	}

	method := "FULL"
	if !entry.LastSuccessfulRefresh.IsZero() {
		method = "INCREMENTAL"
	}

	return &refreshDecision{
		Method:               method,
		Field:                entry.RefreshField,
		DatasetHash:          hash,
		DependencyDatasetIDs: []string{entry.DatasetID},
	}, nil
}

func (m *Manager) learnDependenciesBestEffort(ctx context.Context, entry *model.ReflectionEntry) {
	dataset, err := m.namespaceService.FindDatasetByUUID(ctx, entry.DatasetID)
	if err != nil || dataset == nil {
		m.logger.Warn("best-effort dependency learning failed",
			slog.String("entry_id", entry.ID))

		return
	}

	m.dependencies.SetDependencies(entry.ID, []string{entry.DatasetID})
}

// ---- §4.8 deprecation and deletion ----

func (m *Manager) deprecateMaterializations(ctx context.Context, entry *model.ReflectionEntry) error {
	done, err := m.materializations.GetAllDone(ctx, entry.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, mat := range done {
		mat.State = model.MaterializationDeprecated
		mat.ModifiedAt = now

		if err := m.materializations.Save(ctx, mat); err != nil {
			if errors.Is(err, store.ErrConcurrentModification) {
				continue
			}

			return err
		}

		m.descriptors.Invalidate(mat.ID)
	}

	return nil
}

func quoteIdentifier(path string) string {
	return `"` + path + `"`
}

func (m *Manager) deleteMaterialization(ctx context.Context, mat *model.Materialization) error {
	exclusive, err := m.materializations.GetRefreshesExclusivelyOwnedBy(ctx, mat.ID)
	if err != nil {
		return err
	}

	if len(exclusive) == 0 {
		return m.materializations.Delete(ctx, mat.ID)
	}

	mat.State = model.MaterializationDeleted
	mat.ModifiedAt = time.Now().UTC()

	if err := m.materializations.Save(ctx, mat); err != nil {
		return err
	}

	for _, refreshPath := range exclusive {
		_, err := m.jobs.SubmitJob(jobservice.Request{
			QueryType:         jobservice.QueryAcceleratorDrop,
			SQL:               fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(refreshPath)),
			User:              systemUser,
			ReflectionID:       mat.ReflectionID,
			MaterializationID: mat.ID,
		}, m.onJobTerminal)
		if err != nil {
			m.logger.Warn("failed to submit accelerator-drop job",
				slog.String("materialization_id", mat.ID), slog.String("error", err.Error()))
		}
	}

	return nil
}

func (m *Manager) failLastMaterialization(ctx context.Context, entry *model.ReflectionEntry, message string) error {
	mat, err := m.materializations.GetLast(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	mat.State = model.MaterializationFailed
	mat.Failure = message
	mat.ModifiedAt = time.Now().UTC()

	return m.materializations.Save(ctx, mat)
}

func (m *Manager) setLastMaterializationState(
	ctx context.Context, entry *model.ReflectionEntry, state model.MaterializationState, failure string,
) error {
	mat, err := m.materializations.GetLast(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	mat.State = state
	mat.Failure = failure
	mat.ModifiedAt = time.Now().UTC()

	return m.materializations.Save(ctx, mat)
}

// ---- pass 5: deprecated-materialization GC ----

func (m *Manager) passDeprecatedMaterializationGC(ctx context.Context, opts config.Options) {
	cutoff := time.Now().UTC().Add(-opts.DeletionGracePeriod())

	candidates, err := m.materializations.GetDeletableEntriesModifiedBefore(ctx, cutoff, opts.DeletionNumEntries())
	if err != nil {
		m.logger.Error("deprecated materialization gc: scan failed", slog.String("error", err.Error()))

		return
	}

	for _, mat := range candidates {
		materialization := mat
		runGuarded(m.logger, "deprecated_materialization_gc", materialization.ID, func() error {
			return m.deleteMaterialization(ctx, materialization)
		})
	}
}

// ---- pass 6: expiry sweep ----

func (m *Manager) passExpirySweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := m.materializations.GetAllExpiredWhen(ctx, now)
	if err != nil {
		m.logger.Error("expiry sweep: scan failed", slog.String("error", err.Error()))

		return
	}

	for _, mat := range expired {
		materialization := mat
		runGuarded(m.logger, "expiry_sweep", materialization.ID, func() error {
			materialization.State = model.MaterializationDeprecated
			materialization.ModifiedAt = now

			if err := m.materializations.Save(ctx, materialization); err != nil {
				if errors.Is(err, store.ErrConcurrentModification) {
					return nil
				}

				return err
			}

			m.descriptors.Invalidate(materialization.ID)

			return nil
		})
	}
}

// ---- pass 7: deleted-goal GC ----

func (m *Manager) passDeletedGoalGC(ctx context.Context, opts config.Options) {
	cutoff := time.Now().UTC().Add(-opts.DeletionGracePeriod())

	goals, err := m.goals.GetDeletedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("deleted goal gc: scan failed", slog.String("error", err.Error()))

		return
	}

	limit := opts.DeletionNumEntries()

	for i, goal := range goals {
		if i >= limit {
			break
		}

		g := goal
		runGuarded(m.logger, "deleted_goal_gc", g.ID, func() error {
			if err := m.goals.Delete(ctx, g.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}

			return nil
		})
	}
}

// ---- shared save helper ----

// saveEntryTolerant saves an entry, treating a concurrent-modification
// conflict as a deferred no-op: the item is skipped until the next wakeup
// rather than propagated as a failure.
func (m *Manager) saveEntryTolerant(ctx context.Context, entry *model.ReflectionEntry) error {
	if err := m.entries.Save(ctx, entry); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return nil
		}

		return err
	}

	return nil
}

// refreshDecision is the outcome of interpreting a completed refresh job:
// how the reflection refreshes, what dataset hash it observed, and which
// dataset ids it depends on.
type refreshDecision struct {
	Method               string
	Field                string
	DatasetHash          string
	DependencyDatasetIDs []string
}
