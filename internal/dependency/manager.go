// Package dependency implements the in-memory dependency graph the
// reconciler consults to decide refresh timing and cascading failure. Nodes
// are reflection ids and dataset ids, modeled as an out-of-band object keyed
// by ids rather than pointers embedded in entries, so entries remain flat
// records.
package dependency

import (
	"sync"
	"time"
)

// Manager is a thread-safe dependency graph. It is safe for concurrent use,
// though in this system only the reconciler's single-threaded loop mutates
// it; the lock exists so a future concurrent caller (e.g. an admin endpoint
// inspecting the graph) is safe by construction.
type Manager struct {
	mutex sync.RWMutex

	// deps maps a reflection id to the dataset ids it was last observed to
	// depend on (learned from a successful refresh's RefreshDecision).
	deps map[string]map[string]struct{}

	// reverse maps a dataset id to the reflection ids that depend on it,
	// kept in lockstep with deps so Delete can cascade to dependents.
	reverse map[string]map[string]struct{}

	// known records whether a reflection has ever had dependencies learned
	// for it, distinct from having zero current dependencies.
	known map[string]struct{}

	// lastSuccessfulRefresh is the last time a reflection completed a
	// successful refresh, used by the no-known-dependency floor-period
	// policy.
	lastSuccessfulRefresh map[string]time.Time

	// datasetModifiedAt is the last known modification time of a dataset
	// node, fed by upstream change notifications.
	datasetModifiedAt map[string]time.Time

	// criticalDatasets holds dataset ids whose freshness must never be
	// allowed to lapse into giving up — any reflection depending on one
	// directly retries forever (transitive dependents are not checked).
	criticalDatasets map[string]struct{}

	// dontGiveUp holds reflection ids explicitly marked to retry forever,
	// independent of their dataset dependencies.
	dontGiveUp map[string]struct{}
}

// NewManager creates an empty dependency graph.
func NewManager() *Manager {
	return &Manager{
		deps:                  make(map[string]map[string]struct{}),
		reverse:               make(map[string]map[string]struct{}),
		known:                 make(map[string]struct{}),
		lastSuccessfulRefresh: make(map[string]time.Time),
		datasetModifiedAt:     make(map[string]time.Time),
		criticalDatasets:      make(map[string]struct{}),
		dontGiveUp:            make(map[string]struct{}),
	}
}

// SetDependencies records the dataset ids a reflection was observed to
// depend on after a successful refresh, replacing any prior edge set.
func (m *Manager) SetDependencies(reflectionID string, datasetIDs []string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.removeForwardEdgesLocked(reflectionID)

	edges := make(map[string]struct{}, len(datasetIDs))

	for _, datasetID := range datasetIDs {
		edges[datasetID] = struct{}{}

		if m.reverse[datasetID] == nil {
			m.reverse[datasetID] = make(map[string]struct{})
		}

		m.reverse[datasetID][reflectionID] = struct{}{}
	}

	m.deps[reflectionID] = edges
	m.known[reflectionID] = struct{}{}
}

// MarkDontGiveUp flags a reflection to retry forever regardless of its
// failure count, independent of any dataset-level criticality.
func (m *Manager) MarkDontGiveUp(reflectionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dontGiveUp[reflectionID] = struct{}{}
}

// MarkDatasetCritical flags a dataset such that every reflection depending
// on it, directly, must retry forever.
func (m *Manager) MarkDatasetCritical(datasetID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.criticalDatasets[datasetID] = struct{}{}
}

// NotifyDatasetModified records that a dataset changed at time t, used by
// ShouldRefresh's dependent-mtime policy.
func (m *Manager) NotifyDatasetModified(datasetID string, t time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.datasetModifiedAt[datasetID] = t
}

// RecordSuccessfulRefresh stamps the time a reflection last completed a
// successful refresh.
func (m *Manager) RecordSuccessfulRefresh(reflectionID string, t time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.lastSuccessfulRefresh[reflectionID] = t
}

// ShouldRefresh reports whether a reflection is due: true if any dependent
// dataset changed since the last successful refresh, or — for reflections
// with no known upstream — if floorPeriod has elapsed since then. A
// reflection never successfully refreshed is always due.
func (m *Manager) ShouldRefresh(reflectionID string, floorPeriod time.Duration) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	last, hasRefreshed := m.lastSuccessfulRefresh[reflectionID]
	if !hasRefreshed {
		return true
	}

	edges, hasKnownDeps := m.deps[reflectionID]
	if hasKnownDeps && len(edges) > 0 {
		for datasetID := range edges {
			if modifiedAt, ok := m.datasetModifiedAt[datasetID]; ok && modifiedAt.After(last) {
				return true
			}
		}

		return false
	}

	return time.Since(last) >= floorPeriod
}

// DontGiveUp reports whether some dependent path mandates infinite retry:
// either the reflection was marked directly, or it depends (directly) on a
// dataset marked critical.
func (m *Manager) DontGiveUp(reflectionID string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if _, marked := m.dontGiveUp[reflectionID]; marked {
		return true
	}

	for datasetID := range m.deps[reflectionID] {
		if _, critical := m.criticalDatasets[datasetID]; critical {
			return true
		}
	}

	return false
}

// ReflectionHasKnownDependencies reports whether dependencies were ever
// learned for this reflection, as opposed to it currently having zero.
func (m *Manager) ReflectionHasKnownDependencies(reflectionID string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, known := m.known[reflectionID]

	return known
}

// Delete removes a reflection node and cascades recomputation for its
// dependents: any reflection that depended on a dataset sharing this id
// (a reflection's materialized output can itself be consumed as a dataset
// by another reflection) has that edge dropped, and its known-dependencies
// flag is cleared if no edges remain, so its next ShouldRefresh call falls
// back to the floor-period policy rather than reading stale dataset state.
func (m *Manager) Delete(reflectionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.removeForwardEdgesLocked(reflectionID)
	delete(m.known, reflectionID)
	delete(m.lastSuccessfulRefresh, reflectionID)
	delete(m.dontGiveUp, reflectionID)

	dependents := m.reverse[reflectionID]
	delete(m.reverse, reflectionID)
	delete(m.datasetModifiedAt, reflectionID)
	delete(m.criticalDatasets, reflectionID)

	for dependentID := range dependents {
		edges := m.deps[dependentID]
		delete(edges, reflectionID)

		if len(edges) == 0 {
			delete(m.deps, dependentID)
			delete(m.known, dependentID)
		}
	}
}

func (m *Manager) removeForwardEdgesLocked(reflectionID string) {
	for datasetID := range m.deps[reflectionID] {
		if reflectors, ok := m.reverse[datasetID]; ok {
			delete(reflectors, reflectionID)

			if len(reflectors) == 0 {
				delete(m.reverse, datasetID)
			}
		}
	}

	delete(m.deps, reflectionID)
}
