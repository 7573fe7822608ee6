package reconciler

import "sync"

// pendingSet is a small thread-safe set of reflection ids requesting
// immediate reconciliation, populated externally (e.g. a forced-update API
// call) and drained by pass 1 via visit-then-remove. A generic concurrent-map
// library is overkill for a handful of ids touched a few times a second; a
// hand-rolled mutex-guarded map matches how this codebase writes its other
// small thread-safe collections.
type pendingSet struct {
	mutex sync.Mutex
	ids   map[string]struct{}
}

// newPendingSet creates an empty pending set.
func newPendingSet() *pendingSet {
	return &pendingSet{ids: make(map[string]struct{})}
}

// Add requests immediate reconciliation of id.
func (s *pendingSet) Add(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ids[id] = struct{}{}
}

// Snapshot returns the ids currently pending, without removing them.
func (s *pendingSet) Snapshot() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}

	return ids
}

// Remove drops id from the set unconditionally, called even when
// processing that id faulted, so one bad entry can't stall the queue.
func (s *pendingSet) Remove(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.ids, id)
}
