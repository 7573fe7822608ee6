package reconciler

import (
	"context"
	"log/slog"
	"time"
)

// wakeupWarningThreshold is how long a single run() is allowed to take
// before the scheduler logs a warning.
const wakeupWarningThreshold = 5 * time.Second

// Scheduler drives Manager.run on either a periodic tick or an external
// wake-up request (a goal edit, a job completion). run() is not reentrant:
// the scheduler guarantees serial execution by invoking it from a single
// goroutine.
type Scheduler struct {
	logger  *slog.Logger
	manager *Manager

	interval time.Duration
	wakeup   chan struct{}
}

// NewScheduler creates a scheduler that ticks manager.run every interval,
// in addition to reacting to WakeUp calls.
func NewScheduler(logger *slog.Logger, manager *Manager, interval time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger,
		manager:  manager,
		interval: interval,
		// Buffered so a burst of wake-up requests while a run is in
		// flight collapses to a single pending re-run rather than
		// blocking the callers.
		wakeup: make(chan struct{}, 1),
	}
}

// WakeUp requests the scheduler invoke run() as soon as possible, without
// waiting for the next tick. Safe to call from any goroutine; never blocks.
func (s *Scheduler) WakeUp() {
	select {
	case s.wakeup <- struct{}{}:
	default:
		// A wake-up is already pending; this one is redundant.
	}
}

// Run blocks, driving the Manager until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciler scheduler stopping")

			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wakeup:
			s.tick(ctx)
		}
	}
}

// ForceRefresh requests immediate reconciliation of a specific reflection
// and wakes the scheduler so it happens without waiting for the next tick.
// Satisfies httpapi.Reconciler.
func (s *Scheduler) ForceRefresh(ctx context.Context, reflectionID string) error {
	if err := s.manager.ForceRefresh(ctx, reflectionID); err != nil {
		return err
	}

	s.WakeUp()

	return nil
}

// Healthy reports whether the underlying Manager can serve reconciliation.
// Satisfies httpapi.Reconciler.
func (s *Scheduler) Healthy() bool {
	return s.manager.Healthy()
}

func (s *Scheduler) tick(ctx context.Context) {
	warning := time.AfterFunc(wakeupWarningThreshold, func() {
		s.logger.Warn("reconciliation wakeup exceeded threshold",
			slog.Duration("threshold", wakeupWarningThreshold))
	})
	defer warning.Stop()

	start := time.Now()

	s.manager.run(ctx)

	s.logger.Debug("reconciliation wakeup completed", slog.Duration("elapsed", time.Since(start)))
}
