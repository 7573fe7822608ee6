package reconciler

import (
	"log/slog"
	"runtime/debug"
)

// runGuarded executes fn, recovering any panic — including a runtime.Error
// some underlying library might raise on corrupt input — so that a single
// item's fault cannot abort the rest of the pass. Errors are logged and
// swallowed here; no error ever propagates out of a pass.
func runGuarded(logger *slog.Logger, pass, itemID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("reconciliation item panicked",
				slog.String("pass", pass),
				slog.String("item", itemID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := fn(); err != nil {
		logger.Error("reconciliation item failed",
			slog.String("pass", pass),
			slog.String("item", itemID),
			slog.String("error", err.Error()),
		)
	}
}
