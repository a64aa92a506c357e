// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import "log/slog"

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged with the task name rather than crashing the process. Use it for all
// fire-and-forget goroutines (sweeper, metrics collectors, config watchers).
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly by defer.
func Recover(name string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
	}
}
