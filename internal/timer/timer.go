// Package timer provides named timers. A name identifies at most one armed
// timer: arming a name that is already armed replaces the earlier timer.
package timer

import (
	"context"
	"time"
)

// Func is the callback run when a named timer fires
type Func func(ctx context.Context)

// Service schedules named one-shot and repeating timers
type Service interface {
	// Handle registers the callback for name. It must be called before Start.
	Handle(name string, fn Func)
	// After arms a one-shot timer firing once after delay.
	After(name string, delay time.Duration) error
	// Every arms a repeating timer firing every period, first after one period.
	Every(name string, period time.Duration) error
	Clear(name string) error
	ClearAll() error
	Armed(name string) (bool, error)

	Start(ctx context.Context) error
	Stop() error
}

type handlers map[string]Func

func (h handlers) lookup(name string) (Func, bool) {
	fn, ok := h[name]
	return fn, ok
}
