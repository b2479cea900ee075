package lifecycle

import (
	"context"
	"time"
)

// TaskFunc is the signature for a task function running within a Scope.
// It receives a context cancelled when the scope ends.
type TaskFunc func(ctx context.Context) error

type config struct {
	panicAsErr bool
	onDone     func(TaskInfo, error, time.Duration)
}

// Option configures a Scope.
type Option func(*config)

func defaultConfig() config {
	return config{}
}

// WithPanicAsError converts panics in tasks to *PanicError values returned
// as regular errors, instead of re-raising them in Scope.Wait.
func WithPanicAsError() Option {
	return func(c *config) {
		c.panicAsErr = true
	}
}

// WithOnDone registers a hook invoked when each task finishes, receiving
// the task's error (nil on success) and wall-clock duration. Group uses
// this to log clock/sampler loop exits.
func WithOnDone(fn func(TaskInfo, error, time.Duration)) Option {
	return func(c *config) {
		c.onDone = fn
	}
}
