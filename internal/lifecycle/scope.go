// Package lifecycle is the structured-concurrency kernel a Group builds on:
// a Scope owns the clock loop and the sampler loop as named, panic-safe
// background tasks, and a single-worker Pool serializes every tick
// computation (including the tick counters) onto one logical goroutine. The
// group's in-flight set and throttle registry are not mutated through the
// Pool; the Group guards them with its own mutex.
package lifecycle

import (
	"context"
	"sync"
)

// Scope manages a group of background tasks with coordinated lifecycle:
// cancel the scope and every task observes ctx.Done(); Wait joins them all
// and aggregates the first error or panic.
//
// Create one via New; finalize with Wait.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config

	wg sync.WaitGroup

	errOnce sync.Once
	firstErr error

	panicMu sync.Mutex
	panics  []*PanicError

	finOnce sync.Once
	finErr  error
	finPanic *PanicError
}

// New creates a Scope bound to parent. The caller must call Wait to
// finalize the scope, join its tasks, and collect errors.
func New(parent context.Context, opts ...Option) *Scope {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(parent)
	return &Scope{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
	}
}

// Context returns the scope's context, cancelled when the scope is
// cancelled or finalized.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Cancel cancels the scope's context, signaling every task to stop.
func (s *Scope) Cancel() {
	s.cancel()
}

func (s *Scope) recordError(_ TaskInfo, err error) {
	s.errOnce.Do(func() {
		s.firstErr = err
		s.cancel()
	})
}

// Wait waits for every spawned task to finish, then cancels the scope's
// context, and returns the first error observed. Wait does not cancel the
// scope before joining: tasks that only stop on cancellation need a task
// error or a prior Cancel call. If a task panicked and WithPanicAsError was
// not set, Wait re-panics with the captured *PanicError. Wait is idempotent.
func (s *Scope) Wait() error {
	s.finOnce.Do(func() {
		s.wg.Wait()
		s.cancel()

		s.panicMu.Lock()
		if !s.cfg.panicAsErr && len(s.panics) > 0 {
			s.finPanic = s.panics[0]
		}
		s.panicMu.Unlock()

		s.finErr = s.firstErr
		if s.finErr == nil && s.cfg.panicAsErr && len(s.panics) > 0 {
			s.finErr = s.panics[0]
		}
	})

	if s.finPanic != nil {
		panic(s.finPanic)
	}
	return s.finErr
}
