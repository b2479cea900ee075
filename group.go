package bwthrottle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reactivex/rxgo/v2"
	"github.com/sirupsen/logrus"

	"github.com/quaylabs/bwthrottle/internal/lifecycle"
	"github.com/quaylabs/bwthrottle/internal/partition"
)

// oversample is how many times faster than the nominal tick rate the
// underlying host timer is sampled. tick() measures real elapsed time
// against the configured tick duration and is a no-op unless enough time
// has actually passed, so oversampling tightens the phase against host
// timer jitter without changing how much budget is released overall.
const oversample = 5

// Group coordinates a shared bandwidth budget across every Throttle it
// creates. There is exactly one tick clock and one throughput sampler per
// Group; Throttles created by different Groups are never coordinated with
// each other.
type Group struct {
	cfg atomic.Pointer[Config]

	mu        sync.Mutex
	throttles map[uuid.UUID]*Throttle
	inFlight  []uuid.UUID

	tickIndex   int
	secondIndex int
	lastTickMs  int64 // -1 means no tick has run yet

	totalBytesProcessed atomic.Int64

	clockMu     sync.Mutex
	clockCancel context.CancelFunc

	platform platform
	pool     *lifecycle.Pool
	scope    *lifecycle.Scope
	log      *logrus.Entry

	sampler *sampler

	destroyed atomic.Bool
}

// NewGroup creates a Group governed by cfg. The returned Group must
// eventually be passed to Destroy. The tick clock starts lazily, the
// moment the first Throttle begins producing, and stops again once no
// throttle is in flight.
func NewGroup(ctx context.Context, cfg Config) (*Group, error) {
	return newGroup(ctx, cfg, realPlatform())
}

func newGroup(ctx context.Context, cfg Config, pf platform) (*Group, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	g := &Group{
		throttles:  make(map[uuid.UUID]*Throttle),
		lastTickMs: -1,
		platform:   pf,
		log:        logrus.WithField("component", "bwthrottle.Group"),
	}
	g.cfg.Store(&cfg)

	g.pool = lifecycle.NewPool(ctx, 1)
	g.scope = lifecycle.New(ctx, lifecycle.WithOnDone(func(info lifecycle.TaskInfo, err error, d time.Duration) {
		if err != nil && !errors.Is(err, context.Canceled) {
			g.log.WithError(err).WithField("task", info.Name).Warn("group task exited")
		}
	}))

	g.sampler = newSampler(cfg, g.totalBytesProcessed.Load, pf.clock)
	if cfg.ThroughputSampleInterval > 0 {
		g.scope.Spawn("sampler", g.sampler.run)
	}

	return g, nil
}

func (g *Group) currentConfig() Config {
	return *g.cfg.Load()
}

// Configure merges update into the live Config. The merged result is
// validated as a whole; an invalid merge leaves the previous Config
// untouched. Changes are visible to the very next tick and to the next
// Write/Read on any Throttle (buffer-size limits are read live).
func (g *Group) Configure(update ConfigUpdate) error {
	if g.destroyed.Load() {
		return newError("Configure", ErrCodeUseAfterDestroy, nil)
	}
	merged := update.apply(g.currentConfig())
	if err := merged.validate(); err != nil {
		return err
	}
	g.cfg.Store(&merged)
	g.sampler.reconfigure(merged)
	return nil
}

// CreateThrottle creates a new Throttle governed by this group's current
// budget. contentLength, when known and positive, sizes the throttle's
// initial buffer ahead of time; pass 0 when the length is unknown.
// wantsBackpressure selects Write's blocking behavior: true blocks the
// writer until the bytes it wrote have actually been emitted downstream by
// the group's tick; false returns as soon as they are buffered.
func (g *Group) CreateThrottle(contentLength int, wantsBackpressure bool) (*Throttle, error) {
	if g.destroyed.Load() {
		return nil, newError("CreateThrottle", ErrCodeUseAfterDestroy, nil)
	}

	t := newThrottle(g, contentLength, wantsBackpressure)

	g.mu.Lock()
	g.throttles[t.ID] = t
	g.mu.Unlock()

	g.log.WithField("throttle", t.ID).Debug("throttle created")
	return t, nil
}

// onStart is called by a Throttle on its first Write. It joins the group's
// in-flight rotation and, if it is the first in-flight throttle, starts
// the tick clock.
func (g *Group) onStart(t *Throttle) {
	g.mu.Lock()
	g.inFlight = append(g.inFlight, t.ID)
	shouldStart := len(g.inFlight) == 1
	g.mu.Unlock()

	if shouldStart {
		g.startClock()
	}
}

// onStop is called by a Throttle once it has stopped (finished cleanly or
// aborted). It leaves the in-flight rotation and, if no throttle remains
// in flight, stops the tick clock.
func (g *Group) onStop(t *Throttle) {
	g.mu.Lock()
	for i, id := range g.inFlight {
		if id == t.ID {
			g.inFlight = append(g.inFlight[:i], g.inFlight[i+1:]...)
			break
		}
	}
	shouldStop := len(g.inFlight) == 0
	g.mu.Unlock()

	if shouldStop {
		g.stopClock()
	}
}

// onDestroy is called once a Throttle is permanently done and removes it
// from the group's registry entirely.
func (g *Group) onDestroy(t *Throttle) {
	g.mu.Lock()
	delete(g.throttles, t.ID)
	g.mu.Unlock()
}

func (g *Group) startClock() {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	if g.clockCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(g.scope.Context())
	g.clockCancel = cancel
	interval := g.currentConfig().TickDuration() / oversample
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := g.platform.newTicker(interval)
	g.scope.Spawn("clock", func(context.Context) error {
		return g.runClockLoop(ctx, ticker)
	})
}

func (g *Group) stopClock() {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	if g.clockCancel != nil {
		g.clockCancel()
		g.clockCancel = nil
	}
}

// Destroy destroys every Throttle the group owns, stops the tick clock,
// and stops the throughput sampler. Safe to call more than once.
func (g *Group) Destroy() error {
	if !g.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	g.mu.Lock()
	live := make([]*Throttle, 0, len(g.throttles))
	for _, t := range g.throttles {
		live = append(live, t)
	}
	g.mu.Unlock()

	for _, t := range live {
		_ = t.destroy()
	}

	g.scope.Cancel()
	err := g.scope.Wait()
	_ = g.pool.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OnThroughputMetrics registers a callback invoked with every throughput
// sample. See ThroughputMetrics for the rxgo.Observable equivalent.
func (g *Group) OnThroughputMetrics(fn func(ThroughputMetrics)) {
	g.sampler.onSample(fn)
}

// ThroughputMetrics returns an Observable that emits a ThroughputMetrics
// value on every sample interval, for callers that want to compose it with
// rxgo operators instead of registering a plain callback.
func (g *Group) ThroughputMetrics() rxgo.Observable {
	return g.sampler.observable()
}

// runClockLoop drives tick scheduling from ticker, which startClock creates
// at oversample times the nominal tick rate, for as long as ctx is live (the
// group keeps it live only while at least one throttle is in flight).
func (g *Group) runClockLoop(ctx context.Context, ticker Ticker) error {
	defer ticker.Stop()

	// ctx is a child of the scope's context, cancelled every time the
	// group's in-flight set drains to zero rather than only when the
	// whole group is destroyed, so this loop returns nil on the ordinary
	// stop path; only the parent scope's own cancellation is a real
	// task error worth the Scope recording.
	for {
		select {
		case <-ctx.Done():
			return g.stoppedErr()
		case nowMs, ok := <-ticker.C():
			if !ok {
				return nil
			}
			done := make(chan struct{})
			if err := g.pool.Submit(func() error {
				defer close(done)
				g.tick(nowMs)
				return nil
			}); err != nil {
				return nil
			}
			select {
			case <-done:
			case <-ctx.Done():
				return g.stoppedErr()
			}
		}
	}
}

// stoppedErr distinguishes the clock loop's own deliberate stop (onStop
// cancelling its private child context while the group itself lives on)
// from the group's own scope being cancelled, which is the only case the
// enclosing Scope should actually record as this task's error.
func (g *Group) stoppedErr() error {
	if g.scope.Context().Err() != nil {
		return g.scope.Context().Err()
	}
	return nil
}

// tick implements the group's per-tick distribution algorithm:
//
//  1. Compute elapsed time since the last executed tick; bail out if not
//     enough time has passed yet (when throttled).
//  2. delayMultiplier catches up on a late-firing host timer.
//  3. Snapshot the in-flight rotation and compute this tick's rotation
//     offset from secondIndex.
//  4. For each in-flight throttle: detect a detached consumer and
//     gracefully abort it; otherwise compute its perSecond share via
//     partition.PartitionedIntegerPart(BytesPerSecond, n, rotatedIndex),
//     then its perTick share of that via a second partition call, and
//     hand it to the throttle scaled by delayMultiplier.
//  5. If that loop emptied the in-flight set, return without touching the
//     counters.
//  6. Advance tickIndex, rolling into secondIndex every TicksPerSecond
//     ticks.
func (g *Group) tick(nowMs int64) {
	cfg := g.currentConfig()
	tickMs := cfg.TickDuration().Milliseconds()
	if tickMs <= 0 {
		return
	}

	elapsed := nowMs - g.lastTickMs
	if g.lastTickMs == -1 {
		elapsed = 0
	}
	if cfg.IsThrottled && g.lastTickMs != -1 && elapsed < tickMs {
		return
	}

	delayMultiplier := int64(1)
	if elapsed > tickMs {
		delayMultiplier = elapsed / tickMs
	}

	snapshot, n := g.snapshotInFlight()
	if n > 0 {
		rot := g.secondIndex % n
		var released int64
		for i, t := range snapshot {
			if t.isDetached(nowMs) {
				_ = t.GracefulAbort()
				continue
			}

			j := (i + rot) % n
			perSecond := partition.PartitionedIntegerPart(int(cfg.BytesPerSecond), n, j)
			perTick := partition.PartitionedIntegerPart(perSecond, cfg.TicksPerSecond, g.tickIndex)
			quota := perTick * int(delayMultiplier)
			released += int64(t.process(quota))
		}
		g.totalBytesProcessed.Add(released)

		g.mu.Lock()
		drained := len(g.inFlight) == 0
		g.mu.Unlock()
		if drained {
			return
		}
	}

	g.tickIndex++
	if g.tickIndex == cfg.TicksPerSecond {
		g.tickIndex = 0
		g.secondIndex++
	}
	if g.lastTickMs == -1 {
		g.lastTickMs = nowMs
	} else {
		g.lastTickMs += elapsed
	}
}

// snapshotInFlight returns the currently in-flight throttles in stable
// rotation order.
func (g *Group) snapshotInFlight() ([]*Throttle, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot := make([]*Throttle, 0, len(g.inFlight))
	for _, id := range g.inFlight {
		if t, ok := g.throttles[id]; ok {
			snapshot = append(snapshot, t)
		}
	}
	return snapshot, len(snapshot)
}
