package bwthrottle

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quaylabs/bwthrottle/internal/chanx"
	"github.com/quaylabs/bwthrottle/internal/ringbuf"
)

const growPad = 4096

// readerGraceWindowMs is how long a Throttle tolerates its consumer not
// calling Read before the group's tick treats it as detached and drains it
// with GracefulAbort instead of continuing to hold bytes for nobody.
const readerGraceWindowMs = 30_000

// Throttle is a single paced byte stream: an io.Writer the producer feeds
// at whatever rate it likes, and an io.Reader the consumer drains, with the
// owning Group pacing how fast written bytes become readable.
//
// A Throttle is safe for concurrent use: Write may be called from one
// goroutine while Read is called from another, and the Group's tick
// goroutine moves bytes from the write side to the read side concurrently
// with both.
type Throttle struct {
	ID    uuid.UUID
	group *Group

	mu                sync.Mutex
	spaceCond         *sync.Cond
	ring              *ringbuf.ByteRing
	isProducing       bool
	startedProducing  bool
	wantsBackpressure bool
	totalWritten      int64
	totalProcessed    int64

	onBytesWrittenMu sync.Mutex
	onBytesWritten   func([]byte)

	lastReadAtMs atomic.Int64

	outMu   sync.Mutex
	outCond *sync.Cond
	out     []byte
	eof     bool
	readErr error

	done      *chanx.Closable
	destroyed atomic.Bool
}

// newThrottle constructs a Throttle owned by g. contentLength, when
// positive, sizes the initial ring ahead of BytesPerSecond so a
// known-length stream doesn't immediately pay a resize. wantsBackpressure
// selects Write's behavior once appended bytes are pending: true blocks
// the writer until the group's tick has actually emitted every byte just
// written; false returns as soon as the bytes are buffered.
func newThrottle(g *Group, contentLength int, wantsBackpressure bool) *Throttle {
	cfg := g.currentConfig()
	initialCap := contentLength
	if int(cfg.BytesPerSecond) > initialCap {
		initialCap = int(cfg.BytesPerSecond)
	}
	if initialCap <= 0 {
		initialCap = growPad
	}

	t := &Throttle{
		ID:                uuid.New(),
		group:             g,
		ring:              ringbuf.New(initialCap),
		isProducing:       true,
		wantsBackpressure: wantsBackpressure,
		done:              chanx.NewClosable(),
	}
	t.lastReadAtMs.Store(g.platform.clock.NowMs())
	t.spaceCond = sync.NewCond(&t.mu)
	t.outCond = sync.NewCond(&t.outMu)
	return t
}

// Write appends p to the pending ring as a single atomic operation: either
// the whole of p fits within the configured MaxBufferSize and is accepted,
// or none of it is and the throttle is destroyed with ErrBufferOverflow.
// When the group is unthrottled, Write drains the ring into the readable
// side before returning. When the throttle was created with
// wantsBackpressure, Write blocks until the bytes it just appended have
// actually been emitted by the group's tick.
func (t *Throttle) Write(p []byte) (int, error) {
	if t.destroyed.Load() {
		return 0, newError("Write", ErrCodeUseAfterDestroy, nil)
	}
	if len(p) == 0 {
		return 0, nil
	}

	cfg := t.group.currentConfig()

	t.mu.Lock()
	if t.destroyed.Load() {
		t.mu.Unlock()
		return 0, newError("Write", ErrCodeUseAfterDestroy, nil)
	}
	if !t.isProducing {
		t.mu.Unlock()
		return 0, newError("Write", ErrCodeUseAfterDestroy, errMsg("write after CloseWrite"))
	}

	newLen := t.ring.Len() + len(p)
	if cfg.MaxBufferSize > 0 && newLen > cfg.MaxBufferSize {
		t.mu.Unlock()
		_ = t.finish(newError("Write", ErrCodeBufferOverflow, nil))
		return 0, newError("Write", ErrCodeBufferOverflow, nil)
	}

	if newLen > t.ring.Cap() {
		newCap := newLen + growPad
		if bps := int(cfg.BytesPerSecond); bps > 0 {
			newCap = bps * ((newLen + bps - 1) / bps)
		}
		if cfg.MaxBufferSize > 0 && newCap > cfg.MaxBufferSize {
			newCap = cfg.MaxBufferSize
		}
		t.ring.Resize(newCap)
	}
	n := t.ring.Write(p)

	firstWrite := !t.startedProducing
	t.startedProducing = true
	t.totalWritten += int64(n)
	target := t.totalWritten
	t.mu.Unlock()

	if firstWrite && cfg.IsThrottled {
		t.group.onStart(t)
	}

	if !cfg.IsThrottled {
		t.process(1 << 30)
	}

	if t.wantsBackpressure {
		t.mu.Lock()
		for t.totalProcessed < target && !t.destroyed.Load() {
			t.spaceCond.Wait()
		}
		t.mu.Unlock()
	}

	return n, nil
}

func (t *Throttle) notifyBytesWritten(p []byte) {
	if len(p) == 0 {
		return
	}
	t.onBytesWrittenMu.Lock()
	fn := t.onBytesWritten
	t.onBytesWrittenMu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// OnBytesWritten registers a callback invoked from process with each slice
// of bytes actually emitted into the readable side — once per tick's
// release for a throttled stream, or once for the whole chunk when the
// group is unthrottled and process runs inline from Write. Only one
// callback may be registered; a later call replaces the earlier one.
func (t *Throttle) OnBytesWritten(fn func(p []byte)) {
	t.onBytesWrittenMu.Lock()
	t.onBytesWritten = fn
	t.onBytesWrittenMu.Unlock()
}

// CloseWrite signals that no more bytes will be written. If the pending
// ring is already empty, or the group is unthrottled, the throttle
// finalizes immediately; otherwise it stays in-flight until the group's
// tick drains the remaining bytes.
func (t *Throttle) CloseWrite() error {
	t.mu.Lock()
	t.isProducing = false
	empty := t.ring.Len() == 0
	t.mu.Unlock()

	unthrottled := !t.group.currentConfig().IsThrottled
	if empty || unthrottled {
		t.finalizeSuccess()
	}
	return nil
}

// Read blocks until the group's tick has released bytes for this throttle,
// the producer has finished and all pending bytes are drained (io.EOF), or
// the throttle is aborted/destroyed.
func (t *Throttle) Read(p []byte) (int, error) {
	t.lastReadAtMs.Store(t.group.platform.clock.NowMs())

	t.outMu.Lock()
	defer t.outMu.Unlock()

	for len(t.out) == 0 && !t.eof && t.readErr == nil {
		t.outCond.Wait()
	}

	if len(t.out) > 0 {
		n := copy(p, t.out)
		t.out = t.out[n:]
		return n, nil
	}
	if t.readErr != nil {
		return 0, t.readErr
	}
	return 0, io.EOF
}

// process is invoked by the owning Group's tick with this throttle's
// partitioned byte quota for the tick (or, for an unthrottled group,
// directly from Write). It moves up to quota bytes from the pending ring
// into the readable buffer, fires the onBytesWritten observer with the
// emitted slice, and reports how many bytes it actually released, which
// the Group accumulates into its throughput total. process never blocks.
func (t *Throttle) process(quota int) int {
	t.mu.Lock()
	n := t.ring.Len()
	if n > quota {
		n = quota
	}
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		t.ring.Read(buf)
		t.totalProcessed += int64(n)
	}
	complete := !t.isProducing && t.ring.Len() == 0
	t.spaceCond.Broadcast()
	t.mu.Unlock()

	if n > 0 {
		t.outMu.Lock()
		t.out = append(t.out, buf...)
		t.outCond.Broadcast()
		t.outMu.Unlock()

		t.notifyBytesWritten(buf)
	}

	if complete {
		t.finalizeSuccess()
	}
	return n
}

// pendingLen reports the current size of the pending ring. The group's
// tick does not consult it: quotas come from the partition alone, and
// process clamps each quota to what is queued.
func (t *Throttle) pendingLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Len()
}

// isDetached reports whether this throttle's consumer has gone missing: no
// Read call within the grace window since the throttle was created or last
// read from.
func (t *Throttle) isDetached(nowMs int64) bool {
	return nowMs-t.lastReadAtMs.Load() > readerGraceWindowMs
}

// Abort immediately discards any pending or buffered bytes and fails the
// read side with io.ErrClosedPipe, signaling an unclean termination rather
// than a normal end-of-stream.
func (t *Throttle) Abort() error {
	_ = t.finish(io.ErrClosedPipe)
	return nil
}

// GracefulAbort resolves the throttle as a clean completion without
// draining further: used by the group's tick when a consumer has detached
// and there is no point continuing to hold bytes for it.
func (t *Throttle) GracefulAbort() error {
	t.finalizeSuccess()
	return nil
}

// Done returns a channel closed when the throttle is destroyed, aborted,
// or finishes normally.
func (t *Throttle) Done() <-chan struct{} {
	return t.done.Done()
}

// finalizeSuccess resolves done as a clean completion (io.EOF for any
// pending Read) and notifies the group the throttle stopped and can be
// forgotten. Idempotent.
func (t *Throttle) finalizeSuccess() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	t.isProducing = false
	t.spaceCond.Broadcast()
	t.mu.Unlock()

	t.outMu.Lock()
	t.eof = true
	t.outCond.Broadcast()
	t.outMu.Unlock()

	t.done.Close()
	t.group.onStop(t)
	t.group.onDestroy(t)
}

// finish aborts the throttle with a specific terminal read error,
// discarding whatever is queued on both the pending and readable sides,
// and notifies the group the throttle stopped. Idempotent; returns nil if
// the throttle was already finished.
func (t *Throttle) finish(err error) error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	t.isProducing = false
	t.spaceCond.Broadcast()
	t.mu.Unlock()

	t.outMu.Lock()
	t.out = nil
	t.readErr = err
	t.outCond.Broadcast()
	t.outMu.Unlock()

	t.done.Close()
	t.group.onStop(t)
	t.group.onDestroy(t)
	return err
}

// destroy forcibly tears down the throttle as part of Group.Destroy: any
// pending Read sees a clean end-of-stream rather than an error, since the
// group shutting down is not the throttle's own failure.
func (t *Throttle) destroy() error {
	t.finalizeSuccess()
	return nil
}
