// Package chanx provides small channel-based primitives shared by the
// throttle and group implementations.
package chanx

import "sync"

// Closable is an idempotent-close completion signal: Close resolves it
// exactly once, and Done returns a channel callers can select on to observe
// that resolution. It is the payload-free counterpart of a channel you'd
// otherwise have to guard with a sync.Once to avoid a double-close panic.
type Closable struct {
	once sync.Once
	ch   chan struct{}
}

// NewClosable creates an unresolved Closable.
func NewClosable() *Closable {
	return &Closable{ch: make(chan struct{})}
}

// Close resolves the signal. Safe to call multiple times or concurrently;
// only the first call has any effect.
func (c *Closable) Close() {
	c.once.Do(func() { close(c.ch) })
}

// Done returns a channel that is closed when Close is called.
func (c *Closable) Done() <-chan struct{} {
	return c.ch
}

// IsClosed reports whether Close has already been called.
func (c *Closable) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}
