package bwthrottle

import (
	"sync"
	"time"
)

// manualClock is a deterministic Clock/Ticker fake: tests advance time
// explicitly via Advance, which fires every manualTicker created against
// this clock whose period has elapsed.
type manualClock struct {
	mu      sync.Mutex
	nowMs   int64
	tickers []*manualTicker
}

func newManualClock(startMs int64) *manualClock {
	return &manualClock{nowMs: startMs}
}

func (c *manualClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

// Advance moves the clock forward by d, firing any manualTicker whose
// period has elapsed one or more times, in order, once per elapsed period.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.nowMs + d.Milliseconds()
	step := int64(1)
	for c.nowMs < target {
		next := c.nowMs + step
		if next > target {
			next = target
		}
		c.nowMs = next
		tickers := append([]*manualTicker(nil), c.tickers...)
		c.mu.Unlock()
		for _, t := range tickers {
			t.maybeFire(c.nowMs)
		}
		c.mu.Lock()
	}
	c.mu.Unlock()
}

func (c *manualClock) newTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{
		clock:  c,
		period: d.Milliseconds(),
		next:   c.nowMs + d.Milliseconds(),
		c:      make(chan int64, 64),
	}
	c.tickers = append(c.tickers, t)
	return t
}

type manualTicker struct {
	clock  *manualClock
	period int64
	mu     sync.Mutex
	next   int64
	stopped bool
	c      chan int64
}

func (t *manualTicker) maybeFire(nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.stopped && nowMs >= t.next {
		select {
		case t.c <- t.next:
		default:
		}
		t.next += t.period
	}
}

func (t *manualTicker) C() <-chan int64 { return t.c }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func fakePlatform(clock *manualClock) platform {
	return platform{
		clock: clock,
		newTicker: func(d time.Duration) Ticker {
			return clock.newTicker(d)
		},
	}
}
