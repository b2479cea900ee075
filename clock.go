package bwthrottle

import "time"

// Clock abstracts access to a monotonic millisecond clock so tick
// arithmetic can be driven by a deterministic fake in tests.
type Clock interface {
	NowMs() int64
}

// Ticker abstracts a periodic timer. C delivers a tick timestamp (ms) on
// every firing; Stop releases the underlying resources.
type Ticker interface {
	C() <-chan int64
	Stop()
}

// clockEpoch anchors realClock and realTicker readings, so both report
// milliseconds on the same monotonic timeline.
var clockEpoch = time.Now()

// realClock is the production Clock, backed by the monotonic reading of
// time.Now.
type realClock struct{}

func (realClock) NowMs() int64 { return time.Since(clockEpoch).Milliseconds() }

// realTicker is the production Ticker, backed by time.Ticker.
type realTicker struct {
	t    *time.Ticker
	c    chan int64
	done chan struct{}
}

// newRealTicker starts a ticker firing every d, translating each
// time.Time firing into a millisecond timestamp on C().
func newRealTicker(d time.Duration) *realTicker {
	rt := &realTicker{
		t:    time.NewTicker(d),
		c:    make(chan int64, 1),
		done: make(chan struct{}),
	}
	go rt.pump()
	return rt
}

func (rt *realTicker) pump() {
	for {
		select {
		case tm, ok := <-rt.t.C:
			if !ok {
				return
			}
			select {
			case rt.c <- tm.Sub(clockEpoch).Milliseconds():
			case <-rt.done:
				return
			}
		case <-rt.done:
			return
		}
	}
}

func (rt *realTicker) C() <-chan int64 { return rt.c }

func (rt *realTicker) Stop() {
	rt.t.Stop()
	close(rt.done)
}

// platform bundles the Clock/Ticker factory a Group uses, so tests can
// substitute a manualClock without threading separate parameters through
// every constructor.
type platform struct {
	clock     Clock
	newTicker func(d time.Duration) Ticker
}

func realPlatform() platform {
	return platform{
		clock: realClock{},
		newTicker: func(d time.Duration) Ticker {
			return newRealTicker(d)
		},
	}
}
