package bwthrottle

import (
	"context"
	"sync"
	"time"

	"github.com/reactivex/rxgo/v2"
)

// ThroughputMetrics is a single throughput sample: the aggregate bytes per
// second released across every throttle in the group, averaged over the
// configured sample window.
type ThroughputMetrics struct {
	// BytesPerSecond is the smoothed aggregate release rate.
	BytesPerSecond float64
	// TotalBytesProcessed is the cumulative bytes released since the
	// group was created.
	TotalBytesProcessed int64
	// Utilization is BytesPerSecond as a fraction of the group's
	// configured BytesPerSecond budget, clamped to [0, 1]. Always 0 when
	// BytesPerSecond is 0; IsThrottled is not consulted, so an unthrottled
	// group with a nonzero BytesPerSecond still reports against it.
	Utilization float64
	// SampledAt is when this sample was taken.
	SampledAt time.Time
}

// sampler periodically reads the group's cumulative released-byte counter
// and turns the delta into a smoothed rate, averaged over the trailing
// ThroughputSampleSize samples. It runs as a named task in the group's
// lifecycle.Scope.
type sampler struct {
	mu      sync.Mutex
	cfg     Config
	source  func() int64
	clock   Clock
	samples []float64
	lastAt  int64
	lastTot int64

	cbMu sync.Mutex
	cb   func(ThroughputMetrics)

	ch chan rxgo.Item
}

func newSampler(cfg Config, source func() int64, clock Clock) *sampler {
	return &sampler{
		cfg:    cfg,
		source: source,
		clock:  clock,
		ch:     make(chan rxgo.Item, 16),
	}
}

func (s *sampler) reconfigure(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// onSample registers a plain callback invoked on every sample.
func (s *sampler) onSample(fn func(ThroughputMetrics)) {
	s.cbMu.Lock()
	s.cb = fn
	s.cbMu.Unlock()
}

// observable returns the rxgo.Observable view of the sample stream. Safe
// to call more than once, but every returned Observable reads the same
// underlying channel, so concurrent observers split the items between them
// rather than each receiving every item.
func (s *sampler) observable() rxgo.Observable {
	return rxgo.FromChannel(s.ch)
}

// run is the sampler's lifecycle.Scope task: it fires every
// ThroughputSampleInterval, emits a ThroughputMetrics snapshot to the
// registered callback and to the Observable channel, and exits cleanly
// when ctx is cancelled.
func (s *sampler) run(ctx context.Context) error {
	s.mu.Lock()
	interval := s.cfg.ThroughputSampleInterval
	s.lastAt = s.clock.NowMs()
	s.lastTot = s.source()
	s.mu.Unlock()

	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.sample(now)
		}
	}
}

func (s *sampler) sample(now time.Time) {
	s.mu.Lock()
	windowSize := s.cfg.ThroughputSampleSize
	if windowSize < 1 {
		windowSize = 1
	}

	nowMs := s.clock.NowMs()
	total := s.source()
	elapsedMs := nowMs - s.lastAt
	delta := total - s.lastTot
	s.lastAt = nowMs
	s.lastTot = total

	rate := 0.0
	if elapsedMs > 0 {
		rate = float64(delta) / (float64(elapsedMs) / 1000.0)
	}
	s.samples = append(s.samples, rate)
	if len(s.samples) > windowSize {
		s.samples = s.samples[len(s.samples)-windowSize:]
	}

	var sum float64
	for _, v := range s.samples {
		sum += v
	}
	avg := sum / float64(len(s.samples))
	budget := s.cfg.BytesPerSecond
	s.mu.Unlock()

	utilization := 0.0
	if budget > 0 {
		utilization = avg / float64(budget)
		if utilization > 1 {
			utilization = 1
		}
		if utilization < 0 {
			utilization = 0
		}
	}

	metrics := ThroughputMetrics{
		BytesPerSecond:      avg,
		TotalBytesProcessed: total,
		Utilization:         utilization,
		SampledAt:           now,
	}

	s.cbMu.Lock()
	cb := s.cb
	s.cbMu.Unlock()
	if cb != nil {
		cb(metrics)
	}

	select {
	case s.ch <- rxgo.Of(metrics):
	default:
	}
}
