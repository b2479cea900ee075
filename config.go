package bwthrottle

import "time"

// Config holds the aggregate tuning for a Group. All fields are validated
// by Group.Configure before being applied; invalid values are rejected
// entirely (no partial merge) with an *Error of ErrCodeInvalidConfig.
type Config struct {
	// BytesPerSecond is the aggregate budget shared across every in-flight
	// Throttle. Ignored when IsThrottled is false.
	BytesPerSecond int64
	// IsThrottled gates whether the budget is enforced at all; when false,
	// every throttle drains its pending buffer as fast as the reader pulls.
	IsThrottled bool
	// TicksPerSecond is how many times per second the Group redistributes
	// the budget and releases bytes. Must be > 0.
	TicksPerSecond int
	// MaxBufferSize bounds how many pending bytes a single Throttle may
	// hold before Write returns ErrBufferOverflow. Zero means unbounded.
	MaxBufferSize int
	// ThroughputSampleInterval is how often the sampler emits a
	// ThroughputMetrics snapshot. Zero disables sampling.
	ThroughputSampleInterval time.Duration
	// ThroughputSampleSize is how many trailing samples the sampler
	// averages over to smooth the reported rate. Must be >= 1 when
	// ThroughputSampleInterval is nonzero.
	ThroughputSampleSize int
}

// TickDuration returns the interval between ticks implied by
// TicksPerSecond.
func (c Config) TickDuration() time.Duration {
	if c.TicksPerSecond <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.TicksPerSecond)
}

// validate checks invariants that must hold regardless of which fields a
// ConfigUpdate touched.
func (c Config) validate() error {
	if c.TicksPerSecond <= 0 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("TicksPerSecond must be > 0"))
	}
	if c.BytesPerSecond < 0 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("BytesPerSecond must be >= 0"))
	}
	if c.IsThrottled && c.BytesPerSecond <= 0 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("BytesPerSecond must be > 0 when IsThrottled is true"))
	}
	if c.MaxBufferSize < 0 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("MaxBufferSize must be >= 0"))
	}
	if c.IsThrottled && c.MaxBufferSize > 0 && int64(c.MaxBufferSize) < c.BytesPerSecond {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("MaxBufferSize must be >= BytesPerSecond when bounded"))
	}
	if c.ThroughputSampleInterval < 0 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("ThroughputSampleInterval must be >= 0"))
	}
	if c.ThroughputSampleSize < 0 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("ThroughputSampleSize must be >= 0"))
	}
	if c.ThroughputSampleInterval > 0 && c.ThroughputSampleSize < 1 {
		return newError("Configure", ErrCodeInvalidConfig, errMsg("ThroughputSampleSize must be >= 1 when sampling is enabled"))
	}
	return nil
}

// ConfigUpdate carries a partial set of changes to apply over the current
// Config. Nil fields are left untouched; the merged result is validated as
// a whole before being swapped in.
type ConfigUpdate struct {
	BytesPerSecond           *int64
	IsThrottled              *bool
	TicksPerSecond           *int
	MaxBufferSize            *int
	ThroughputSampleInterval *time.Duration
	ThroughputSampleSize     *int
}

// apply returns a copy of base with every non-nil field in u overlaid.
func (u ConfigUpdate) apply(base Config) Config {
	merged := base
	if u.BytesPerSecond != nil {
		merged.BytesPerSecond = *u.BytesPerSecond
	}
	if u.IsThrottled != nil {
		merged.IsThrottled = *u.IsThrottled
	}
	if u.TicksPerSecond != nil {
		merged.TicksPerSecond = *u.TicksPerSecond
	}
	if u.MaxBufferSize != nil {
		merged.MaxBufferSize = *u.MaxBufferSize
	}
	if u.ThroughputSampleInterval != nil {
		merged.ThroughputSampleInterval = *u.ThroughputSampleInterval
	}
	if u.ThroughputSampleSize != nil {
		merged.ThroughputSampleSize = *u.ThroughputSampleSize
	}
	return merged
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func errMsg(s string) error { return simpleErr(s) }
