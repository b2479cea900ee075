package bwthrottle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_TickDuration(t *testing.T) {
	c := Config{TicksPerSecond: 10}
	assert.Equal(t, 100*time.Millisecond, c.TickDuration())
}

func TestConfig_TickDurationZeroWhenUnset(t *testing.T) {
	c := Config{}
	assert.Equal(t, time.Duration(0), c.TickDuration())
}

func TestConfig_ValidateRejectsZeroTicksPerSecond(t *testing.T) {
	c := Config{TicksPerSecond: 0, IsThrottled: true, BytesPerSecond: 1}
	err := c.validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_ValidateRejectsNonPositiveBudgetWhenThrottled(t *testing.T) {
	c := Config{TicksPerSecond: 10, IsThrottled: true, BytesPerSecond: 0}
	err := c.validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_ValidateAllowsZeroBudgetWhenNotThrottled(t *testing.T) {
	c := Config{TicksPerSecond: 10, IsThrottled: false, BytesPerSecond: 0}
	assert.NoError(t, c.validate())
}

func TestConfig_ValidateRejectsMaxBufferSizeBelowBudget(t *testing.T) {
	c := Config{TicksPerSecond: 10, IsThrottled: true, BytesPerSecond: 100, MaxBufferSize: 50}
	err := c.validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_ValidateAllowsZeroMaxBufferSizeAsUnbounded(t *testing.T) {
	c := Config{TicksPerSecond: 10, IsThrottled: true, BytesPerSecond: 100, MaxBufferSize: 0}
	assert.NoError(t, c.validate())
}

func TestConfig_ValidateRejectsIntervalWithoutSampleSize(t *testing.T) {
	c := Config{TicksPerSecond: 10, ThroughputSampleInterval: time.Second, ThroughputSampleSize: 0}
	err := c.validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigUpdate_ApplyOverlaysOnlyNonNilFields(t *testing.T) {
	base := Config{BytesPerSecond: 100, IsThrottled: true, TicksPerSecond: 10, MaxBufferSize: 1000}
	newBps := int64(200)
	u := ConfigUpdate{BytesPerSecond: &newBps}

	merged := u.apply(base)
	assert.Equal(t, int64(200), merged.BytesPerSecond)
	assert.True(t, merged.IsThrottled)
	assert.Equal(t, 10, merged.TicksPerSecond)
	assert.Equal(t, 1000, merged.MaxBufferSize)
}
