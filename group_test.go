package bwthrottle

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGroup(t *testing.T, cfg Config) (*Group, *manualClock) {
	t.Helper()
	clock := newManualClock(0)
	g, err := newGroup(context.Background(), cfg, fakePlatform(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Destroy() })
	return g, clock
}

// throttleOutLen reads the current size of a throttle's readable buffer
// without consuming it, for assertions that want to observe what the
// group's tick has released so far.
func throttleOutLen(tr *Throttle) int {
	tr.outMu.Lock()
	defer tr.outMu.Unlock()
	return len(tr.out)
}

func TestGroup_SeedScenarioPartitionsEvenly(t *testing.T) {
	g, clock := testGroup(t, Config{
		BytesPerSecond: 7,
		IsThrottled:    true,
		TicksPerSecond: 1,
	})

	t1, err := g.CreateThrottle(0, false)
	require.NoError(t, err)
	t2, err := g.CreateThrottle(0, false)
	require.NoError(t, err)
	t3, err := g.CreateThrottle(0, false)
	require.NoError(t, err)

	for _, tt := range []*Throttle{t1, t2, t3} {
		_, err := tt.Write(make([]byte, 100))
		require.NoError(t, err)
	}

	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return throttleOutLen(t1)+throttleOutLen(t2)+throttleOutLen(t3) == 7
	}, time.Second, time.Millisecond, "expected exactly 7 bytes released across the group")

	for _, n := range []int{throttleOutLen(t1), throttleOutLen(t2), throttleOutLen(t3)} {
		assert.True(t, n == 2 || n == 3, "expected floor/ceil split of 7 across 3, got %d", n)
	}
}

func TestGroup_UnthrottledDrainsImmediately(t *testing.T) {
	g, clock := testGroup(t, Config{
		IsThrottled:    false,
		TicksPerSecond: 10,
	})

	tr, err := g.CreateThrottle(0, false)
	require.NoError(t, err)
	_, err = tr.Write([]byte("hello world"))
	require.NoError(t, err)

	clock.Advance(100 * time.Millisecond)

	buf := make([]byte, 32)
	var n int
	require.Eventually(t, func() bool {
		if throttleOutLen(tr) == 0 {
			return false
		}
		n, err = tr.Read(buf)
		return err == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestGroup_CloseWriteDrainsThenEOF(t *testing.T) {
	g, clock := testGroup(t, Config{
		IsThrottled:    false,
		TicksPerSecond: 10,
	})

	tr, err := g.CreateThrottle(0, false)
	require.NoError(t, err)
	_, err = tr.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, tr.CloseWrite())

	clock.Advance(100 * time.Millisecond)

	buf := make([]byte, 32)
	var n int
	require.Eventually(t, func() bool {
		if throttleOutLen(tr) == 0 {
			return false
		}
		n, err = tr.Read(buf)
		return err == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, "abc", string(buf[:n]))

	require.Eventually(t, func() bool {
		_, err = tr.Read(buf)
		return err != nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, io.EOF)
}

func TestGroup_WriteRejectsOverflowWithoutBackpressure(t *testing.T) {
	// Throttled with a tiny budget so the first write stays pending in the
	// ring instead of being auto-drained, letting a second write overflow
	// against the accumulated total.
	g, _ := testGroup(t, Config{
		IsThrottled:    true,
		BytesPerSecond: 1,
		TicksPerSecond: 10,
		MaxBufferSize:  4,
	})

	tr, err := g.CreateThrottle(0, false)
	require.NoError(t, err)

	_, err = tr.Write([]byte("abcd"))
	require.NoError(t, err)

	_, err = tr.Write([]byte("e"))
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestGroup_ConfigureRejectsInvalidMerge(t *testing.T) {
	g, _ := testGroup(t, Config{
		IsThrottled:    true,
		BytesPerSecond: 100,
		TicksPerSecond: 10,
	})

	zero := 0
	err := g.Configure(ConfigUpdate{TicksPerSecond: &zero})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, 10, g.currentConfig().TicksPerSecond)
}

func TestGroup_DestroyEndsAllThrottlesWithEOF(t *testing.T) {
	g, _ := testGroup(t, Config{IsThrottled: false, TicksPerSecond: 10})

	tr, err := g.CreateThrottle(0, false)
	require.NoError(t, err)

	require.NoError(t, g.Destroy())

	buf := make([]byte, 8)
	_, err = tr.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	_, err = tr.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrUseAfterDestroy)
}

func TestGroup_AbortDiscardsBufferedBytesAndFailsRead(t *testing.T) {
	g, _ := testGroup(t, Config{
		IsThrottled:    true,
		BytesPerSecond: 1,
		TicksPerSecond: 1,
	})

	tr, err := g.CreateThrottle(0, false)
	require.NoError(t, err)
	_, err = tr.Write([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, tr.Abort())

	buf := make([]byte, 8)
	_, err = tr.Read(buf)
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	select {
	case <-tr.Done():
	default:
		t.Fatal("expected Done() to be closed after Abort")
	}
}

func TestGroup_CreateThrottleAfterDestroyFails(t *testing.T) {
	g, _ := testGroup(t, Config{IsThrottled: false, TicksPerSecond: 10})
	require.NoError(t, g.Destroy())

	_, err := g.CreateThrottle(0, false)
	assert.ErrorIs(t, err, ErrUseAfterDestroy)
}
