// Package bwthrottle implements a group-coordinated bandwidth throttle: a
// set of io.Reader/io.Writer stream transformers that each receive
// arbitrary-rate byte input and emit byte output at a bounded aggregate
// rate, where a single Group distributes a fixed bytes-per-second budget as
// evenly as possible across all concurrently active Throttles.
//
// # Usage
//
// Create a Group with the aggregate budget, then create one Throttle per
// stream:
//
//	g, err := bwthrottle.NewGroup(ctx, bwthrottle.Config{
//	    BytesPerSecond: 1 << 20,
//	    IsThrottled:    true,
//	    TicksPerSecond: 10,
//	    MaxBufferSize:  1 << 24,
//	})
//	t, err := g.CreateThrottle(0, false)
//	go func() {
//	    io.Copy(t, producer)
//	    t.CloseWrite()
//	}()
//	io.Copy(consumer, t)
//
// Throttle is both the producer's io.Writer and the consumer's io.Reader.
// Bytes written are buffered; the Group's clock paces their release to the
// reader side according to each throttle's share of the aggregate budget.
//
// # Reconfiguration
//
// Group.Configure merges new values into the shared Config; changes take
// effect no later than the next tick.
//
// # Fairness
//
// The aggregate budget is split across in-flight throttles using
// internal/partition's exact-sum integer partition, with the remainder
// slot rotating every second so that no throttle is permanently shorted by
// rounding.
//
// # Destruction
//
// Destroying a Group destroys every Throttle it owns, stops the tick clock,
// and stops the throughput sampler.
package bwthrottle
