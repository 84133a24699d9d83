package cem

import "sync/atomic"

// Metrics is a point-in-time snapshot of runtime counters, as returned by
// [Runtime.Metrics]. Counters stay zero unless collection is enabled with
// [WithMetrics].
type Metrics struct {
	// Spawned counts strands created.
	Spawned uint64
	// Completed counts strands that reached their terminal state.
	Completed uint64
	// Switches counts dispatches of a ready strand.
	Switches uint64
	// Yields counts voluntary reschedules.
	Yields uint64
	// Polls counts backend wait calls.
	Polls uint64
	// Completions counts readiness events delivered to blocked strands.
	Completions uint64
	// IOFast counts I/O operations that finished without parking.
	IOFast uint64
	// IOBlocked counts parks on descriptor readiness.
	IOBlocked uint64
	// StackGrowths counts stack growth events of either flavour.
	StackGrowths uint64
	// StackCopies counts growths that relocated the stack.
	StackCopies uint64
	// StackSegments counts growths that chained a new segment.
	StackSegments uint64
}

type runtimeMetrics struct {
	enabled       bool
	spawned       atomic.Uint64
	completed     atomic.Uint64
	switches      atomic.Uint64
	yields        atomic.Uint64
	polls         atomic.Uint64
	completions   atomic.Uint64
	ioFast        atomic.Uint64
	ioBlocked     atomic.Uint64
	stackGrowths  atomic.Uint64
	stackCopies   atomic.Uint64
	stackSegments atomic.Uint64
}

func (m *runtimeMetrics) inc(c *atomic.Uint64) {
	if m.enabled {
		c.Add(1)
	}
}

func (m *runtimeMetrics) snapshot() Metrics {
	return Metrics{
		Spawned:       m.spawned.Load(),
		Completed:     m.completed.Load(),
		Switches:      m.switches.Load(),
		Yields:        m.yields.Load(),
		Polls:         m.polls.Load(),
		Completions:   m.completions.Load(),
		IOFast:        m.ioFast.Load(),
		IOBlocked:     m.ioBlocked.Load(),
		StackGrowths:  m.stackGrowths.Load(),
		StackCopies:   m.stackCopies.Load(),
		StackSegments: m.stackSegments.Load(),
	}
}
