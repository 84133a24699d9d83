package cem

import "sync/atomic"

// runState tracks the runtime lifecycle. Transitions are one-way:
// idle -> running -> terminating -> terminated, with a shortcut from idle
// straight to terminated when the runtime is closed before Run.
type runState uint64

const (
	stateIdle runState = iota
	stateRunning
	stateTerminating
	stateTerminated
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateTerminating:
		return "terminating"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// atomicState is a lock-free holder for runState. Strands and the scheduler
// run on one goroutine at a time, but Shutdown and context cancellation may
// observe the state from outside, so all access is atomic.
type atomicState struct {
	v atomic.Uint64
}

func (a *atomicState) load() runState {
	return runState(a.v.Load())
}

func (a *atomicState) store(s runState) {
	a.v.Store(uint64(s))
}

// transition performs a compare-and-swap from one state to another,
// returning false if the current state differs from the expected one.
func (a *atomicState) transition(from, to runState) bool {
	return a.v.CompareAndSwap(uint64(from), uint64(to))
}
