package cem

import (
	"fmt"
	"runtime/debug"
)

// StrandState is the lifecycle position of a strand.
type StrandState uint8

const (
	// StrandReady means the strand is queued for execution.
	StrandReady StrandState = iota
	// StrandRunning means the strand currently holds the runtime's thread.
	StrandRunning
	// StrandBlocked means the strand is parked on I/O readiness or a join.
	StrandBlocked
	// StrandDone means the strand has completed and holds a result or error.
	StrandDone
)

func (s StrandState) String() string {
	switch s {
	case StrandReady:
		return "ready"
	case StrandRunning:
		return "running"
	case StrandBlocked:
		return "blocked"
	case StrandDone:
		return "done"
	default:
		return "unknown"
	}
}

// Program is a strand entry point. It runs cooperatively: control leaves the
// program only at blocking I/O, [Strand.Wait], [Strand.Yield], or return.
type Program func(*Strand)

// Strand is a cooperatively scheduled thread of execution with its own
// operand stack. Strands are created by [Runtime.Spawn] or [Strand.Spawn]
// and joined with [Strand.Wait].
//
// All methods except [Strand.ID], [Strand.State], and [Strand.Result] must
// be called from the strand's own program while it is running.
type Strand struct {
	id    uint64
	r     *Runtime
	state StrandState
	flow  *flow
	stack *Stack
	entry Program

	nextReady *Strand // intrusive link for the ready queue

	pendingFD  int
	blockCount uint64

	waiter    *Strand
	waitingOn *Strand

	result    Value
	err       error
	reclaimed bool
}

// ID returns the strand's runtime-unique identifier.
func (s *Strand) ID() uint64 { return s.id }

// State returns the lifecycle position. It is only meaningful from program
// code running on the runtime, or after Run has returned.
func (s *Strand) State() StrandState { return s.state }

// Stack returns the strand's operand stack.
func (s *Strand) Stack() *Stack { return s.stack }

// Result returns the strand's final value and error without reclaiming the
// handle. It returns [ErrNotDone] until the strand completes. Unlike
// [Strand.Wait] it may be called after Run returns, and repeatedly.
func (s *Strand) Result() (Value, error) {
	if s.state != StrandDone {
		return Value{}, ErrNotDone
	}
	return s.result, s.err
}

func (s *Strand) assertCurrent(op string) {
	if s.r.current != s {
		panic(&StateError{Message: fmt.Sprintf("cem: %s requires strand %d to be running", op, s.id)})
	}
}

// main is the goroutine body backing the strand. It parks until the first
// dispatch, runs the program, and always finishes by handing control back to
// the scheduler.
func (s *Strand) main() {
	defer s.finish()
	s.park()
	s.entry(s)
}

// park blocks until the scheduler resumes this strand. A terminate token
// unwinds the program through its deferred functions.
func (s *Strand) park() {
	if s.flow.park() == resumeTerminate {
		panic(terminateUnwind{})
	}
}

// switchOut returns control to the scheduler and parks until resumed. The
// caller must already have arranged to be woken: queued as ready, registered
// for I/O, or linked as a waiter.
func (s *Strand) switchOut() {
	if s.r.stopping() {
		panic(terminateUnwind{})
	}
	if s.flow.switchTo(s.r.sched, resumeRun) == resumeTerminate {
		panic(terminateUnwind{})
	}
}

// finish records the strand's outcome and performs the final switch to the
// scheduler. Panics other than the teardown unwind are fatal to the runtime.
func (s *Strand) finish() {
	switch rec := recover().(type) {
	case nil:
	case terminateUnwind:
		s.err = ErrTerminated
	default:
		err, ok := rec.(error)
		if !ok {
			err = fmt.Errorf("cem: strand %d panic: %v", s.id, rec)
		}
		s.err = err
		s.r.recordFatal(err)
		s.r.log.Err().
			Err(err).
			Uint64("strand", s.id).
			Str("stack", string(debug.Stack())).
			Log("strand panicked")
	}
	if s.err == nil && s.stack.depth > 0 && s.stack.topCell().kind != kindFrame {
		s.result = *s.stack.topCell()
	}
	s.stack.release()
	s.state = StrandDone
	s.flow.handoff(s.r.sched, resumeRun)
}

// Spawn creates a strand running entry with the given values pushed onto its
// fresh stack, first argument deepest. The new strand joins the back of the
// ready queue; the caller keeps running.
func (s *Strand) Spawn(entry Program, args ...Value) *Strand {
	s.assertCurrent("spawn")
	if entry == nil {
		panic(&StateError{Message: "cem: spawn with nil entry"})
	}
	return s.r.newStrand(entry, args)
}

// Wait blocks until h completes, then returns its result and reclaims the
// handle. Each strand may be awaited exactly once; waiting on a reclaimed
// handle, on itself, or on a strand from another runtime is fatal.
//
// Everything h did happens before Wait returns.
func (s *Strand) Wait(h *Strand) Value {
	s.assertCurrent("wait")
	if h == nil {
		panic(&StateError{Message: "cem: wait on nil strand"})
	}
	if h.r != s.r {
		panic(&StateError{Message: fmt.Sprintf("cem: strand %d is from another runtime", h.id)})
	}
	if h == s {
		panic(&StateError{Message: fmt.Sprintf("cem: strand %d waiting on itself", s.id)})
	}
	if h.reclaimed {
		panic(&StateError{Message: fmt.Sprintf("cem: wait on reclaimed strand %d", h.id)})
	}
	if h.state != StrandDone {
		if h.waiter != nil {
			panic(&StateError{Message: fmt.Sprintf("cem: strand %d already awaited by strand %d", h.id, h.waiter.id)})
		}
		h.waiter = s
		s.waitingOn = h
		s.state = StrandBlocked
		s.r.waiters++
		s.switchOut()
	}
	h.reclaimed = true
	if h.err != nil {
		panic(&StateError{Cause: h.err, Message: fmt.Sprintf("cem: wait on failed strand %d: %v", h.id, h.err)})
	}
	return h.result
}

// Yield moves the strand to the back of the ready queue and runs whoever is
// next. With no other ready strand it is a no-op round trip.
func (s *Strand) Yield() {
	s.assertCurrent("yield")
	s.state = StrandReady
	s.r.ready.push(s)
	s.r.metrics.inc(&s.r.metrics.yields)
	s.switchOut()
}
