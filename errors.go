package cem

import (
	"errors"
)

// Standard errors.
var (
	// ErrRunning is returned when an operation requires a runtime that has
	// not yet started, but the scheduler loop is already executing.
	ErrRunning = errors.New("cem: runtime already running")
	// ErrTerminated is returned for operations on a runtime that has shut
	// down, and is the completion error of strands unwound during teardown.
	ErrTerminated = errors.New("cem: runtime terminated")
	// ErrNotDone is returned by Strand.Result while the strand has not yet
	// reached its terminal state.
	ErrNotDone = errors.New("cem: strand not done")
	// ErrDeadlock is returned by Run when every remaining strand is parked
	// waiting on another strand, so no progress is possible.
	ErrDeadlock = errors.New("cem: join deadlock")
	// ErrStackOverflow marks growth beyond the configured maximum stack
	// size, under any growth strategy.
	ErrStackOverflow = errors.New("cem: stack overflow")
	// ErrConnClosed is returned by I/O on a connection or listener that was
	// closed locally.
	ErrConnClosed = errors.New("cem: connection closed")

	ErrFDOutOfRange        = errors.New("cem: fd out of range")
	ErrFDAlreadyRegistered = errors.New("cem: fd already registered")
	ErrFDNotRegistered     = errors.New("cem: fd not registered")
	ErrBackendClosed       = errors.New("cem: backend closed")
)

// StackError reports misuse of a strand's operand stack: underflow, a type
// mismatch, growth past the configured maximum, or a corrupt frame chain.
// These indicate a compiler or embedder bug, so they are fatal: the runtime
// terminates and Run returns the error.
type StackError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *StackError) Error() string {
	if e.Message == "" {
		return "stack error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *StackError) Unwrap() error {
	return e.Cause
}

// StateError reports misuse of the runtime or strand lifecycle: waiting on a
// reclaimed handle, registering a descriptor twice, closing a descriptor a
// strand is blocked on, and similar contract violations. Fatal, like
// [StackError].
type StateError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e.Message == "" {
		return "state error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *StateError) Unwrap() error {
	return e.Cause
}

// terminateUnwind is the panic payload used to unwind a parked strand during
// teardown. It deliberately is not an error: user code recovering errors will
// not swallow it by accident, and the trampoline re-checks the concrete type.
type terminateUnwind struct{}
