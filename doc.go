// Package cem is a cooperative strand runtime: lightweight threads of
// execution ("strands") multiplexed over a single logical thread, each with
// its own growable operand stack, scheduled strictly FIFO and descheduled
// only at blocking operations.
//
// # Architecture
//
// The runtime owns a scheduler flow and one flow per strand; a single resume
// token moves between them, so exactly one of the scheduler and the strands
// is ever running. Strands park when they read a line that is not buffered,
// write into a full kernel buffer, accept or connect, or wait on another
// strand; descriptor readiness is collected from the platform backend and
// parked strands rejoin the back of the ready queue. Code between blocking
// operations runs atomically with respect to other strands: no locks are
// needed around shared state.
//
// Each strand carries an operand stack of tagged values. [Stack.Call]
// splices a frame cell beneath the callee's arguments; the frame cells chain
// through the stack by address, which both protects callers from runaway
// pops and gives copying growth the addresses it must rebase after
// relocation. Growth is configurable per runtime: [GrowthFixed] makes
// overflow fatal, [GrowthSegmented] chains segments without moving cells,
// and [GrowthCopying] (the default) relocates into a doubled allocation.
//
// # Platform Support
//
// Linux (epoll) and Darwin (kqueue). Registrations are one-shot and
// edge-triggered on both.
//
// # Thread Safety
//
// Strand and Stack methods must only be called from the owning strand's
// program. [Runtime.Shutdown], [Runtime.Close], and [Runtime.Metrics] are
// safe from any goroutine.
//
// # Usage
//
//	r, err := cem.New()
//	if err != nil {
//		// handle error
//	}
//	h, _ := r.Spawn(func(s *cem.Strand) {
//		s.Stack().PushInt(2)
//		s.Stack().PushInt(2)
//		s.Stack().Add()
//	})
//	if err := r.Run(context.Background()); err != nil {
//		// handle error
//	}
//	v, _ := h.Result()
//	fmt.Println(v) // 4
//
// # Error Handling
//
// I/O failures (connection refused, end of stream, missing files) are
// ordinary error values returned to the strand. Contract violations
// (stack underflow, waiting on a reclaimed handle, two strands blocking on
// one descriptor) and stack exhaustion are programming errors: they panic
// with [*StackError] or [*StateError], the runtime stops, and [Runtime.Run]
// returns the error.
package cem
