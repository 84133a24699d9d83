package cem

// resumeSignal is the single token passed through a flow gate on every
// switch. The receiver either keeps running or unwinds.
type resumeSignal uint8

const (
	resumeRun resumeSignal = iota
	resumeTerminate
)

// flow is one side of a context switch: a gate that admits exactly one
// resume token. The scheduler and every strand own one flow each, and at any
// instant exactly one flow in the runtime holds the token, which is what
// makes the runtime a single logical thread.
//
// switchTo is the save-and-restore pair in one step: it hands the token to
// next and parks the caller until the token comes back.
type flow struct {
	gate chan resumeSignal
}

func newFlow() *flow {
	return &flow{gate: make(chan resumeSignal, 1)}
}

// switchTo transfers control to next and blocks until control returns,
// reporting how the caller was resumed.
func (f *flow) switchTo(next *flow, sig resumeSignal) resumeSignal {
	next.gate <- sig
	return <-f.gate
}

// handoff transfers control to next without expecting it back. Used on the
// final switch out of a completed strand.
func (f *flow) handoff(next *flow, sig resumeSignal) {
	next.gate <- sig
}

// park blocks until some other flow transfers control here.
func (f *flow) park() resumeSignal {
	return <-f.gate
}
