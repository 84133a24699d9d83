package cem

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Runtime schedules strands over a single logical thread. Exactly one strand
// runs at a time, control moves only at blocking operations, and the ready
// queue is strictly FIFO.
//
// The intended shape is New, Spawn the initial strands, then Run. Run blocks
// until no strands remain or the runtime is stopped; Shutdown and Close may
// be called from any goroutine. A Runtime is single-use.
type Runtime struct {
	state atomicState

	sched   *flow
	ready   readyQueue
	blocked blockedRegistry
	waiters int
	current *Strand
	nextID  uint64
	live    map[uint64]*Strand

	backend Backend
	events  []Event

	stackCfg stackConfig
	inFD     int
	outFD    int
	inReady  bool
	outReady bool

	log            *logiface.Logger[logiface.Event]
	growthWarnings *catrate.Limiter
	metrics        *runtimeMetrics

	fatal error

	stopOnce sync.Once
	stopErr  error
	loopDone chan struct{}
}

// New creates a runtime. Unless [WithBackend] overrides it, the platform
// event backend is created here and owned by the runtime.
func New(opts ...Option) (*Runtime, error) {
	resolved, err := resolveOptions(opts...)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		sched:    newFlow(),
		blocked:  make(blockedRegistry),
		live:     make(map[uint64]*Strand),
		nextID:   1,
		events:   make([]Event, maxPollEvents),
		inFD:     resolved.stdinFD,
		outFD:    resolved.stdoutFD,
		log:      resolved.logger,
		metrics:  &runtimeMetrics{enabled: resolved.metrics},
		loopDone: make(chan struct{}),
		growthWarnings: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 4,
			time.Minute: 40,
		}),
	}
	growth := resolved.growth
	if growth == GrowthCopying && !resolved.frameChain {
		// Relocation follows the frame chain to find stack-resident
		// addresses; without the chain, moved cells would go stale.
		growth = GrowthSegmented
		r.log.Warning().
			Str("requested", GrowthCopying.String()).
			Str("using", growth.String()).
			Log("copying growth requires the frame chain")
	}
	r.stackCfg = stackConfig{
		strategy: growth,
		initial:  resolved.initialStack,
		max:      resolved.maxStack,
	}
	if resolved.backend != nil {
		r.backend = resolved.backend
	} else {
		b, err := NewBackend()
		if err != nil {
			return nil, err
		}
		r.backend = b
	}
	return r, nil
}

// Spawn queues a strand before the runtime starts, with the given values
// pushed onto its fresh stack, first argument deepest. It is the setup-time
// counterpart of [Strand.Spawn] and must not be called once Run has begun.
func (r *Runtime) Spawn(entry Program, args ...Value) (*Strand, error) {
	if entry == nil {
		return nil, fmt.Errorf("cem: spawn with nil entry")
	}
	switch r.state.load() {
	case stateIdle:
		return r.newStrand(entry, args), nil
	case stateRunning:
		return nil, ErrRunning
	default:
		return nil, ErrTerminated
	}
}

func (r *Runtime) newStrand(entry Program, args []Value) *Strand {
	if r.stopping() {
		panic(terminateUnwind{})
	}
	s := &Strand{
		r:         r,
		id:        r.nextID,
		state:     StrandReady,
		flow:      newFlow(),
		entry:     entry,
		pendingFD: -1,
	}
	r.nextID++
	s.stack = newStack(r.stackCfg, s, func(oldBytes, newBytes int, copied bool) {
		r.noteGrowth(s.id, oldBytes, newBytes, copied)
	})
	for _, v := range args {
		s.stack.push(v)
	}
	r.live[s.id] = s
	r.ready.push(s)
	r.metrics.inc(&r.metrics.spawned)
	go s.main()
	return s
}

// stopping reports whether teardown has begun, under either the running or
// the never-ran path.
func (r *Runtime) stopping() bool {
	st := r.state.load()
	return st == stateTerminating || st == stateTerminated
}

// Run executes strands until none remain, the context is cancelled,
// [Runtime.Shutdown] is called, or a contract violation turns fatal. It
// blocks the calling goroutine, pinned to its OS thread, for the duration.
// Whatever the cause, the runtime is left terminated: strands still live are
// unwound through their deferred functions, and the backend is closed.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.state.transition(stateIdle, stateRunning) {
		if r.state.load() == stateRunning {
			return ErrRunning
		}
		return ErrTerminated
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.loopDone)
	defer r.teardown()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Done() != nil {
		watchStop := make(chan struct{})
		defer close(watchStop)
		go func() {
			select {
			case <-ctx.Done():
				r.requestStop(ctx.Err())
			case <-watchStop:
			}
		}()
	}

	r.log.Info().
		Str("growth", r.stackCfg.strategy.String()).
		Int("strands", len(r.live)).
		Log("runtime started")

	for {
		if r.state.load() == stateTerminating {
			return r.stopErr
		}
		if s := r.ready.pop(); s != nil {
			r.dispatch(s)
			if r.fatal != nil {
				return r.fatal
			}
		}
		if !r.blocked.empty() {
			// Harvest readiness after every dispatch: without sleeping
			// while strands are ready, or blocking indefinitely once
			// nothing else can run.
			timeout := 0
			if r.ready.empty() {
				timeout = -1
			}
			if err := r.poll(timeout); err != nil {
				return err
			}
			continue
		}
		if r.ready.empty() {
			if r.waiters > 0 {
				for _, s := range r.live {
					if s.state == StrandBlocked && s.waitingOn != nil {
						r.log.Err().
							Uint64("strand", s.id).
							Uint64("waiting_on", s.waitingOn.id).
							Log("join deadlock participant")
					}
				}
				return fmt.Errorf("cem: %w: %d strands blocked in wait with none runnable", ErrDeadlock, r.waiters)
			}
			return nil
		}
	}
}

// dispatch runs one ready strand until it switches back.
func (r *Runtime) dispatch(s *Strand) {
	s.state = StrandRunning
	r.current = s
	s.stack.checkpoint()
	r.metrics.inc(&r.metrics.switches)
	r.sched.switchTo(s.flow, resumeRun)
	r.current = nil
	if s.state == StrandDone {
		r.finalize(s)
	}
}

// finalize retires a completed strand and readies its waiter, if any.
func (r *Runtime) finalize(s *Strand) {
	delete(r.live, s.id)
	r.metrics.inc(&r.metrics.completed)
	if w := s.waiter; w != nil {
		s.waiter = nil
		w.waitingOn = nil
		w.state = StrandReady
		r.waiters--
		r.ready.push(w)
	}
}

// poll collects readiness from the backend and moves the owning strands to
// the ready queue. A readiness tag naming a strand other than the one
// registered for the descriptor means delivery would be misdirected, which
// is fatal.
func (r *Runtime) poll(timeoutMs int) error {
	r.metrics.inc(&r.metrics.polls)
	n, err := r.backend.Wait(r.events, timeoutMs)
	if err != nil {
		return fmt.Errorf("cem: backend wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := r.events[i]
		s := r.blocked.remove(ev.FD)
		if s == nil {
			r.log.Warning().
				Int("fd", ev.FD).
				Uint64("tag", ev.Tag).
				Log("readiness for unregistered fd")
			continue
		}
		if s.id != ev.Tag {
			return &StateError{Message: fmt.Sprintf(
				"cem: readiness for fd %d tagged strand %d but held by strand %d",
				ev.FD, ev.Tag, s.id)}
		}
		if err := r.backend.Unregister(ev.FD); err != nil {
			r.log.Warning().Err(err).Int("fd", ev.FD).Log("unregister after readiness")
		}
		s.state = StrandReady
		r.ready.push(s)
		r.metrics.inc(&r.metrics.completions)
	}
	return nil
}

func (r *Runtime) recordFatal(err error) {
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *Runtime) noteGrowth(id uint64, oldBytes, newBytes int, copied bool) {
	r.metrics.inc(&r.metrics.stackGrowths)
	if copied {
		r.metrics.inc(&r.metrics.stackCopies)
	} else {
		r.metrics.inc(&r.metrics.stackSegments)
	}
	if _, ok := r.growthWarnings.Allow(id); ok {
		r.log.Warning().
			Uint64("strand", id).
			Int("from", oldBytes).
			Int("to", newBytes).
			Bool("copied", copied).
			Log("stack grew")
	}
}

// teardown unwinds every live strand and closes the backend. It runs on the
// scheduler goroutine after the loop exits, whatever the exit reason.
func (r *Runtime) teardown() {
	r.state.store(stateTerminating)
	r.unwindLive()
	if err := r.backend.Close(); err != nil && !errors.Is(err, ErrBackendClosed) {
		r.log.Warning().Err(err).Log("backend close")
	}
	r.state.store(stateTerminated)
	r.log.Info().Log("runtime terminated")
}

// unwindLive resumes each live strand with a terminate token so deferred
// functions run, and waits for each to finish. Any blocking attempt during
// the unwind re-raises the terminate unwind, so every strand completes.
func (r *Runtime) unwindLive() {
	for _, s := range r.live {
		if s.state == StrandDone {
			continue
		}
		if s.pendingFD >= 0 {
			r.blocked.remove(s.pendingFD)
			if err := r.backend.Unregister(s.pendingFD); err != nil {
				r.log.Warning().Err(err).Int("fd", s.pendingFD).Log("unregister during teardown")
			}
		}
		r.current = s
		r.sched.switchTo(s.flow, resumeTerminate)
		r.current = nil
	}
	r.live = make(map[uint64]*Strand)
	r.ready = readyQueue{}
	r.blocked = make(blockedRegistry)
	r.waiters = 0
}

// requestStop begins termination exactly once. Safe to call from any
// goroutine and any state.
func (r *Runtime) requestStop(cause error) {
	r.stopOnce.Do(func() {
		r.stopErr = cause
		if r.state.transition(stateIdle, stateTerminated) {
			// Run never started, so queued strands are unwound right here
			// on the caller's goroutine.
			r.unwindLive()
			_ = r.backend.Close()
			close(r.loopDone)
			return
		}
		if r.state.transition(stateRunning, stateTerminating) {
			if err := r.backend.Wake(); err != nil && !errors.Is(err, ErrBackendClosed) {
				r.log.Warning().Err(err).Log("wake during stop")
			}
		}
	})
}

// Shutdown stops the runtime. Live strands unwind through their deferred
// functions and complete with [ErrTerminated]; Run returns nil for this
// orderly stop or the cancellation cause when the stop came from the
// context. Shutdown returns once teardown finishes, or early with ctx's
// error.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.requestStop(nil)
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is [Runtime.Shutdown] without a deadline.
func (r *Runtime) Close() error {
	return r.Shutdown(context.Background())
}

// Metrics returns a snapshot of runtime counters. All zero unless enabled
// with [WithMetrics].
func (r *Runtime) Metrics() Metrics {
	return r.metrics.snapshot()
}
