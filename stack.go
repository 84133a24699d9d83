package cem

import (
	"fmt"
	"sync/atomic"
)

// GrowthStrategy selects how a strand's stack behaves when it fills up.
type GrowthStrategy uint8

const (
	// GrowthFixed allocates the initial size once. Overflow is fatal.
	GrowthFixed GrowthStrategy = iota
	// GrowthSegmented chains additional segments on demand. Existing cells
	// never move, so addresses stored in frame cells stay valid.
	GrowthSegmented
	// GrowthCopying reallocates at double the size, copies live cells, and
	// rebases the frame chain by the relocation delta.
	GrowthCopying
)

func (g GrowthStrategy) String() string {
	switch g {
	case GrowthFixed:
		return "fixed"
	case GrowthSegmented:
		return "segmented"
	case GrowthCopying:
		return "copying"
	default:
		return "unknown"
	}
}

const (
	// DefaultInitialStackSize is the reservation for a fresh strand stack.
	DefaultInitialStackSize = 4 << 10
	// DefaultMaxStackSize caps growth under every strategy.
	DefaultMaxStackSize = 1 << 20
	// cellSize is the accounting stride: every cell counts as 32 bytes
	// against the configured stack sizes.
	cellSize = 32
)

// Addr is a virtual stack address. Each segment claims a disjoint range, so
// an address identifies a cell across every live stack, and relocation under
// GrowthCopying shows up as a signed delta between old and new addresses.
// The zero Addr is never a valid cell and marks the end of the frame chain.
type Addr uint64

var segmentSeq atomic.Uint64

func nextSegmentBase() Addr {
	return Addr(segmentSeq.Add(1) << 32)
}

type segment struct {
	base  Addr
	cells []Value
	used  int
}

type stackConfig struct {
	strategy GrowthStrategy
	initial  int // bytes
	max      int // bytes
}

func cellsFor(bytes int) int {
	n := (bytes + cellSize - 1) / cellSize
	if n < 1 {
		n = 1
	}
	return n
}

// Stack is a strand's operand stack. Cells hold [Value]s plus the hidden
// frame cells spliced in by [Stack.Call]; the frame cells chain through the
// stack by address, which is what copying growth rebases.
//
// A Stack belongs to exactly one strand and must only be used while that
// strand is running.
type Stack struct {
	cfg      stackConfig
	segs     []*segment
	active   int  // index of the segment receiving the next push
	fp       Addr // innermost frame cell, 0 when no frame is active
	depth    int
	capCells int
	owner    *Strand
	onGrow   func(oldBytes, newBytes int, copied bool)
	released bool
}

func newStack(cfg stackConfig, owner *Strand, onGrow func(oldBytes, newBytes int, copied bool)) *Stack {
	n := cellsFor(cfg.initial)
	return &Stack{
		cfg: cfg,
		segs: []*segment{{
			base:  nextSegmentBase(),
			cells: make([]Value, n),
		}},
		owner:    owner,
		onGrow:   onGrow,
		capCells: n,
	}
}

// Strategy returns the growth strategy the stack was created with.
func (st *Stack) Strategy() GrowthStrategy { return st.cfg.strategy }

// Depth returns the number of values on the stack, including hidden frame
// cells while a call is in progress.
func (st *Stack) Depth() int { return st.depth }

// Cap returns the reserved capacity in bytes across all segments.
func (st *Stack) Cap() int { return st.capCells * cellSize }

func (st *Stack) maxCells() int { return cellsFor(st.cfg.max) }

func (st *Stack) checkReleased() {
	if st.released {
		panic(&StateError{Message: "cem: stack used after strand completion"})
	}
}

// Push places a value on top of the stack, growing it if necessary.
func (st *Stack) Push(v Value) {
	st.checkReleased()
	st.push(v)
}

func (st *Stack) push(v Value) {
	seg := st.segs[st.active]
	if seg.used == len(seg.cells) {
		if st.active+1 < len(st.segs) {
			st.active++
		} else {
			st.grow(1)
		}
		seg = st.segs[st.active]
	}
	seg.cells[seg.used] = v
	seg.used++
	st.depth++
}

func (st *Stack) topCell() *Value {
	if st.depth == 0 {
		panic(&StackError{Message: "cem: stack underflow"})
	}
	i := st.active
	for st.segs[i].used == 0 {
		i--
	}
	seg := st.segs[i]
	return &seg.cells[seg.used-1]
}

func (st *Stack) discardTop() {
	if st.depth == 0 {
		panic(&StackError{Message: "cem: stack underflow"})
	}
	for st.segs[st.active].used == 0 {
		st.active--
	}
	seg := st.segs[st.active]
	seg.cells[seg.used-1] = Value{}
	seg.used--
	st.depth--
}

func (st *Stack) popRaw() Value {
	v := *st.topCell()
	st.discardTop()
	return v
}

// Pop removes and returns the top value. Popping an empty stack or popping
// past an active call frame is fatal.
func (st *Stack) Pop() Value {
	st.checkReleased()
	if st.depth > 0 && st.topCell().kind == kindFrame {
		panic(&StackError{Message: "cem: pop past call frame"})
	}
	return st.popRaw()
}

// Top returns the top value without removing it.
func (st *Stack) Top() Value {
	st.checkReleased()
	v := *st.topCell()
	if v.kind == kindFrame {
		panic(&StackError{Message: "cem: read past call frame"})
	}
	return v
}

// locateIndex maps a zero-based cell index to its segment and offset.
// Segments below the active one are always full, so the scan is a prefix
// walk.
func (st *Stack) locateIndex(i int) (*segment, int) {
	if i < 0 || i >= st.depth {
		panic(&StackError{Message: fmt.Sprintf("cem: stack index %d out of range", i)})
	}
	for _, seg := range st.segs {
		if i < seg.used {
			return seg, i
		}
		i -= seg.used
	}
	panic(&StackError{Message: "cem: stack segments inconsistent"})
}

func (st *Stack) cellAtIndex(i int) *Value {
	seg, off := st.locateIndex(i)
	return &seg.cells[off]
}

func (st *Stack) addrOfIndex(i int) Addr {
	seg, off := st.locateIndex(i)
	return seg.base + Addr(off*cellSize)
}

func (st *Stack) indexOfAddr(a Addr) int {
	prefix := 0
	for _, seg := range st.segs {
		end := seg.base + Addr(len(seg.cells)*cellSize)
		if a >= seg.base && a < end {
			return prefix + int((a-seg.base)/cellSize)
		}
		prefix += seg.used
	}
	panic(&StackError{Message: fmt.Sprintf("cem: frame chain corrupt: address %#x not in any segment", uint64(a))})
}

// grow extends capacity by at least need cells, honouring the strategy.
func (st *Stack) grow(need int) {
	switch st.cfg.strategy {
	case GrowthFixed:
		panic(&StackError{
			Cause:   ErrStackOverflow,
			Message: fmt.Sprintf("cem: stack overflow: fixed stack of %d bytes exhausted", st.cfg.initial),
		})
	case GrowthSegmented:
		st.addSegment(need)
	case GrowthCopying:
		st.copyGrow(need)
	default:
		panic(&StackError{Message: fmt.Sprintf("cem: unknown growth strategy %d", st.cfg.strategy)})
	}
}

func (st *Stack) addSegment(need int) {
	oldBytes := st.capCells * cellSize
	last := st.segs[len(st.segs)-1]
	n := len(last.cells) * 2
	if n < need {
		n = need
	}
	if limit := st.maxCells(); st.capCells+n > limit {
		n = limit - st.capCells
		if n < need {
			panic(&StackError{
				Cause:   ErrStackOverflow,
				Message: fmt.Sprintf("cem: stack overflow: %d bytes exceeds maximum %d", oldBytes+need*cellSize, st.cfg.max),
			})
		}
	}
	st.segs = append(st.segs, &segment{
		base:  nextSegmentBase(),
		cells: make([]Value, n),
	})
	st.active = len(st.segs) - 1
	st.capCells += n
	if st.onGrow != nil {
		st.onGrow(oldBytes, st.capCells*cellSize, false)
	}
}

func (st *Stack) copyGrow(need int) {
	old := st.segs[0]
	oldBytes := st.capCells * cellSize
	required := old.used + need
	n := len(old.cells) * 2
	if n < required {
		n = required
	}
	if limit := st.maxCells(); n > limit {
		n = limit
		if n < required {
			panic(&StackError{
				Cause:   ErrStackOverflow,
				Message: fmt.Sprintf("cem: stack overflow: %d bytes exceeds maximum %d", required*cellSize, st.cfg.max),
			})
		}
	}
	next := &segment{
		base:  nextSegmentBase(),
		cells: make([]Value, n),
		used:  old.used,
	}
	copy(next.cells, old.cells[:old.used])
	delta := int64(next.base) - int64(old.base)
	st.segs[0] = next
	st.active = 0
	st.capCells = n
	st.rebase(delta)
	if st.onGrow != nil {
		st.onGrow(oldBytes, st.capCells*cellSize, true)
	}
}

// rebase shifts every address in the frame chain by delta after a copying
// relocation. The chain is rooted at fp and terminates at address zero.
func (st *Stack) rebase(delta int64) {
	if st.fp == 0 {
		return
	}
	st.fp = Addr(int64(st.fp) + delta)
	a := st.fp
	for a != 0 {
		c := st.cellAtIndex(st.indexOfAddr(a))
		if c.kind != kindFrame {
			panic(&StackError{Message: fmt.Sprintf("cem: frame chain corrupt: %s cell at %#x", c.kind, uint64(a))})
		}
		if c.num == 0 {
			return
		}
		c.num += delta
		a = Addr(uint64(c.num))
	}
}

// checkpoint proactively doubles a copying stack once it is three-quarters
// full, so relocation happens at a scheduling boundary instead of in the
// middle of a deep call. It never grows past the configured maximum and
// never fails.
func (st *Stack) checkpoint() {
	if st.released || st.cfg.strategy != GrowthCopying {
		return
	}
	if st.depth*4 < st.capCells*3 {
		return
	}
	if st.capCells >= st.maxCells() {
		return
	}
	st.copyGrow(0)
}

// pushFrame splices a frame cell beneath the top nargs values and makes it
// the innermost frame. The callee sees exactly its arguments above the
// frame; popping or reading past it is fatal.
func (st *Stack) pushFrame(nargs int) {
	if nargs < 0 {
		panic(&StackError{Message: fmt.Sprintf("cem: call with negative argument count %d", nargs)})
	}
	if nargs > st.depth {
		panic(&StackError{Message: fmt.Sprintf("cem: stack underflow: call requires %d arguments, stack holds %d", nargs, st.depth)})
	}
	if st.fp != 0 && st.indexOfAddr(st.fp) >= st.depth-nargs {
		panic(&StackError{Message: "cem: call arguments overlap an active frame"})
	}
	st.push(Value{})
	at := st.depth - 1 - nargs
	for i := st.depth - 1; i > at; i-- {
		*st.cellAtIndex(i) = *st.cellAtIndex(i - 1)
	}
	*st.cellAtIndex(at) = Value{kind: kindFrame, num: int64(st.fp)}
	st.fp = st.addrOfIndex(at)
}

// popFrame removes the innermost frame cell, splicing it out from beneath
// whatever the callee left on the stack, and restores the caller's frame.
func (st *Stack) popFrame() {
	if st.fp == 0 {
		panic(&StackError{Message: "cem: return without an active frame"})
	}
	at := st.indexOfAddr(st.fp)
	c := st.cellAtIndex(at)
	if c.kind != kindFrame {
		panic(&StackError{Message: fmt.Sprintf("cem: frame chain corrupt: %s cell at %#x", c.kind, uint64(st.fp))})
	}
	prev := Addr(uint64(c.num))
	for i := at; i < st.depth-1; i++ {
		*st.cellAtIndex(i) = *st.cellAtIndex(i + 1)
	}
	st.discardTop()
	st.fp = prev
}

// release drops every segment once the owning strand completes. The strand's
// result is captured before release; any later use is a lifecycle bug.
func (st *Stack) release() {
	st.released = true
	st.segs = nil
	st.active = 0
	st.fp = 0
	st.depth = 0
	st.capCells = 0
}
