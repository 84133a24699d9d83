package cem

// IOEvents is a bitmask of I/O readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is readable.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed the connection.
	EventHangup
)

// Event is a single readiness notification from a [Backend].
type Event struct {
	FD    int
	Tag   uint64
	Ready IOEvents
}

// Backend is the platform readiness notification surface used by the
// scheduler: epoll on Linux, kqueue on Darwin. Registrations are one-shot
// and edge-triggered: a descriptor delivers at most one event and is then
// disarmed until registered again. A backend serves a single runtime and is
// not safe for concurrent use, except [Backend.Wake], which may be called
// from any goroutine to interrupt a blocking Wait.
type Backend interface {
	// Register arms fd for the given interest set. The tag is returned
	// verbatim with the readiness event. Registering an fd that is already
	// armed fails with ErrFDAlreadyRegistered.
	Register(fd int, interest IOEvents, tag uint64) error
	// Unregister disarms fd. Disarming an fd that is not armed fails with
	// ErrFDNotRegistered.
	Unregister(fd int) error
	// Wait fills events with pending readiness and returns the count.
	// timeoutMs of 0 polls without blocking, negative blocks indefinitely.
	// Internal wake notifications are consumed and never surfaced.
	Wait(events []Event, timeoutMs int) (int, error)
	// Wake interrupts a concurrent Wait, causing it to return early.
	Wake() error
	// Close releases the backend. Further calls fail with ErrBackendClosed.
	Close() error
}

const (
	// maxPollEvents bounds a single Wait batch. Readiness beyond the batch
	// is retained by the kernel and delivered on the next Wait.
	maxPollEvents = 32
	// maxFDLimit bounds the descriptor-indexed registration table.
	maxFDLimit = 1 << 20
)

type fdTag struct {
	tag      uint64
	interest IOEvents
	active   bool
}

// fdTags is a descriptor-indexed registration table, grown on demand.
type fdTags struct {
	tags []fdTag
}

func (t *fdTags) ensure(fd int) {
	if fd < len(t.tags) {
		return
	}
	next := make([]fdTag, fd*2+1)
	copy(next, t.tags)
	t.tags = next
}

func (t *fdTags) active(fd int) bool {
	return fd < len(t.tags) && t.tags[fd].active
}

func (t *fdTags) set(fd int, tag uint64, interest IOEvents) {
	t.ensure(fd)
	t.tags[fd] = fdTag{tag: tag, interest: interest, active: true}
}

func (t *fdTags) get(fd int) (fdTag, bool) {
	if fd >= len(t.tags) || !t.tags[fd].active {
		return fdTag{}, false
	}
	return t.tags[fd], true
}

func (t *fdTags) clear(fd int) bool {
	if fd >= len(t.tags) || !t.tags[fd].active {
		return false
	}
	t.tags[fd] = fdTag{}
	return true
}
