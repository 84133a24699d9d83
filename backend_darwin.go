//go:build darwin

package cem

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend implements Backend over kqueue. Registrations are armed with
// EV_ONESHOT|EV_CLEAR so a descriptor fires at most once per Register.
type kqueueBackend struct {
	kq       int
	wakeR    int
	wakeW    int
	eventBuf [maxPollEvents]unix.Kevent_t
	fds      fdTags
	closed   atomic.Bool
}

// NewBackend returns the event backend for this platform.
func NewBackend() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("cem: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	wakeR, wakeW, err := createWakeFD()
	if err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	// The wake descriptor stays persistent; Wait drains and suppresses it.
	wake := []unix.Kevent_t{{
		Ident:  uint64(wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}}
	if _, err := unix.Kevent(kq, wake, nil, nil); err != nil {
		_ = unix.Close(kq)
		closeWakeFD(wakeR, wakeW)
		return nil, fmt.Errorf("cem: kevent wake: %w", err)
	}
	return &kqueueBackend{kq: kq, wakeR: wakeR, wakeW: wakeW}, nil
}

func (b *kqueueBackend) Register(fd int, interest IOEvents, tag uint64) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return fmt.Errorf("%w: %d", ErrFDOutOfRange, fd)
	}
	if b.fds.active(fd) {
		return fmt.Errorf("%w: %d", ErrFDAlreadyRegistered, fd)
	}
	b.fds.set(fd, tag, interest)
	changes := eventsToKevents(fd, interest, unix.EV_ADD|unix.EV_ONESHOT|unix.EV_CLEAR)
	if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
		b.fds.clear(fd)
		return fmt.Errorf("cem: kevent add fd %d: %w", fd, err)
	}
	return nil
}

func (b *kqueueBackend) Unregister(fd int) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return fmt.Errorf("%w: %d", ErrFDOutOfRange, fd)
	}
	info, ok := b.fds.get(fd)
	if !ok {
		return fmt.Errorf("%w: %d", ErrFDNotRegistered, fd)
	}
	b.fds.clear(fd)
	// One-shot filters self-delete on delivery, so ENOENT is expected when
	// the event already fired. Filters are removed one at a time so one
	// stale filter does not mask the other.
	changes := eventsToKevents(fd, info.interest, unix.EV_DELETE)
	for i := range changes {
		if _, err := unix.Kevent(b.kq, changes[i:i+1], nil, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("cem: kevent delete fd %d: %w", fd, err)
		}
	}
	return nil
}

func (b *kqueueBackend) Wait(events []Event, timeoutMs int) (int, error) {
	if b.closed.Load() {
		return 0, ErrBackendClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	limit := len(b.eventBuf)
	if len(events) < limit {
		limit = len(events)
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, b.eventBuf[:limit], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("cem: kevent wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		kev := &b.eventBuf[i]
		fd := int(kev.Ident)
		if fd == b.wakeR {
			drainWakeFD(b.wakeR)
			continue
		}
		info, ok := b.fds.get(fd)
		if !ok {
			// Disarmed between kernel queueing and delivery.
			continue
		}
		events[out] = Event{FD: fd, Tag: info.tag, Ready: keventToEvents(kev)}
		out++
	}
	return out, nil
}

func (b *kqueueBackend) Wake() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return submitWakeFD(b.wakeW)
}

func (b *kqueueBackend) Close() error {
	if b.closed.Swap(true) {
		return ErrBackendClosed
	}
	err := unix.Close(b.kq)
	closeWakeFD(b.wakeR, b.wakeW)
	if err != nil {
		return fmt.Errorf("cem: close kqueue: %w", err)
	}
	return nil
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
