//go:build linux

package cem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollBackend implements Backend over epoll. Registrations are armed with
// EPOLLONESHOT|EPOLLET so a descriptor fires at most once per Register.
type epollBackend struct {
	epfd     int
	wakeR    int
	wakeW    int
	eventBuf [maxPollEvents]unix.EpollEvent
	fds      fdTags
	closed   atomic.Bool
}

// NewBackend returns the event backend for this platform.
func NewBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("cem: epoll_create1: %w", err)
	}
	wakeR, wakeW, err := createWakeFD()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	// The wake descriptor stays level-triggered and persistent; Wait drains
	// and suppresses it.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeR, &ev); err != nil {
		_ = unix.Close(epfd)
		closeWakeFD(wakeR, wakeW)
		return nil, fmt.Errorf("cem: epoll_ctl wake: %w", err)
	}
	return &epollBackend{epfd: epfd, wakeR: wakeR, wakeW: wakeW}, nil
}

func (b *epollBackend) Register(fd int, interest IOEvents, tag uint64) error {
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
	ev := unix.EpollEvent{
		Events: eventsToEpoll(interest) | unix.EPOLLONESHOT | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		b.fds.clear(fd)
		return fmt.Errorf("cem: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Unregister(fd int) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return fmt.Errorf("%w: %d", ErrFDOutOfRange, fd)
	}
	if !b.fds.clear(fd) {
		return fmt.Errorf("%w: %d", ErrFDNotRegistered, fd)
	}
	// One-shot disarms but does not remove, so the descriptor is usually
	// still in the set. ENOENT just means it already left.
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("cem: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Wait(events []Event, timeoutMs int) (int, error) {
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
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:limit], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("cem: epoll_wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := &b.eventBuf[i]
		fd := int(ev.Fd)
		if fd == b.wakeR {
			drainWakeFD(b.wakeR)
			continue
		}
		info, ok := b.fds.get(fd)
		if !ok {
			// Disarmed between kernel queueing and delivery.
			continue
		}
		events[out] = Event{FD: fd, Tag: info.tag, Ready: epollToEvents(ev.Events)}
		out++
	}
	return out, nil
}

func (b *epollBackend) Wake() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return submitWakeFD(b.wakeW)
}

func (b *epollBackend) Close() error {
	if b.closed.Swap(true) {
		return ErrBackendClosed
	}
	err := unix.Close(b.epfd)
	closeWakeFD(b.wakeR, b.wakeW)
	if err != nil {
		return fmt.Errorf("cem: close epoll: %w", err)
	}
	return nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	return ep
}

func epollToEvents(ep uint32) IOEvents {
	var events IOEvents
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ep&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ep&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
