//go:build darwin

package cem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// createWakeFD returns a non-blocking pipe: the read side is registered with
// the backend, the write side wakes it.
func createWakeFD() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, fmt.Errorf("cem: pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return -1, -1, fmt.Errorf("cem: set nonblock: %w", err)
		}
	}
	return fds[0], fds[1], nil
}

func submitWakeFD(fd int) error {
	buf := [1]byte{1}
	for {
		_, err := unix.Write(fd, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Pipe full, so a wake is already pending.
			return nil
		default:
			return fmt.Errorf("cem: wake pipe write: %w", err)
		}
	}
}

func drainWakeFD(fd int) {
	var buf [64]byte
	for {
		if n, err := unix.Read(fd, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func closeWakeFD(readFD, writeFD int) {
	_ = unix.Close(readFD)
	_ = unix.Close(writeFD)
}
