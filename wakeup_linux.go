//go:build linux

package cem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// createWakeFD returns an eventfd serving as both sides of the wake channel.
func createWakeFD() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, fmt.Errorf("cem: eventfd: %w", err)
	}
	return fd, fd, nil
}

func submitWakeFD(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Counter saturated, so a wake is already pending.
			return nil
		default:
			return fmt.Errorf("cem: eventfd write: %w", err)
		}
	}
}

func drainWakeFD(fd int) {
	var buf [8]byte
	for {
		if n, err := unix.Read(fd, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func closeWakeFD(readFD, writeFD int) {
	_ = unix.Close(readFD)
}
