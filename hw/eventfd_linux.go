//go:build linux

package hw

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long Wait sleeps in poll(2) before rechecking ctx
const pollInterval = 50 // milliseconds

// EventfdInterrupts backs each vector with an eventfd. The fds are handed to
// VFIO (VFIO_DEVICE_SET_IRQS) or signalled directly with Signal.
type EventfdInterrupts struct {
	fds []int
}

// NewEventfdInterrupts creates n vectors
func NewEventfdInterrupts(n int) (*EventfdInterrupts, error) {
	if n <= 0 {
		return nil, fmt.Errorf("hw: need at least one vector, got %d", n)
	}
	e := &EventfdInterrupts{fds: make([]int, 0, n)}
	for i := 0; i < n; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("eventfd: %w", err)
		}
		e.fds = append(e.fds, fd)
	}
	return e, nil
}

func (e *EventfdInterrupts) Vectors() int {
	return len(e.fds)
}

// Fd returns the eventfd behind a vector
func (e *EventfdInterrupts) Fd(vector int) (int, error) {
	if vector < 0 || vector >= len(e.fds) {
		return -1, ErrBadVector
	}
	return e.fds[vector], nil
}

// Signal raises a vector
func (e *EventfdInterrupts) Signal(vector int) error {
	fd, err := e.Fd(vector)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err = unix.Write(fd, buf[:])
	return err
}

// Wait blocks until the vector's eventfd is readable, consuming every pending
// signal, or until ctx is done
func (e *EventfdInterrupts) Wait(ctx context.Context, vector int) error {
	fd, err := e.Fd(vector)
	if err != nil {
		return err
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	var buf [8]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll vector %d: %w", vector, err)
		}
		if n == 0 {
			continue
		}
		_, err = unix.Read(fd, buf[:])
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		return err
	}
}

// Close closes every eventfd
func (e *EventfdInterrupts) Close() error {
	var first error
	for _, fd := range e.fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}
	e.fds = nil
	return first
}
