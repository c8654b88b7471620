package emu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-unvme/hw"
)

// ErrStopped is returned by Wait once the controller is closed
var ErrStopped = errors.New("emu: controller closed")

// vectors are edge triggered: any number of signals before a Wait coalesce
// into one wakeup, like an eventfd
type vectors struct {
	ch        []chan struct{}
	signalled atomic.Uint64
}

func newVectors(n int) *vectors {
	v := &vectors{ch: make([]chan struct{}, n)}
	for i := range v.ch {
		v.ch[i] = make(chan struct{}, 1)
	}
	return v
}

func (v *vectors) signal(vector int) {
	if vector < 0 || vector >= len(v.ch) {
		return
	}
	v.signalled.Add(1)
	select {
	case v.ch[vector] <- struct{}{}:
	default:
	}
}

// Vectors returns the number of interrupt vectors
func (c *Controller) Vectors() int {
	return len(c.intr.ch)
}

// Wait blocks until vector is signalled, ctx is done or the controller is
// closed
func (c *Controller) Wait(ctx context.Context, vector int) error {
	if vector < 0 || vector >= len(c.intr.ch) {
		return fmt.Errorf("%w: %d", hw.ErrBadVector, vector)
	}
	select {
	case <-c.intr.ch[vector]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

// Signal raises a vector from outside the device, as a spurious interrupt
func (c *Controller) Signal(vector int) error {
	if vector < 0 || vector >= len(c.intr.ch) {
		return fmt.Errorf("%w: %d", hw.ErrBadVector, vector)
	}
	c.intr.signal(vector)
	return nil
}

var _ hw.Interrupts = (*Controller)(nil)
