// Package hw defines the platform collaborators the driver core needs: MMIO
// register access, DMA-able memory and interrupt vectors. Linux
// implementations map a PCI BAR from sysfs, pin anonymous memory and use
// eventfds as vectors; package emu provides a software controller that
// implements the same interfaces.
package hw

import (
	"context"
	"errors"
)

// Registers is raw access to the controller register file (BAR0)
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)
}

// Region is a DMA-able buffer. Virt is the CPU mapping, Phys the bus address
// of Virt[0]. Regions are physically contiguous.
type Region struct {
	Virt []byte
	Phys uint64
}

// Size returns the region length in bytes
func (r *Region) Size() int {
	return len(r.Virt)
}

// Slice returns a sub-region sharing memory with r
func (r *Region) Slice(off, n int) *Region {
	return &Region{Virt: r.Virt[off : off+n], Phys: r.Phys + uint64(off)}
}

// Zero clears the region
func (r *Region) Zero() {
	clear(r.Virt)
}

// Allocator hands out DMA-able regions
type Allocator interface {
	Alloc(size int) (*Region, error)
	Free(r *Region) error
	PageSize() int
}

// Interrupts is a set of interrupt vectors the controller signals
type Interrupts interface {
	// Vectors returns the number of vectors available
	Vectors() int
	// Wait blocks until vector fires or ctx is done
	Wait(ctx context.Context, vector int) error
}

var (
	// ErrUnsupported is returned by the host implementations on platforms
	// without them
	ErrUnsupported = errors.New("hw: not supported on this platform")
	// ErrBadVector is returned for a vector outside [0, Vectors())
	ErrBadVector = errors.New("hw: interrupt vector out of range")
	// ErrNotContiguous is returned when pinned memory is not physically contiguous
	ErrNotContiguous = errors.New("hw: allocation is not physically contiguous")
	// ErrNoTranslation is returned when the physical address of a page is unknown
	ErrNoTranslation = errors.New("hw: physical address unavailable (CAP_SYS_ADMIN required)")
)

// RoundUp rounds n up to a multiple of align, which must be a power of two
func RoundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
