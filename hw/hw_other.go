//go:build !linux

package hw

import "context"

type BAR struct{}

func MapBAR(path string) (*BAR, error)      { return nil, ErrUnsupported }
func ResourcePath(pciAddr string) string    { return "" }
func (b *BAR) Read32(off uint32) uint32     { return 0 }
func (b *BAR) Write32(off uint32, v uint32) {}
func (b *BAR) Read64(off uint32) uint64     { return 0 }
func (b *BAR) Write64(off uint32, v uint64) {}
func (b *BAR) Size() int                    { return 0 }
func (b *BAR) Close() error                 { return nil }

type HostAllocator struct{ HugePages bool }

func NewHostAllocator(hugePages bool) (*HostAllocator, error) { return nil, ErrUnsupported }
func (a *HostAllocator) PageSize() int                        { return 4096 }
func (a *HostAllocator) Alloc(size int) (*Region, error)      { return nil, ErrUnsupported }
func (a *HostAllocator) Free(r *Region) error                 { return ErrUnsupported }
func (a *HostAllocator) Close() error                         { return nil }

type EventfdInterrupts struct{}

func NewEventfdInterrupts(n int) (*EventfdInterrupts, error)            { return nil, ErrUnsupported }
func (e *EventfdInterrupts) Vectors() int                               { return 0 }
func (e *EventfdInterrupts) Fd(vector int) (int, error)                 { return -1, ErrUnsupported }
func (e *EventfdInterrupts) Signal(vector int) error                    { return ErrUnsupported }
func (e *EventfdInterrupts) Wait(ctx context.Context, vector int) error { return ErrUnsupported }
func (e *EventfdInterrupts) Close() error                               { return nil }

