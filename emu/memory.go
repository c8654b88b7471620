package emu

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-unvme/hw"
)

// physBase is the first bus address handed out. Zero is never a valid
// address so an unprogrammed queue base is caught.
const physBase = 0x1000_0000

type block struct {
	virt []byte
	phys uint64
}

// memory is the emulated host memory the controller can DMA into. Every
// page of every live allocation is indexed by frame number.
type memory struct {
	pageSize int

	mu     sync.RWMutex
	next   uint64
	frames map[uint64]*block
	live   map[uint64]*block
}

func newMemory(pageSize int) *memory {
	return &memory{
		pageSize: pageSize,
		next:     physBase,
		frames:   make(map[uint64]*block),
		live:     make(map[uint64]*block),
	}
}

func (m *memory) alloc(size int) (*hw.Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("emu: invalid allocation size %d", size)
	}
	length := hw.RoundUp(size, m.pageSize)
	b := &block{virt: make([]byte, length)}

	m.mu.Lock()
	b.phys = m.next
	// leave an unmapped guard page between allocations
	m.next += uint64(length + m.pageSize)
	for off := 0; off < length; off += m.pageSize {
		m.frames[(b.phys+uint64(off))/uint64(m.pageSize)] = b
	}
	m.live[b.phys] = b
	m.mu.Unlock()

	return &hw.Region{Virt: b.virt[:size], Phys: b.phys}, nil
}

func (m *memory) free(r *hw.Region) error {
	if r == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.live[r.Phys]
	if !ok {
		return fmt.Errorf("emu: free of unknown region %#x", r.Phys)
	}
	delete(m.live, r.Phys)
	for off := 0; off < len(b.virt); off += m.pageSize {
		delete(m.frames, (b.phys+uint64(off))/uint64(m.pageSize))
	}
	return nil
}

// slice returns the n bytes of host memory at phys. The range must lie
// inside one allocation.
func (m *memory) slice(phys uint64, n int) ([]byte, bool) {
	m.mu.RLock()
	b, ok := m.frames[phys/uint64(m.pageSize)]
	m.mu.RUnlock()
	if !ok || n < 0 {
		return nil, false
	}
	off := phys - b.phys
	if off+uint64(n) > uint64(len(b.virt)) {
		return nil, false
	}
	return b.virt[off : off+uint64(n)], true
}

func (m *memory) allocations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Alloc hands out emulated DMA memory. Regions are page aligned in the
// emulated bus address space.
func (c *Controller) Alloc(size int) (*hw.Region, error) {
	return c.mem.alloc(size)
}

// Free returns a region obtained from Alloc
func (c *Controller) Free(r *hw.Region) error {
	return c.mem.free(r)
}

// PageSize returns the host memory page size the controller expects in CC.MPS
func (c *Controller) PageSize() int {
	return c.mem.pageSize
}

// Allocations returns the number of live regions, for leak checks
func (c *Controller) Allocations() int {
	return c.mem.allocations()
}

var _ hw.Allocator = (*Controller)(nil)
