//go:build linux

package hw

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapEntrySize = 8
	pagemapPresent   = 1 << 63
	pagemapPFNMask   = (1 << 55) - 1

	hugePageSize = 2 << 20
)

// HostAllocator pins anonymous memory and resolves its physical address
// through /proc/self/pagemap. Allocations larger than a page are backed by
// 2MiB huge pages when HugePages is set; otherwise they must happen to be
// physically contiguous or Alloc fails with ErrNotContiguous.
type HostAllocator struct {
	HugePages bool

	pagemap  *os.File
	pageSize int

	mu      sync.Mutex
	regions map[uintptr][]byte
}

// NewHostAllocator opens the pagemap of the calling process. Reading
// physical frame numbers requires CAP_SYS_ADMIN.
func NewHostAllocator(hugePages bool) (*HostAllocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	return &HostAllocator{
		HugePages: hugePages,
		pagemap:   f,
		pageSize:  unix.Getpagesize(),
		regions:   make(map[uintptr][]byte),
	}, nil
}

func (a *HostAllocator) PageSize() int {
	return a.pageSize
}

// Alloc returns a zeroed, locked, physically contiguous region of at least size bytes
func (a *HostAllocator) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hw: invalid allocation size %d", size)
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE | unix.MAP_LOCKED
	length := RoundUp(size, a.pageSize)
	if a.HugePages && length > a.pageSize {
		flags |= unix.MAP_HUGETLB
		length = RoundUp(size, hugePageSize)
	}

	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", length, err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("mlock: %w", err)
	}

	phys, err := a.translate(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	a.mu.Lock()
	a.regions[uintptr(unsafe.Pointer(&mem[0]))] = mem
	a.mu.Unlock()

	return &Region{Virt: mem[:size], Phys: phys}, nil
}

// translate returns the physical address of mem[0] and checks that every
// following page is physically adjacent
func (a *HostAllocator) translate(mem []byte) (uint64, error) {
	var first uint64
	for off := 0; off < len(mem); off += a.pageSize {
		// touch the page so it is present even without MAP_POPULATE
		mem[off] = 0
		pfn, err := a.frame(uintptr(unsafe.Pointer(&mem[off])))
		if err != nil {
			return 0, err
		}
		phys := pfn * uint64(a.pageSize)
		if off == 0 {
			first = phys
			continue
		}
		if phys != first+uint64(off) {
			return 0, ErrNotContiguous
		}
	}
	return first, nil
}

func (a *HostAllocator) frame(virt uintptr) (uint64, error) {
	var entry [pagemapEntrySize]byte
	idx := int64(virt) / int64(a.pageSize)
	if _, err := a.pagemap.ReadAt(entry[:], idx*pagemapEntrySize); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("page %#x not present: %w", virt, ErrNoTranslation)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, ErrNoTranslation
	}
	return pfn, nil
}

// Free unmaps a region returned by Alloc
func (a *HostAllocator) Free(r *Region) error {
	if r == nil || len(r.Virt) == 0 {
		return nil
	}
	key := uintptr(unsafe.Pointer(&r.Virt[0]))

	a.mu.Lock()
	mem, ok := a.regions[key]
	delete(a.regions, key)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("hw: free of unknown region %#x", r.Phys)
	}
	return unix.Munmap(mem)
}

// Close releases every outstanding region and the pagemap handle
func (a *HostAllocator) Close() error {
	a.mu.Lock()
	for k, mem := range a.regions {
		unix.Munmap(mem)
		delete(a.regions, k)
	}
	a.mu.Unlock()
	return a.pagemap.Close()
}
