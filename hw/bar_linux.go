//go:build linux

package hw

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BAR is a memory mapped PCI base address register. Every access is a single
// aligned 32-bit load or store; 64-bit registers are accessed low dword first.
type BAR struct {
	mem  []byte
	path string
}

// MapBAR maps a sysfs PCI resource file, typically
// /sys/bus/pci/devices/<addr>/resource0. The device must be unbound from the
// kernel nvme driver (for example bound to vfio-pci or uio_pci_generic) and
// bus mastering enabled.
func MapBAR(path string) (*BAR, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := int(st.Size())
	if size < 0x2000 {
		return nil, fmt.Errorf("%s: BAR too small (%d bytes)", path, size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &BAR{mem: mem, path: path}, nil
}

// ResourcePath returns the BAR0 resource file of a PCI address such as
// "0000:01:00.0"
func ResourcePath(pciAddr string) string {
	return filepath.Join("/sys/bus/pci/devices", pciAddr, "resource0")
}

func (b *BAR) word(off uint32) *uint32 {
	if int(off)+4 > len(b.mem) || off&3 != 0 {
		panic(fmt.Sprintf("hw: register offset %#x outside %s", off, b.path))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *BAR) Read32(off uint32) uint32 {
	return atomic.LoadUint32(b.word(off))
}

func (b *BAR) Write32(off uint32, v uint32) {
	atomic.StoreUint32(b.word(off), v)
}

func (b *BAR) Read64(off uint32) uint64 {
	lo := atomic.LoadUint32(b.word(off))
	hi := atomic.LoadUint32(b.word(off + 4))
	return uint64(hi)<<32 | uint64(lo)
}

func (b *BAR) Write64(off uint32, v uint64) {
	atomic.StoreUint32(b.word(off), uint32(v))
	atomic.StoreUint32(b.word(off+4), uint32(v>>32))
}

// Size returns the mapped length
func (b *BAR) Size() int {
	return len(b.mem)
}

// Close unmaps the BAR
func (b *BAR) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
