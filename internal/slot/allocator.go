// Package slot hands out NVMe command identifiers.
//
// The allocator is a bitmap of N+1 bits. Bit 0 is never handed out so that
// command id 0 can mean "no command". Allocation is next-fit from a rotating
// cursor, which keeps recently completed ids out of circulation for as long
// as possible and makes stale completions easier to spot.
package slot

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

var (
	// ErrNotAllocated is returned when releasing an id that is not in use
	ErrNotAllocated = errors.New("slot: release of a free command id")
	// ErrOutOfRange is returned for ids outside [1, N]
	ErrOutOfRange = errors.New("slot: command id out of range")
)

// MaxSlots is the largest usable capacity; command ids are 16 bits
const MaxSlots = 0xFFFF

// Allocator is a lock-free command id bitmap. Allocate and Release may be
// called from any number of goroutines.
type Allocator struct {
	words  []atomic.Uint64
	valid  []uint64 // per word mask of ids 1..n
	n      int
	cursor atomic.Uint32
	inUse  atomic.Int32
}

// New returns an allocator handing out ids 1..n
func New(n int) (*Allocator, error) {
	if n < 1 || n > MaxSlots {
		return nil, fmt.Errorf("slot: capacity %d outside [1, %d]", n, MaxSlots)
	}
	nwords := (n + 1 + 63) / 64
	a := &Allocator{
		words: make([]atomic.Uint64, nwords),
		valid: make([]uint64, nwords),
		n:     n,
	}
	for id := 1; id <= n; id++ {
		a.valid[id/64] |= 1 << (id % 64)
	}
	a.cursor.Store(1)
	return a, nil
}

// Capacity returns N, the number of usable ids
func (a *Allocator) Capacity() int {
	return a.n
}

// InUse returns the number of ids currently allocated
func (a *Allocator) InUse() int {
	return int(a.inUse.Load())
}

// Allocate claims a free id. It returns false when every id is in use; that
// is backpressure, not an error.
func (a *Allocator) Allocate() (uint16, bool) {
	start := int(a.cursor.Load())
	startWord, startBit := start/64, uint(start%64)
	nwords := len(a.words)

	// One lap over every word starting at the cursor, then the low bits of
	// the starting word that the first step skipped.
	for i := 0; i <= nwords; i++ {
		wi := (startWord + i) % nwords
		mask := a.valid[wi]
		switch i {
		case 0:
			mask &= ^uint64(0) << startBit
		case nwords:
			mask &= (uint64(1) << startBit) - 1
		}
		if mask == 0 {
			continue
		}

		for {
			cur := a.words[wi].Load()
			free := ^cur & mask
			if free == 0 {
				break
			}
			bit := bits.TrailingZeros64(free)
			if a.words[wi].CompareAndSwap(cur, cur|uint64(1)<<bit) {
				id := wi*64 + bit
				next := id + 1
				if next > a.n {
					next = 1
				}
				a.cursor.Store(uint32(next))
				a.inUse.Add(1)
				return uint16(id), true
			}
		}
	}
	return 0, false
}

// Release returns id to the free set. Releasing a free id is reported rather
// than ignored because it means a completion was attributed twice.
func (a *Allocator) Release(id uint16) error {
	if id == 0 || int(id) > a.n {
		return fmt.Errorf("%w: %d", ErrOutOfRange, id)
	}
	w := &a.words[id/64]
	bit := uint64(1) << (id % 64)
	for {
		cur := w.Load()
		if cur&bit == 0 {
			return fmt.Errorf("%w: %d", ErrNotAllocated, id)
		}
		if w.CompareAndSwap(cur, cur&^bit) {
			a.inUse.Add(-1)
			return nil
		}
	}
}

// IsAllocated reports whether id is currently in use
func (a *Allocator) IsAllocated(id uint16) bool {
	if id == 0 || int(id) > a.n {
		return false
	}
	return a.words[id/64].Load()&(uint64(1)<<(id%64)) != 0
}
