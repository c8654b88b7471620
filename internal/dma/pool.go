// Package dma keeps pinned data buffers around between commands.
//
// Pinned memory is expensive to map and translate, so buffers are pooled in
// power-of-2 size buckets (4KB up to 1MB). Unlike sync.Pool the free lists are
// never dropped by the garbage collector: a region handed out by the
// allocator must be freed explicitly, which Close does.
package dma

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-unvme/hw"
)

// Bucket sizes
const (
	size4k   = 4 * 1024
	size64k  = 64 * 1024
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024

	// MaxBufferSize is the largest pooled buffer
	MaxBufferSize = size1m
)

var bucketSizes = [...]int{size4k, size64k, size128k, size256k, size512k, size1m}

// Pool hands out DMA regions from size buckets
type Pool struct {
	alloc hw.Allocator
	limit int // cached regions per bucket

	mu     sync.Mutex
	free   [len(bucketSizes)][]*hw.Region
	out    map[*hw.Region]int // region -> bucket
	allocs uint64
	reuses uint64
	closed bool
}

// NewPool returns a pool caching at most perBucket idle regions per size
func NewPool(alloc hw.Allocator, perBucket int) *Pool {
	if perBucket <= 0 {
		perBucket = 8
	}
	return &Pool{alloc: alloc, limit: perBucket, out: make(map[*hw.Region]int)}
}

func bucketFor(size int) int {
	for i, s := range bucketSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Get returns a zeroed region of at least size bytes. Return it with Put.
func (p *Pool) Get(size int) (*hw.Region, error) {
	b := bucketFor(size)
	if size <= 0 || b < 0 {
		return nil, fmt.Errorf("dma: buffer size %d outside (0, %d]", size, MaxBufferSize)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("dma: pool closed")
	}
	if n := len(p.free[b]); n > 0 {
		r := p.free[b][n-1]
		p.free[b] = p.free[b][:n-1]
		p.out[r] = b
		p.reuses++
		p.mu.Unlock()
		r.Zero()
		return r, nil
	}
	p.allocs++
	p.mu.Unlock()

	r, err := p.alloc.Alloc(bucketSizes[b])
	if err != nil {
		return nil, fmt.Errorf("dma: allocate %d bytes: %w", bucketSizes[b], err)
	}
	p.mu.Lock()
	p.out[r] = b
	p.mu.Unlock()
	return r, nil
}

// Put returns a region obtained from Get. Regions the pool did not hand out
// are rejected.
func (p *Pool) Put(r *hw.Region) error {
	p.mu.Lock()
	b, ok := p.out[r]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("dma: region %#x not from this pool", r.Phys)
	}
	delete(p.out, r)
	if !p.closed && len(p.free[b]) < p.limit {
		p.free[b] = append(p.free[b], r)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.alloc.Free(r)
}

// Stats returns how many regions were freshly allocated and how many Gets
// were served from a free list
func (p *Pool) Stats() (allocs, reuses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.reuses
}

// Close frees every idle region. Regions still handed out are freed when
// they are Put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []*hw.Region
	for i := range p.free {
		idle = append(idle, p.free[i]...)
		p.free[i] = nil
	}
	p.mu.Unlock()

	var first error
	for _, r := range idle {
		if err := p.alloc.Free(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
