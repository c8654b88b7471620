// Package batch correlates runs of command ids issued together with the
// completion of the whole run.
//
// The Manager is a single-producer/single-consumer ring of descriptors. The
// issuing goroutine appends command ids to the tail descriptor and fixes it
// once the run is complete; the completion goroutine attributes each
// completed id to its descriptor and pops descriptors from the head once
// they are fixed and fully completed.
package batch

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-unvme/internal/errs"
)

// Batch describes a finished batch, passed to the done callback
type Batch struct {
	Seq   uint64 // monotonically increasing batch number
	Start uint16 // first command id
	End   uint16 // last command id
	Total int
}

// Status is a point-in-time view of one ring entry
type Status struct {
	Batch
	Counter int
	Fixed   bool
	Done    bool
}

type descriptor struct {
	seq     atomic.Uint64
	start   atomic.Uint32
	end     atomic.Uint32
	total   atomic.Int32
	counter atomic.Int32
	fixed   atomic.Bool
	done    atomic.Bool

	// members has one bit per command id. Allocation is next-fit so a run is
	// usually contiguous, but ids still in flight from earlier commands are
	// skipped and must not be attributed to this batch.
	members []atomic.Uint64
}

func (d *descriptor) reset(seq uint64, cid uint16) {
	for i := range d.members {
		d.members[i].Store(0)
	}
	d.seq.Store(seq)
	d.start.Store(uint32(cid))
	d.end.Store(uint32(cid))
	d.total.Store(0)
	d.counter.Store(0)
	d.fixed.Store(false)
	d.done.Store(false)
}

func (d *descriptor) setMember(cid uint16) bool {
	w := &d.members[cid/64]
	bit := uint64(1) << (cid % 64)
	for {
		cur := w.Load()
		if cur&bit != 0 {
			return false
		}
		if w.CompareAndSwap(cur, cur|bit) {
			return true
		}
	}
}

// takeMember clears cid's bit and reports whether it was set
func (d *descriptor) takeMember(cid uint16) bool {
	w := &d.members[cid/64]
	bit := uint64(1) << (cid % 64)
	for {
		cur := w.Load()
		if cur&bit == 0 {
			return false
		}
		if w.CompareAndSwap(cur, cur&^bit) {
			return true
		}
	}
}

func (d *descriptor) batch() Batch {
	return Batch{
		Seq:   d.seq.Load(),
		Start: uint16(d.start.Load()),
		End:   uint16(d.end.Load()),
		Total: int(d.total.Load()),
	}
}

// Manager tracks outstanding batches for one queue
type Manager struct {
	ring  []descriptor
	size  uint32
	maxID int

	// head is written only by the consumer, tail only by the producer.
	// Both count monotonically; the slot is index % size.
	head atomic.Uint32
	tail atomic.Uint32

	nextSeq uint64 // producer only
	onDone  func(Batch)

	completed atomic.Uint64
	popped    atomic.Uint64
	misses    atomic.Uint64
}

// New returns a manager with room for capacity outstanding batches covering
// command ids 1..maxID. onDone, if not nil, is called exactly once per batch
// when it is both fixed and fully completed.
func New(capacity, maxID int, onDone func(Batch)) (*Manager, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("batch: invalid ring capacity %d", capacity)
	}
	if maxID < 1 || maxID > 0xFFFF {
		return nil, fmt.Errorf("batch: invalid id space %d", maxID)
	}
	m := &Manager{
		ring:   make([]descriptor, capacity),
		size:   uint32(capacity),
		maxID:  maxID,
		onDone: onDone,
	}
	words := (maxID + 1 + 63) / 64
	for i := range m.ring {
		m.ring[i].members = make([]atomic.Uint64, words)
	}
	return m, nil
}

// Capacity returns the ring size
func (m *Manager) Capacity() int {
	return int(m.size)
}

// Len returns the number of descriptors currently in the ring
func (m *Manager) Len() int {
	return int(m.tail.Load() - m.head.Load())
}

// Full reports whether opening another batch would fail. Only the consumer
// frees entries, so a false result stays valid for the producer.
func (m *Manager) Full() bool {
	return m.tail.Load()-m.head.Load() >= m.size
}

// AddToLastBatch extends the open tail batch with cid, opening a new batch
// when the ring is empty or the tail batch is fixed. A full ring returns an
// ErrCodeQueueFull error.
//
// Producer side only.
func (m *Manager) AddToLastBatch(cid uint16) error {
	if cid == 0 || int(cid) > m.maxID {
		return errs.New("BATCH_ADD", errs.ErrCodeInvalidParameters, fmt.Sprintf("command id %d outside batch id space", cid))
	}

	tail := m.tail.Load()
	head := m.head.Load()

	var d *descriptor
	if tail != head {
		last := &m.ring[(tail-1)%m.size]
		if !last.fixed.Load() {
			d = last
		}
	}

	if d == nil {
		if tail-head >= m.size {
			return errs.New("BATCH_ADD", errs.ErrCodeQueueFull, "batch ring full")
		}
		d = &m.ring[tail%m.size]
		m.nextSeq++
		d.reset(m.nextSeq, cid)
		m.tail.Store(tail + 1)
	}

	if !d.setMember(cid) {
		return errs.New("BATCH_ADD", errs.ErrCodeInvalidParameters, fmt.Sprintf("command id %d already in batch", cid))
	}
	d.end.Store(uint32(cid))
	d.total.Add(1)
	return nil
}

// FinishBatch fixes the tail batch so no further ids join it. It is a no-op
// when there is no open batch.
//
// Producer side only.
func (m *Manager) FinishBatch() {
	tail := m.tail.Load()
	if tail == m.head.Load() {
		return
	}
	d := &m.ring[(tail-1)%m.size]
	if d.fixed.Load() {
		return
	}
	d.fixed.Store(true)
	if d.counter.Load() == d.total.Load() {
		m.markDone(d)
	}
}

// Update attributes a completed command id to its batch. It scans every
// descriptor from head to tail, not only the head, so batches completing out
// of order are handled. A cid that belongs to no batch returns an
// ErrCodeBatchMiss error; that is a protocol violation distinct from a lost
// command.
//
// Consumer side only.
func (m *Manager) Update(cid uint16) error {
	if cid == 0 || int(cid) > m.maxID {
		m.misses.Add(1)
		return errs.New("BATCH_UPDATE", errs.ErrCodeBatchMiss, fmt.Sprintf("command id %d outside batch id space", cid))
	}

	head := m.head.Load()
	tail := m.tail.Load()

	found := false
	for i := head; i != tail; i++ {
		d := &m.ring[i%m.size]
		if !d.takeMember(cid) {
			continue
		}
		found = true
		c := d.counter.Add(1)
		total := d.total.Load()
		if c > total {
			return errs.New("BATCH_UPDATE", errs.ErrCodeBatchMiss,
				fmt.Sprintf("batch %d counter %d exceeds total %d", d.seq.Load(), c, total))
		}
		if c == total && d.fixed.Load() {
			m.markDone(d)
		}
		break
	}

	m.Reap()

	if !found {
		m.misses.Add(1)
		return errs.New("BATCH_UPDATE", errs.ErrCodeBatchMiss, fmt.Sprintf("command id %d not in any outstanding batch", cid))
	}
	return nil
}

// Reap pops completed batches off the head of the ring and returns how many
// were removed.
//
// Consumer side only.
func (m *Manager) Reap() int {
	n := 0
	head := m.head.Load()
	for head != m.tail.Load() {
		d := &m.ring[head%m.size]
		if !d.done.Load() {
			break
		}
		head++
		m.head.Store(head)
		m.popped.Add(1)
		n++
	}
	return n
}

func (m *Manager) markDone(d *descriptor) {
	if !d.done.CompareAndSwap(false, true) {
		return
	}
	m.completed.Add(1)
	if m.onDone != nil {
		m.onDone(d.batch())
	}
}

// Snapshot returns the descriptors between head and tail. Values are read
// without stopping either side, so they may be slightly stale.
func (m *Manager) Snapshot() []Status {
	head := m.head.Load()
	tail := m.tail.Load()
	out := make([]Status, 0, tail-head)
	for i := head; i != tail; i++ {
		d := &m.ring[i%m.size]
		out = append(out, Status{
			Batch:   d.batch(),
			Counter: int(d.counter.Load()),
			Fixed:   d.fixed.Load(),
			Done:    d.done.Load(),
		})
	}
	return out
}

// Completed returns the number of batches that have fired their done callback
func (m *Manager) Completed() uint64 { return m.completed.Load() }

// Popped returns the number of descriptors removed from the ring
func (m *Manager) Popped() uint64 { return m.popped.Load() }

// Misses returns the number of Update calls that found no batch
func (m *Manager) Misses() uint64 { return m.misses.Load() }
