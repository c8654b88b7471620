package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
	"github.com/ehrlich-b/go-unvme/internal/slot"
)

// Pending is what the pair remembers about an outstanding command
type Pending struct {
	Opcode   uint8
	Bytes    int
	Batched  bool
	Issued   time.Time
	Callback Callback

	seq    uint64 // submission number, see Pair.Fetched
	missed int    // drains survived after the controller fetched it
	lost   bool   // declared lost; the cid waits for a late completion
}

// PairConfig describes one submission/completion queue pair
type PairConfig struct {
	QID    uint16
	Depth  int // queue_items, entries in each ring
	Vector int
	DSTRD  uint8
	Regs   hw.Registers
	Alloc  hw.Allocator
}

// Pair owns a submission ring and a completion ring in DMA memory and
// implements the phase tag protocol over them.
//
// sqTail is owned by the single submitting goroutine; cqHead and cqPhase by
// the single completion goroutine. The command id allocator and the
// registry of outstanding commands are shared between the two.
type Pair struct {
	qid    uint16
	depth  int
	vector int
	regs   hw.Registers
	alloc  hw.Allocator

	sq   *hw.Region
	cq   *hw.Region
	sqDB uint32
	cqDB uint32

	sqTail  uint16
	cqHead  uint16
	cqPhase bool
	sqHead  atomic.Uint32

	// submitted counts entries handed out (submitting goroutine); fetched
	// counts entries the controller reported consumed through sq_head
	// (completion goroutine). seqs[cid] is the submission number of cid.
	submitted uint64
	fetched   uint64
	lastHead  uint16
	seqs      []uint64

	slots *slot.Allocator

	mu       sync.Mutex
	registry []Pending
	tracked  []bool
}

// NewPair allocates and zeroes both rings. No controller state is touched;
// the caller creates the queues (admin registers or create-queue commands).
func NewPair(cfg PairConfig) (*Pair, error) {
	if cfg.Depth < 2 {
		return nil, errs.New("NEW_QUEUE", errs.ErrCodeInvalidParameters, fmt.Sprintf("queue depth %d below 2", cfg.Depth))
	}
	if cfg.Regs == nil || cfg.Alloc == nil {
		return nil, errs.New("NEW_QUEUE", errs.ErrCodeInvalidParameters, "registers and allocator are required")
	}

	// one entry is always left empty so a full ring is distinguishable from
	// an empty one
	slots, err := slot.New(cfg.Depth - 1)
	if err != nil {
		return nil, errs.Wrap("NEW_QUEUE", errs.ErrCodeInvalidParameters, err)
	}

	sq, err := cfg.Alloc.Alloc(cfg.Depth * nvme.SubmissionEntrySize)
	if err != nil {
		return nil, fmt.Errorf("allocate SQ %d: %w", cfg.QID, err)
	}
	cq, err := cfg.Alloc.Alloc(cfg.Depth * nvme.CompletionEntrySize)
	if err != nil {
		cfg.Alloc.Free(sq)
		return nil, fmt.Errorf("allocate CQ %d: %w", cfg.QID, err)
	}
	sq.Zero()
	cq.Zero()

	return &Pair{
		qid:      cfg.QID,
		depth:    cfg.Depth,
		vector:   cfg.Vector,
		regs:     cfg.Regs,
		alloc:    cfg.Alloc,
		sq:       sq,
		cq:       cq,
		sqDB:     nvme.DoorbellOffset(cfg.QID, false, cfg.DSTRD),
		cqDB:     nvme.DoorbellOffset(cfg.QID, true, cfg.DSTRD),
		cqPhase:  true,
		slots:    slots,
		registry: make([]Pending, cfg.Depth),
		tracked:  make([]bool, cfg.Depth),
		seqs:     make([]uint64, cfg.Depth),
	}, nil
}

func (p *Pair) QID() uint16 { return p.qid }

// Depth returns queue_items
func (p *Pair) Depth() int { return p.depth }

func (p *Pair) Vector() int { return p.vector }

// SQAddr and CQAddr return the ring bus addresses for queue creation
func (p *Pair) SQAddr() uint64 { return p.sq.Phys }
func (p *Pair) CQAddr() uint64 { return p.cq.Phys }

// Capacity returns the number of commands that can be outstanding at once
func (p *Pair) Capacity() int { return p.slots.Capacity() }

// Outstanding returns the number of allocated command ids
func (p *Pair) Outstanding() int { return p.slots.InUse() }

// SQTail returns the producer index. Submitting goroutine only.
func (p *Pair) SQTail() uint16 { return p.sqTail }

// CQHead returns the consumer index and phase. Completion goroutine only.
func (p *Pair) CQHead() (uint16, bool) { return p.cqHead, p.cqPhase }

// SQHead returns the controller's SQ head as last reported in a completion
func (p *Pair) SQHead() uint16 { return uint16(p.sqHead.Load()) }

// NextSubmissionSlot allocates a command id and returns the 64-byte ring slot
// at sq_tail for the caller to fill, advancing sq_tail. When every command id
// is in use it returns an ErrCodeQueueFull error; the caller should retry
// after completions drain.
func (p *Pair) NextSubmissionSlot() (uint16, []byte, error) {
	cid, ok := p.slots.Allocate()
	if !ok {
		return 0, nil, errs.NewQueueError("SUBMIT", p.qid, 0, errs.ErrCodeQueueFull, "")
	}
	off := int(p.sqTail) * nvme.SubmissionEntrySize
	entry := p.sq.Virt[off : off+nvme.SubmissionEntrySize]
	p.seqs[cid] = p.submitted
	p.submitted++
	p.sqTail++
	if int(p.sqTail) == p.depth {
		p.sqTail = 0
	}
	return cid, entry, nil
}

// RingSubmissionDoorbell publishes sq_tail. Every entry handed out by
// NextSubmissionSlot must be fully written first.
func (p *Pair) RingSubmissionDoorbell() {
	hw.Sfence()
	p.regs.Write32(p.sqDB, uint32(p.sqTail))
}

// NextCompletion returns the entry at cq_head if its phase tag matches the
// expected phase, advancing cq_head and flipping the phase on wrap.
func (p *Pair) NextCompletion() (nvme.Completion, bool) {
	off := int(p.cqHead) * nvme.CompletionEntrySize
	entry := p.cq.Virt[off : off+nvme.CompletionEntrySize]
	if nvme.PhaseAt(entry) != p.cqPhase {
		return nvme.Completion{}, false
	}
	hw.Mfence()
	c, _ := nvme.DecodeCompletion(entry)

	p.cqHead++
	if int(p.cqHead) == p.depth {
		p.cqHead = 0
		p.cqPhase = !p.cqPhase
	}
	// at most depth-1 entries are outstanding, so the head never laps
	if int(c.SQHead) < p.depth {
		p.fetched += uint64((int(c.SQHead) - int(p.lastHead) + p.depth) % p.depth)
		p.lastHead = c.SQHead
	}
	p.sqHead.Store(uint32(c.SQHead))
	return c, true
}

// Fetched returns how many submitted entries the controller has consumed
// according to the sq_head of the completions seen so far. Completion
// goroutine only.
func (p *Pair) Fetched() uint64 { return p.fetched }

// HasCompletion reports whether the entry at cq_head is new without
// consuming it
func (p *Pair) HasCompletion() bool {
	off := int(p.cqHead) * nvme.CompletionEntrySize
	return nvme.PhaseAt(p.cq.Virt[off:off+nvme.CompletionEntrySize]) == p.cqPhase
}

// RingCompletionDoorbell publishes cq_head. Ring once per drain, not once
// per entry.
func (p *Pair) RingCompletionDoorbell() {
	p.regs.Write32(p.cqDB, uint32(p.cqHead))
}

// Track records an outstanding command under cid
func (p *Pair) Track(cid uint16, pend Pending) {
	pend.seq = p.seqs[cid]
	pend.missed = 0
	pend.lost = false
	p.mu.Lock()
	p.registry[cid] = pend
	p.tracked[cid] = true
	p.mu.Unlock()
}

// Take removes and returns the record for cid. It returns false when cid is
// not outstanding, which is a correlation failure.
func (p *Pair) Take(cid uint16) (Pending, bool) {
	if int(cid) >= len(p.registry) || !p.slots.IsAllocated(cid) {
		return Pending{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tracked[cid] {
		return Pending{}, false
	}
	pend := p.registry[cid]
	p.registry[cid] = Pending{}
	p.tracked[cid] = false
	return pend, true
}

// ExpireFetched is called once per drain that consumed completions. Every
// tracked command the controller has fetched but not completed gets one
// more miss; commands reaching limit are marked lost and returned. They stay
// tracked and keep their cid, so a late completion is still recognized and
// cannot be credited to a newer command.
func (p *Pair) ExpireFetched(limit int) map[uint16]Pending {
	var out map[uint16]Pending
	p.mu.Lock()
	defer p.mu.Unlock()
	for cid, ok := range p.tracked {
		pend := &p.registry[cid]
		if !ok || pend.lost || pend.seq >= p.fetched {
			continue
		}
		pend.missed++
		if pend.missed < limit {
			continue
		}
		pend.lost = true
		if out == nil {
			out = make(map[uint16]Pending)
		}
		out[uint16(cid)] = *pend
	}
	return out
}

// Release returns cid to the allocator
func (p *Pair) Release(cid uint16) error {
	if err := p.slots.Release(cid); err != nil {
		return errs.NewQueueError("RELEASE", p.qid, cid, errs.ErrCodeLostCommand, err.Error())
	}
	return nil
}

// Drop forgets every tracked command, returning their records. Used when the
// queue is torn down with commands still outstanding.
func (p *Pair) Drop() map[uint16]Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint16]Pending)
	for cid, ok := range p.tracked {
		if !ok {
			continue
		}
		out[uint16(cid)] = p.registry[cid]
		p.registry[cid] = Pending{}
		p.tracked[cid] = false
		p.slots.Release(uint16(cid))
	}
	return out
}

// Free releases both rings
func (p *Pair) Free() error {
	var first error
	if p.sq != nil {
		first = p.alloc.Free(p.sq)
		p.sq = nil
	}
	if p.cq != nil {
		if err := p.alloc.Free(p.cq); err != nil && first == nil {
			first = err
		}
		p.cq = nil
	}
	return first
}
