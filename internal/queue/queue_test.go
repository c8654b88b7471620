package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/batch"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/logging"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

// Mock register file recording doorbell writes
type mockRegs struct {
	mu     sync.Mutex
	values map[uint32]uint32
	writes map[uint32]int
}

func newMockRegs() *mockRegs {
	return &mockRegs{values: make(map[uint32]uint32), writes: make(map[uint32]int)}
}

func (m *mockRegs) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[off]
}

func (m *mockRegs) Write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[off] = v
	m.writes[off]++
}

func (m *mockRegs) Read64(off uint32) uint64 {
	return uint64(m.Read32(off+4))<<32 | uint64(m.Read32(off))
}

func (m *mockRegs) Write64(off uint32, v uint64) {
	m.Write32(off, uint32(v))
	m.Write32(off+4, uint32(v>>32))
}

func (m *mockRegs) count(off uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[off]
}

// Mock allocator handing out heap memory at fake page aligned bus addresses
type mockAlloc struct {
	mu   sync.Mutex
	next uint64
	live int
}

func (a *mockAlloc) PageSize() int { return 4096 }

func (a *mockAlloc) Alloc(size int) (*hw.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == 0 {
		a.next = 0x100000
	}
	r := &hw.Region{Virt: make([]byte, size), Phys: a.next}
	a.next += uint64(hw.RoundUp(size, 4096))
	a.live++
	return r, nil
}

func (a *mockAlloc) Free(*hw.Region) error {
	a.mu.Lock()
	a.live--
	a.mu.Unlock()
	return nil
}

// Mock interrupt vectors
type mockIntr struct {
	ch []chan struct{}
}

func newMockIntr(n int) *mockIntr {
	m := &mockIntr{ch: make([]chan struct{}, n)}
	for i := range m.ch {
		m.ch[i] = make(chan struct{}, 1)
	}
	return m
}

func (m *mockIntr) Vectors() int { return len(m.ch) }

func (m *mockIntr) Wait(ctx context.Context, vector int) error {
	select {
	case <-m.ch[vector]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockIntr) signal(vector int) {
	select {
	case m.ch[vector] <- struct{}{}:
	default:
	}
}

// mockDevice posts completions into a pair's CQ the way a controller would
type mockDevice struct {
	p     *Pair
	tail  int
	phase bool
	// sqHead is reported in every CQE, the index of the next SQE to fetch
	sqHead uint16
}

func newMockDevice(p *Pair) *mockDevice {
	return &mockDevice{p: p, phase: true}
}

func (d *mockDevice) post(cid uint16, status nvme.Status) {
	d.postOn(d.p.qid, cid, status)
}

func (d *mockDevice) postOn(sqid, cid uint16, status nvme.Status) {
	c := nvme.Completion{SQID: sqid, SQHead: d.sqHead, CommandID: cid, Phase: d.phase, Status: status}
	off := d.tail * nvme.CompletionEntrySize
	c.Encode(d.p.cq.Virt[off : off+nvme.CompletionEntrySize])
	d.tail++
	if d.tail == d.p.depth {
		d.tail = 0
		d.phase = !d.phase
	}
}

// submitted decodes the SQE at ring index i
func submitted(t *testing.T, p *Pair, i int) nvme.SubmissionEntry {
	t.Helper()
	off := i * nvme.SubmissionEntrySize
	e, err := nvme.DecodeSubmission(p.sq.Virt[off : off+nvme.SubmissionEntrySize])
	require.NoError(t, err)
	return e
}

func newTestPair(t *testing.T, depth int) (*Pair, *mockRegs) {
	t.Helper()
	regs := newMockRegs()
	p, err := NewPair(PairConfig{QID: 1, Depth: depth, Vector: 0, Regs: regs, Alloc: &mockAlloc{}})
	require.NoError(t, err)
	return p, regs
}

func newTestQueue(t *testing.T, depth int, batchDone func(batch.Batch)) (*IOQueue, *mockRegs, *mockDevice) {
	t.Helper()
	p, regs := newTestPair(t, depth)
	q, err := NewIOQueue(Config{
		Pair:      p,
		NSID:      1,
		BlockSize: 512,
		Logger:    logging.Nop(),
		BatchDone: batchDone,
	})
	require.NoError(t, err)
	return q, regs, newMockDevice(p)
}

func dataBuf(t *testing.T, a hw.Allocator, size int) *hw.Region {
	t.Helper()
	r, err := a.Alloc(size)
	require.NoError(t, err)
	return r
}

func TestNewPairValidation(t *testing.T) {
	_, err := NewPair(PairConfig{QID: 1, Depth: 1, Regs: newMockRegs(), Alloc: &mockAlloc{}})
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)

	_, err = NewPair(PairConfig{QID: 1, Depth: 8})
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)

	p, _ := newTestPair(t, 8)
	assert.Equal(t, 7, p.Capacity(), "one ring entry stays empty")
	head, phase := p.CQHead()
	assert.Equal(t, uint16(0), head)
	assert.True(t, phase)
}

func TestSQTailWraps(t *testing.T) {
	p, regs := newTestPair(t, 8)
	sqDB := nvme.DoorbellOffset(1, false, 0)

	for i := 0; i < 20; i++ {
		cid, slot, err := p.NextSubmissionSlot()
		require.NoError(t, err)
		require.Len(t, slot, nvme.SubmissionEntrySize)
		assert.Equal(t, uint16((i+1)%8), p.SQTail())

		p.RingSubmissionDoorbell()
		assert.Equal(t, uint32((i+1)%8), regs.Read32(sqDB))
		require.NoError(t, p.Release(cid))
	}
	assert.Equal(t, 20, regs.count(sqDB))
}

func TestPhaseFlipsPerTraversal(t *testing.T) {
	p, regs := newTestPair(t, 4)
	dev := newMockDevice(p)
	cqDB := nvme.DoorbellOffset(1, true, 0)

	_, ok := p.NextCompletion()
	assert.False(t, ok, "zeroed ring holds nothing new")

	for lap := 0; lap < 3; lap++ {
		wantPhase := lap%2 == 0
		for i := 0; i < 4; i++ {
			dev.post(uint16(i+1), 0)
			c, ok := p.NextCompletion()
			require.True(t, ok, "lap %d entry %d", lap, i)
			assert.Equal(t, wantPhase, c.Phase)
			assert.Equal(t, uint16(i+1), c.CommandID)
		}
		head, phase := p.CQHead()
		assert.Equal(t, uint16(0), head)
		assert.Equal(t, !wantPhase, phase, "phase flips once per traversal")

		// the entry at head is from the previous lap
		_, ok := p.NextCompletion()
		assert.False(t, ok)
		p.RingCompletionDoorbell()
	}
	assert.Equal(t, 3, regs.count(cqDB))
}

func TestNextCompletionTracksSQHead(t *testing.T) {
	p, _ := newTestPair(t, 8)
	c := nvme.Completion{SQHead: 5, SQID: 1, CommandID: 2, Phase: true}
	c.Encode(p.cq.Virt[:nvme.CompletionEntrySize])

	got, ok := p.NextCompletion()
	require.True(t, ok)
	assert.Equal(t, uint16(2), got.CommandID)
	assert.Equal(t, uint16(5), p.SQHead())
}

func TestTakeRejectsUnknownIDs(t *testing.T) {
	p, _ := newTestPair(t, 8)
	_, ok := p.Take(3)
	assert.False(t, ok)

	cid, _, err := p.NextSubmissionSlot()
	require.NoError(t, err)
	_, ok = p.Take(cid)
	assert.False(t, ok, "allocated but never tracked")

	p.Track(cid, Pending{Opcode: nvme.CmdRead})
	pend, ok := p.Take(cid)
	require.True(t, ok)
	assert.Equal(t, nvme.CmdRead, pend.Opcode)

	_, ok = p.Take(cid)
	assert.False(t, ok, "a command completes once")
}

func TestIssueReadEncodesCommand(t *testing.T) {
	q, regs, _ := newTestQueue(t, 16, nil)
	buf := dataBuf(t, q.pair.alloc, 4096)

	hints := nvme.Hints{Frequency: nvme.FreqInfrequentRW, Latency: nvme.LatencyLow, Sequential: true}
	cid, err := q.IssueRead(Request{Buf: buf, LBA: 2, Blocks: 1, Hints: hints, FUA: true}, nil)
	require.NoError(t, err)

	e := submitted(t, q.pair, 0)
	assert.Equal(t, nvme.CmdRead, e.Opcode)
	assert.Equal(t, cid, e.CommandID)
	assert.Equal(t, uint32(1), e.NSID)
	assert.Equal(t, uint64(2), e.StartLBA())
	assert.Equal(t, 1, e.NumBlocks())
	assert.Equal(t, buf.Phys, e.PRP1)
	assert.Zero(t, e.PRP2)
	assert.NotZero(t, e.CDW12&nvme.RWForceUnitAccess)
	assert.Equal(t, hints, nvme.DecodeHints(e.CDW13))

	assert.Equal(t, 1, regs.count(nvme.DoorbellOffset(1, false, 0)))
	assert.Equal(t, uint64(1), q.Stats().Issued)
}

func TestIssueValidation(t *testing.T) {
	q, regs, _ := newTestQueue(t, 16, nil)
	buf := dataBuf(t, q.pair.alloc, 1024)

	_, err := q.IssueWrite(Request{Buf: buf, Blocks: 0}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
	_, err = q.IssueWrite(Request{Buf: nil, Blocks: 1}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
	_, err = q.IssueWrite(Request{Buf: buf, Blocks: 3}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)

	// rejected requests never consume a ring slot
	assert.Equal(t, uint16(0), q.pair.SQTail())
	assert.Equal(t, 0, regs.count(nvme.DoorbellOffset(1, false, 0)))
}

func TestDataPointers(t *testing.T) {
	q, _, _ := newTestQueue(t, 16, nil)

	// two pages: PRP2 is the second page
	two := dataBuf(t, q.pair.alloc, 8192)
	_, err := q.IssueWrite(Request{Buf: two, Blocks: 16}, nil)
	require.NoError(t, err)
	e := submitted(t, q.pair, 0)
	assert.Equal(t, two.Phys, e.PRP1)
	assert.Equal(t, two.Phys+4096, e.PRP2)

	// an unaligned start spills a one page transfer into a second page
	off := two.Slice(512, 4096)
	_, err = q.IssueWrite(Request{Buf: off, Blocks: 8}, nil)
	require.NoError(t, err)
	e = submitted(t, q.pair, 1)
	assert.Equal(t, two.Phys+512, e.PRP1)
	assert.Equal(t, two.Phys+4096, e.PRP2)

	// four pages: PRP2 points at a list holding pages 2..4
	four := dataBuf(t, q.pair.alloc, 4*4096)
	cid, err := q.IssueRead(Request{Buf: four, Blocks: 32}, nil)
	require.NoError(t, err)
	e = submitted(t, q.pair, 2)
	assert.Equal(t, four.Phys, e.PRP1)

	list := q.prpLists.Slice(int(cid)*4096, 4096)
	assert.Equal(t, list.Phys, e.PRP2)
	for i := 0; i < 3; i++ {
		assert.Equal(t, four.Phys+uint64(i+1)*4096, binary.LittleEndian.Uint64(list.Virt[i*8:]))
	}

	// the largest transfer starting mid-page fills the whole list page
	require.Equal(t, 512*4096, q.MaxTransfer())
	big := dataBuf(t, q.pair.alloc, q.MaxTransfer()+4096)
	req := Request{Buf: big.Slice(512, q.MaxTransfer()), Blocks: q.MaxTransfer() / 512}
	assert.NotPanics(t, func() {
		cid, err = q.IssueRead(req, nil)
	})
	require.NoError(t, err)
	e = submitted(t, q.pair, 3)
	assert.Equal(t, big.Phys+512, e.PRP1)
	list = q.prpLists.Slice(int(cid)*4096, 4096)
	assert.Equal(t, list.Phys, e.PRP2)
	assert.Equal(t, big.Phys+4096, binary.LittleEndian.Uint64(list.Virt[0:]))
	assert.Equal(t, big.Phys+512*4096, binary.LittleEndian.Uint64(list.Virt[511*8:]))

	// one block more no longer fits
	_, err = q.IssueRead(Request{Buf: big, Blocks: q.MaxTransfer()/512 + 1}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
}

func TestQueueFullThenRecovery(t *testing.T) {
	q, _, dev := newTestQueue(t, 8, nil)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	var cids []uint16
	for i := 0; i < 7; i++ {
		cid, err := q.IssueRead(Request{Buf: buf, LBA: uint64(i), Blocks: 1}, nil)
		require.NoError(t, err)
		cids = append(cids, cid)
	}

	_, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrQueueFull)
	assert.Equal(t, uint64(1), q.Stats().QueueFull)

	dev.post(cids[0], 0)
	assert.Equal(t, 1, r.Drain())

	_, err = q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, q.Stats().Outstanding)
}

func TestCompletionOrdering(t *testing.T) {
	var order []string
	q, _, dev := newTestQueue(t, 8, func(b batch.Batch) { order = append(order, "batch") })
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	cb := func(c Completion) {
		order = append(order, "callback")
		assert.True(t, q.pair.slots.IsAllocated(c.CID), "id released only after the callback")
	}
	first, last, n, err := q.IssueBatch(nvme.CmdRead, []Request{{Buf: buf, Blocks: 1}}, cb)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, first, last)

	dev.post(first, 0)
	r.Drain()
	assert.Equal(t, []string{"callback", "batch"}, order)
	assert.False(t, q.pair.slots.IsAllocated(first))
}

func TestDeviceStatusReachesCallback(t *testing.T) {
	q, _, dev := newTestQueue(t, 8, nil)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	var got Completion
	cid, err := q.IssueWrite(Request{Buf: buf, LBA: 1 << 40, Blocks: 1}, func(c Completion) { got = c })
	require.NoError(t, err)

	dev.post(cid, nvme.NewStatus(errs.SCTGeneric, nvme.SCLBAOutOfRange).WithDNR())
	r.Drain()

	require.Error(t, got.Err)
	assert.ErrorIs(t, got.Err, errs.ErrDeviceStatus)
	var st *errs.StatusError
	require.True(t, errors.As(got.Err, &st))
	assert.Equal(t, nvme.SCLBAOutOfRange, st.SC)
	assert.True(t, st.DNR)
	assert.Equal(t, uint64(1), q.Stats().Errors)

	// the queue stays usable
	cid, err = q.IssueRead(Request{Buf: buf, Blocks: 1}, func(c Completion) { got = c })
	require.NoError(t, err)
	dev.post(cid, 0)
	r.Drain()
	assert.NoError(t, got.Err)
}

func TestCorrelationFailureIsLost(t *testing.T) {
	q, _, dev := newTestQueue(t, 8, nil)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	// never issued
	dev.post(5, 0)
	// wrong submission queue
	cid, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
	require.NoError(t, err)
	dev.postOn(9, cid, 0)

	assert.Equal(t, 2, r.Drain())
	s := q.Stats()
	assert.Equal(t, uint64(2), s.Lost)
	assert.Equal(t, uint64(0), s.Completed)
	assert.Equal(t, 1, s.Outstanding, "the real command is still outstanding")

	dev.post(cid, 0)
	r.Drain()
	assert.Equal(t, uint64(1), q.Stats().Completed)
}

func newLossyQueue(t *testing.T, lostAfter int) (*IOQueue, *mockDevice) {
	t.Helper()
	p, _ := newTestPair(t, 16)
	q, err := NewIOQueue(Config{Pair: p, NSID: 1, BlockSize: 512, LostAfter: lostAfter, Logger: logging.Nop()})
	require.NoError(t, err)
	return q, newMockDevice(p)
}

func TestFetchedWithoutCompletionIsLost(t *testing.T) {
	q, dev := newLossyQueue(t, 2)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	results := make(map[uint16][]error)
	record := func(c Completion) { results[c.CID] = append(results[c.CID], c.Err) }

	var cids []uint16
	for i := 0; i < 3; i++ {
		cid, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, record)
		require.NoError(t, err)
		cids = append(cids, cid)
	}
	dropped := cids[1]

	// all three fetched, the middle one never completes
	dev.sqHead = 3
	dev.post(cids[0], 0)
	dev.post(cids[2], 0)
	assert.Equal(t, 2, r.Drain())
	assert.Empty(t, results[dropped], "one drain is not enough")
	assert.Equal(t, uint64(3), q.pair.Fetched())

	cid, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, record)
	require.NoError(t, err)
	dev.sqHead = 4
	dev.post(cid, 0)
	r.Drain()

	require.Len(t, results[dropped], 1)
	assert.ErrorIs(t, results[dropped][0], errs.ErrLostCommand)
	s := q.Stats()
	assert.Equal(t, uint64(1), s.Lost)
	assert.Equal(t, uint64(3), s.Completed)
	assert.Equal(t, 1, s.Outstanding, "a lost command keeps its id")

	// the late completion frees the id without a second callback
	dev.post(dropped, 0)
	r.Drain()
	assert.Len(t, results[dropped], 1)
	assert.Equal(t, 0, q.Stats().Outstanding)
	assert.Equal(t, uint64(1), q.Stats().Lost)
}

func TestUnfetchedCommandsAreNotExpired(t *testing.T) {
	q, dev := newLossyQueue(t, 1)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	var errsSeen []error
	first, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, func(c Completion) { errsSeen = append(errsSeen, c.Err) })
	require.NoError(t, err)
	_, err = q.IssueRead(Request{Buf: buf, Blocks: 1}, func(c Completion) { errsSeen = append(errsSeen, c.Err) })
	require.NoError(t, err)

	// the controller has only fetched the first command
	dev.sqHead = 1
	for i := 0; i < 3; i++ {
		dev.post(first, 0)
		r.Drain()
		if i < 2 {
			first, err = q.IssueRead(Request{Buf: buf, Blocks: 1}, func(c Completion) { errsSeen = append(errsSeen, c.Err) })
			require.NoError(t, err)
		}
	}
	for _, e := range errsSeen {
		assert.NoError(t, e)
	}
	assert.Zero(t, q.Stats().Lost)
}

func TestAbandonSkipsLostCommands(t *testing.T) {
	q, dev := newLossyQueue(t, 1)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	calls := 0
	lostCID, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, func(Completion) { calls++ })
	require.NoError(t, err)
	done, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
	require.NoError(t, err)

	dev.sqHead = 2
	dev.post(done, 0)
	r.Drain()
	require.Equal(t, 1, calls)
	assert.Equal(t, 1, q.Stats().Outstanding)

	pending, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, lostCID, pending, "a lost id is not reused")

	assert.Equal(t, 1, q.Abandon(errors.New("shutdown")))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, q.Stats().Outstanding)
}

func TestIssueBatchSingleDoorbell(t *testing.T) {
	var done []batch.Batch
	q, regs, dev := newTestQueue(t, 64, func(b batch.Batch) { done = append(done, b) })
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 8*512)

	reqs := make([]Request, 8)
	for i := range reqs {
		reqs[i] = Request{Buf: buf.Slice(i*512, 512), LBA: uint64(i), Blocks: 1}
	}
	completed := 0
	first, last, n, err := q.IssueBatch(nvme.CmdRead, reqs, func(Completion) { completed++ })
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, uint16(1), first)
	assert.Equal(t, uint16(8), last)
	assert.Equal(t, 1, regs.count(nvme.DoorbellOffset(1, false, 0)))

	// complete out of order
	for _, cid := range []uint16{8, 2, 5, 1, 3, 7, 4, 6} {
		dev.post(cid, 0)
	}
	r.Drain()
	assert.Equal(t, 8, completed)
	require.Len(t, done, 1)
	assert.Equal(t, 8, done[0].Total)
	assert.Equal(t, 0, q.batches.Len())
	assert.Equal(t, uint64(1), q.Stats().Batches)
}

func TestIssueBatchTruncatedOnQueueFull(t *testing.T) {
	var done []batch.Batch
	q, regs, dev := newTestQueue(t, 8, func(b batch.Batch) { done = append(done, b) })
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	reqs := make([]Request, 10)
	for i := range reqs {
		reqs[i] = Request{Buf: buf, LBA: uint64(i), Blocks: 1}
	}
	first, last, n, err := q.IssueBatch(nvme.CmdRead, reqs, nil)
	assert.ErrorIs(t, err, errs.ErrQueueFull)
	assert.Equal(t, 7, n)
	assert.Equal(t, 1, regs.count(nvme.DoorbellOffset(1, false, 0)), "issued prefix is still submitted")

	for cid := first; cid <= last; cid++ {
		dev.post(cid, 0)
	}
	r.Drain()
	require.Len(t, done, 1)
	assert.Equal(t, 7, done[0].Total)
}

func TestIssueBatchRingFull(t *testing.T) {
	p, _ := newTestPair(t, 64)
	q, err := NewIOQueue(Config{Pair: p, NSID: 1, BlockSize: 512, BatchCapacity: 2, Logger: logging.Nop()})
	require.NoError(t, err)
	buf := dataBuf(t, p.alloc, 512)
	reqs := []Request{{Buf: buf, Blocks: 1}}

	for i := 0; i < 2; i++ {
		_, _, _, err := q.IssueBatch(nvme.CmdRead, reqs, nil)
		require.NoError(t, err)
	}
	_, _, n, err := q.IssueBatch(nvme.CmdRead, reqs, nil)
	assert.ErrorIs(t, err, errs.ErrQueueFull)
	assert.Zero(t, n)
	assert.Equal(t, 2, p.Outstanding(), "nothing issued when the batch ring is full")
}

func TestSingleCommandsDoNotTouchBatches(t *testing.T) {
	q, _, dev := newTestQueue(t, 8, nil)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	buf := dataBuf(t, q.pair.alloc, 512)

	cid, err := q.IssueFlush(nil)
	require.NoError(t, err)
	assert.Equal(t, nvme.CmdFlush, submitted(t, q.pair, 0).Opcode)

	dev.post(cid, 0)
	cid, err = q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
	require.NoError(t, err)
	dev.post(cid, 0)
	r.Drain()
	assert.Zero(t, q.Stats().BatchMisses)
	assert.Zero(t, q.batches.Misses())
}

func TestRunnerDrainsOnInterrupt(t *testing.T) {
	q, regs, dev := newTestQueue(t, 8, nil)
	intr := newMockIntr(1)
	r := NewRunner(q, intr, logging.Nop())
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	buf := dataBuf(t, q.pair.alloc, 512)
	got := make(chan Completion, 4)
	cid, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, func(c Completion) { got <- c })
	require.NoError(t, err)

	dev.post(cid, 0)
	intr.signal(0)

	select {
	case c := <-got:
		assert.Equal(t, cid, c.CID)
		assert.NoError(t, c.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("completion not delivered")
	}

	require.NoError(t, r.Stop())
	assert.Equal(t, uint64(1), r.Drained())
	assert.Equal(t, uint32(1), regs.Read32(nvme.DoorbellOffset(1, true, 0)))
}

func TestRunnerStopWhileWaiting(t *testing.T) {
	q, _, _ := newTestQueue(t, 8, nil)
	r := NewRunner(q, newMockIntr(1), logging.Nop())
	require.NoError(t, r.Start(context.Background()))

	stopped := make(chan error)
	go func() { stopped <- r.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	<-r.Done()
}

func TestRunnerRejectsBadVector(t *testing.T) {
	p, err := NewPair(PairConfig{QID: 1, Depth: 8, Vector: 3, Regs: newMockRegs(), Alloc: &mockAlloc{}})
	require.NoError(t, err)
	q, err := NewIOQueue(Config{Pair: p, NSID: 1, BlockSize: 512, Logger: logging.Nop()})
	require.NoError(t, err)

	r := NewRunner(q, newMockIntr(1), logging.Nop())
	assert.ErrorIs(t, r.Start(context.Background()), hw.ErrBadVector)
}

func TestAbandonFailsOutstanding(t *testing.T) {
	q, _, _ := newTestQueue(t, 8, nil)
	buf := dataBuf(t, q.pair.alloc, 512)

	var failed []Completion
	cb := func(c Completion) { failed = append(failed, c) }
	for i := 0; i < 3; i++ {
		_, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, cb)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.Abandon(errors.New("controller gone")))
	require.Len(t, failed, 3)
	for _, c := range failed {
		assert.ErrorIs(t, c.Err, errs.ErrClosed)
	}
	assert.Equal(t, 0, q.pair.Outstanding())
}

func TestIssueLatencyStats(t *testing.T) {
	q, _, _ := newTestQueue(t, 8, nil)
	buf := dataBuf(t, q.pair.alloc, 512)
	for i := 0; i < 3; i++ {
		_, err := q.IssueRead(Request{Buf: buf, Blocks: 1}, nil)
		require.NoError(t, err)
	}
	s := q.Stats()
	assert.Equal(t, uint64(3), s.Issued)
	assert.LessOrEqual(t, s.MeanIssueLatency, s.MaxIssueLatency)
}

func TestCloseFreesMemory(t *testing.T) {
	alloc := &mockAlloc{}
	p, err := NewPair(PairConfig{QID: 2, Depth: 8, Regs: newMockRegs(), Alloc: alloc})
	require.NoError(t, err)
	q, err := NewIOQueue(Config{Pair: p, NSID: 1, BlockSize: 512, Logger: logging.Nop()})
	require.NoError(t, err)
	assert.Equal(t, 3, alloc.live)

	require.NoError(t, q.Close())
	assert.Equal(t, 0, alloc.live)
}
