package emu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-unvme/backend"
	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/logging"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
	"github.com/ehrlich-b/go-unvme/internal/queue"
)

// host drives the controller through its registers the way a driver would
type host struct {
	t     *testing.T
	c     *Controller
	admin *queue.Pair
}

func newController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Media == nil {
		opts.Media = backend.NewMemory(1 << 20)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *host) pair(qid uint16, depth int) *queue.Pair {
	h.t.Helper()
	p, err := queue.NewPair(queue.PairConfig{
		QID:    qid,
		Depth:  depth,
		Vector: int(qid) % h.c.Vectors(),
		DSTRD:  h.c.caps.DSTRD,
		Regs:   h.c,
		Alloc:  h.c,
	})
	require.NoError(h.t, err)
	return p
}

// program writes the admin queue registers and CC without EN
func (h *host) program(depth int) {
	h.admin = h.pair(0, depth)
	h.c.Write32(nvme.RegAQA, nvme.AdminQueueAttributes(depth, depth))
	h.c.Write64(nvme.RegASQ, h.admin.SQAddr())
	h.c.Write64(nvme.RegACQ, h.admin.CQAddr())
	h.c.Write32(nvme.RegCC, nvme.ControllerConfig(12))
}

func enabledHost(t *testing.T, opts Options) *host {
	t.Helper()
	h := &host{t: t, c: newController(t, opts)}
	h.program(16)
	h.c.Write32(nvme.RegCC, h.c.Read32(nvme.RegCC)|nvme.CCEnable)
	require.NotZero(t, h.c.Read32(nvme.RegCSTS)&nvme.CSTSReady)
	return h
}

func (h *host) submit(p *queue.Pair, cmd nvme.SubmissionEntry) uint16 {
	h.t.Helper()
	cid, slot, err := p.NextSubmissionSlot()
	require.NoError(h.t, err)
	cmd.CommandID = cid
	cmd.Encode(slot)
	p.RingSubmissionDoorbell()
	return cid
}

func (h *host) reap(p *queue.Pair) nvme.Completion {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if c, ok := p.NextCompletion(); ok {
			p.RingCompletionDoorbell()
			require.NoError(h.t, p.Release(c.CommandID))
			return c
		}
		require.NoError(h.t, h.c.Wait(ctx, p.Vector()), "no completion on queue %d", p.QID())
	}
}

func (h *host) exec(cmd nvme.SubmissionEntry) nvme.Completion {
	h.t.Helper()
	cid := h.submit(h.admin, cmd)
	c := h.reap(h.admin)
	require.Equal(h.t, cid, c.CommandID)
	return c
}

func (h *host) ioQueue(qid uint16, depth int) *queue.Pair {
	h.t.Helper()
	p := h.pair(qid, depth)
	c := h.exec(nvme.CreateIOCQ(qid, depth, p.CQAddr(), uint16(p.Vector()), true))
	require.True(h.t, c.Status.OK(), c.Status.String())
	c = h.exec(nvme.CreateIOSQ(qid, depth, p.SQAddr(), qid, 0))
	require.True(h.t, c.Status.OK(), c.Status.String())
	return p
}

func (h *host) buffer(size int) *hw.Region {
	h.t.Helper()
	r, err := h.c.Alloc(size)
	require.NoError(h.t, err)
	return r
}

func rw(op uint8, slba uint64, blocks int, buf *hw.Region, prp2 uint64) nvme.SubmissionEntry {
	cmd := nvme.ReadWrite(op, 1, slba, uint16(blocks), false, nvme.Hints{})
	cmd.PRP1 = buf.Phys
	cmd.PRP2 = prp2
	return cmd
}

func TestCapabilities(t *testing.T) {
	c := newController(t, Options{MaxQueueEntries: 64, DoorbellStride: 1})
	caps := nvme.DecodeCapabilities(c.Read64(nvme.RegCAP))
	assert.Equal(t, 64, caps.MaxQueueEntries())
	assert.Equal(t, uint8(1), caps.DSTRD)
	assert.True(t, caps.SupportsNVM())
	assert.True(t, caps.SupportsPageSize(4096))
	assert.Equal(t, "1.4.0", nvme.DecodeVersion(c.Read32(nvme.RegVS)).String())

	c = newController(t, Options{NoNVMCommandSet: true})
	assert.False(t, nvme.DecodeCapabilities(c.Read64(nvme.RegCAP)).SupportsNVM())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{PageSize: 1000, Logger: logging.Nop()})
	assert.Error(t, err)
	_, err = New(Options{BlockSize: 520, Logger: logging.Nop()})
	assert.Error(t, err)
}

func TestEnableAndReset(t *testing.T) {
	h := enabledHost(t, Options{})
	assert.Zero(t, h.c.Read32(nvme.RegCSTS)&nvme.CSTSFatal)

	h.c.Write32(nvme.RegCC, h.c.Read32(nvme.RegCC)&^nvme.CCEnable)
	assert.Zero(t, h.c.Read32(nvme.RegCSTS))
	assert.Empty(t, h.c.sqs)
}

func TestEnableBadEntrySizesIsFatal(t *testing.T) {
	h := &host{t: t, c: newController(t, Options{})}
	h.program(4)
	h.c.Write32(nvme.RegCC, nvme.CCEnable) // IOSQES/IOCQES left zero

	csts := h.c.Read32(nvme.RegCSTS)
	assert.NotZero(t, csts&nvme.CSTSFatal)
	assert.Zero(t, csts&nvme.CSTSReady)
}

func TestNeverReady(t *testing.T) {
	h := &host{t: t, c: newController(t, Options{NeverReady: true})}
	h.program(4)
	h.c.Write32(nvme.RegCC, h.c.Read32(nvme.RegCC)|nvme.CCEnable)
	assert.Zero(t, h.c.Read32(nvme.RegCSTS)&nvme.CSTSReady)
}

func TestIdentify(t *testing.T) {
	h := enabledHost(t, Options{Serial: "EMU42", MDTS: 5})
	page := h.buffer(nvme.IdentifySize)

	c := h.exec(nvme.Identify(nvme.CNSController, 0, page.Phys))
	require.True(t, c.Status.OK())
	id, err := nvme.ParseIdentifyController(page.Virt)
	require.NoError(t, err)
	assert.Equal(t, "EMU42", id.Serial())
	assert.Equal(t, uint32(1), id.NN)
	assert.Equal(t, 128*1024, id.MaxTransferSize(4096))

	page.Zero()
	c = h.exec(nvme.Identify(nvme.CNSNamespace, 1, page.Phys))
	require.True(t, c.Status.OK())
	ns, err := nvme.ParseIdentifyNamespace(page.Virt)
	require.NoError(t, err)
	assert.Equal(t, 512, ns.BlockSize())
	assert.Equal(t, uint64(2048), ns.NSZE)
	assert.Len(t, ns.Formats(), 2)
	assert.Equal(t, h.c.guid, ns.GUID())

	page.Zero()
	c = h.exec(nvme.Identify(nvme.CNSActiveNamespace, 0, page.Phys))
	require.True(t, c.Status.OK())
	assert.Equal(t, []uint32{1}, nvme.ParseActiveNamespaceList(page.Virt))

	c = h.exec(nvme.Identify(nvme.CNSNamespace, 7, page.Phys))
	assert.Equal(t, nvme.SCInvalidNamespace, c.Status.SC())
}

func TestFeatures(t *testing.T) {
	h := enabledHost(t, Options{MaxIOQueues: 4})

	c := h.exec(nvme.SetFeatures(nvme.FeatNumberOfQueues, nvme.NumberOfQueues(8, 8)))
	require.True(t, c.Status.OK())
	nsq, ncq := nvme.DecodeNumberOfQueues(c.Result)
	assert.Equal(t, 4, nsq)
	assert.Equal(t, 4, ncq)

	c = h.exec(nvme.SetFeatures(nvme.FeatInterruptCoalescing, nvme.InterruptCoalescing(8, 2)))
	require.True(t, c.Status.OK())
	c = h.exec(nvme.GetFeatures(nvme.FeatInterruptCoalescing, 0))
	thr, tm := nvme.DecodeInterruptCoalescing(c.Result)
	assert.Equal(t, 8, thr)
	assert.Equal(t, uint8(2), tm)

	c = h.exec(nvme.GetFeatures(0x7f, 0))
	assert.Equal(t, nvme.SCInvalidField, c.Status.SC())
}

func TestCreateQueueErrors(t *testing.T) {
	h := enabledHost(t, Options{MaxQueueEntries: 64, Vectors: 2})
	p := h.pair(1, 16)

	c := h.exec(nvme.CreateIOSQ(1, 16, p.SQAddr(), 1, 0))
	assert.Equal(t, errs.SCTCommandSpecific, c.Status.SCT())
	assert.Equal(t, nvme.SCInvalidCQ, c.Status.SC())

	c = h.exec(nvme.CreateIOCQ(1, 16, p.CQAddr(), 5, true))
	assert.Equal(t, nvme.SCInvalidVector, c.Status.SC())

	c = h.exec(nvme.CreateIOCQ(1, 128, p.CQAddr(), 1, true))
	assert.Equal(t, nvme.SCInvalidQueueSize, c.Status.SC())

	c = h.exec(nvme.CreateIOCQ(0, 16, p.CQAddr(), 1, true))
	assert.Equal(t, nvme.SCInvalidQueueID, c.Status.SC())

	c = h.exec(nvme.CreateIOCQ(1, 16, p.CQAddr(), 1, true))
	require.True(t, c.Status.OK())
	c = h.exec(nvme.CreateIOCQ(1, 16, p.CQAddr(), 1, true))
	assert.Equal(t, nvme.SCInvalidQueueID, c.Status.SC())

	c = h.exec(nvme.CreateIOSQ(1, 16, p.SQAddr(), 1, 0))
	require.True(t, c.Status.OK())
	c = h.exec(nvme.DeleteIOCQ(1))
	assert.Equal(t, nvme.SCInvalidQueueDelete, c.Status.SC())
	c = h.exec(nvme.DeleteIOSQ(1))
	require.True(t, c.Status.OK())
	c = h.exec(nvme.DeleteIOCQ(1))
	require.True(t, c.Status.OK())
}

func TestReadWriteAcrossPRPList(t *testing.T) {
	h := enabledHost(t, Options{})
	io := h.ioQueue(1, 8)

	const size = 3 * 4096
	buf := h.buffer(size)
	for i := range buf.Virt {
		buf.Virt[i] = byte(i % 251)
	}
	list := h.buffer(4096)
	putPRP(list.Virt, buf.Phys+4096, buf.Phys+8192)

	h.submit(io, rw(nvme.CmdWrite, 4, size/512, buf, list.Phys))
	c := h.reap(io)
	require.True(t, c.Status.OK(), c.Status.String())
	assert.Equal(t, uint16(1), c.SQID)

	got := make([]byte, size)
	_, err := h.c.Media().ReadAt(got, 4*512)
	require.NoError(t, err)
	assert.Equal(t, buf.Virt, got)

	out := h.buffer(size)
	putPRP(list.Virt, out.Phys+4096, out.Phys+8192)
	h.submit(io, rw(nvme.CmdRead, 4, size/512, out, list.Phys))
	c = h.reap(io)
	require.True(t, c.Status.OK())
	assert.Equal(t, buf.Virt, out.Virt)
}

func putPRP(list []byte, entries ...uint64) {
	for i, e := range entries {
		for b := 0; b < 8; b++ {
			list[i*8+b] = byte(e >> (8 * b))
		}
	}
}

func TestTwoPagePRP(t *testing.T) {
	h := enabledHost(t, Options{})
	io := h.ioQueue(1, 8)

	buf := h.buffer(2 * 4096)
	copy(buf.Virt, bytes.Repeat([]byte{0xEA}, len(buf.Virt)))
	// start mid page so the transfer spans exactly two pages
	cmd := rw(nvme.CmdWrite, 0, 8, buf.Slice(2048, 4096), buf.Phys+4096)
	h.submit(io, cmd)
	require.True(t, h.reap(io).Status.OK())

	got := make([]byte, 4096)
	_, err := h.c.Media().ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xEA}, 4096), got)
}

func TestIOErrors(t *testing.T) {
	h := enabledHost(t, Options{MDTS: 1})
	io := h.ioQueue(1, 8)
	buf := h.buffer(4096)

	h.submit(io, rw(nvme.CmdRead, 2047, 2, buf, 0))
	assert.Equal(t, nvme.SCLBAOutOfRange, h.reap(io).Status.SC())

	// a start LBA near the top of the range must not wrap the bounds check
	h.submit(io, rw(nvme.CmdRead, ^uint64(0), 2, buf, 0))
	assert.Equal(t, nvme.SCLBAOutOfRange, h.reap(io).Status.SC())
	h.submit(io, rw(nvme.CmdWrite, ^uint64(0)-1, 8, buf, 0))
	assert.Equal(t, nvme.SCLBAOutOfRange, h.reap(io).Status.SC())

	cmd := rw(nvme.CmdRead, 0, 1, buf, 0)
	cmd.NSID = 2
	h.submit(io, cmd)
	assert.Equal(t, nvme.SCInvalidNamespace, h.reap(io).Status.SC())

	// MDTS 1 allows two pages
	h.submit(io, rw(nvme.CmdRead, 0, 24, buf, 0))
	assert.Equal(t, nvme.SCInvalidField, h.reap(io).Status.SC())

	h.submit(io, nvme.SubmissionEntry{Opcode: 0x7c, NSID: 1})
	assert.Equal(t, nvme.SCInvalidOpcode, h.reap(io).Status.SC())

	// unmapped buffer
	h.submit(io, nvme.SubmissionEntry{Opcode: nvme.CmdRead, NSID: 1, PRP1: 0x10})
	assert.Equal(t, nvme.SCDataTransferError, h.reap(io).Status.SC())
}

func TestCompletionCarriesSQHead(t *testing.T) {
	h := enabledHost(t, Options{})
	io := h.ioQueue(1, 4)
	for i := 0; i < 6; i++ {
		h.submit(io, nvme.Flush(1))
		c := h.reap(io)
		require.True(t, c.Status.OK())
		assert.Equal(t, io.SQTail(), c.SQHead)
	}
}

func TestFullCQStallsFetch(t *testing.T) {
	h := enabledHost(t, Options{})
	p := h.pair(1, 8)
	// CQ of 4 entries holds 3 completions
	require.True(t, h.exec(nvme.CreateIOCQ(1, 4, p.CQAddr(), 1, true)).Status.OK())
	require.True(t, h.exec(nvme.CreateIOSQ(1, 8, p.SQAddr(), 1, 0)).Status.OK())

	h.c.Pause()
	for i := 0; i < 5; i++ {
		cid, slot, err := p.NextSubmissionSlot()
		require.NoError(t, err)
		cmd := nvme.Flush(1)
		cmd.CommandID = cid
		cmd.Encode(slot)
	}
	p.RingSubmissionDoorbell()
	h.c.Resume()

	require.Eventually(t, func() bool { return h.c.Stats().IOCommands == 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint64(3), h.c.Stats().IOCommands)

	// consume the three entries
	h.c.Write32(nvme.DoorbellOffset(1, true, 0), 3)
	require.Eventually(t, func() bool { return h.c.Stats().IOCommands == 5 }, time.Second, time.Millisecond)
}

func TestDeleteSQAbortsQueuedCommands(t *testing.T) {
	h := enabledHost(t, Options{})
	io := h.ioQueue(1, 8)

	h.c.Pause()
	for i := 0; i < 3; i++ {
		h.submit(io, nvme.Flush(1))
	}
	cid := h.submit(h.admin, nvme.DeleteIOSQ(1))
	h.c.Resume()

	c := h.reap(h.admin)
	require.Equal(t, cid, c.CommandID)
	require.True(t, c.Status.OK())

	for i := 0; i < 3; i++ {
		c := h.reap(io)
		assert.Equal(t, nvme.SCAbortSQDeleted, c.Status.SC())
	}
	assert.Equal(t, uint64(3), h.c.Stats().Aborted)
	assert.Zero(t, h.c.Stats().IOCommands)
}

func TestInjectStatus(t *testing.T) {
	h := enabledHost(t, Options{})
	io := h.ioQueue(1, 8)
	buf := h.buffer(4096)

	want := nvme.NewStatus(errs.SCTMediaError, nvme.SCUnrecoveredRead)
	h.c.InjectStatus(nvme.CmdRead, false, want)

	h.submit(io, rw(nvme.CmdRead, 0, 1, buf, 0))
	assert.Equal(t, want, h.reap(io).Status)

	// one shot
	h.submit(io, rw(nvme.CmdRead, 0, 1, buf, 0))
	assert.True(t, h.reap(io).Status.OK())
}

func TestDropCompletions(t *testing.T) {
	h := enabledHost(t, Options{})
	io := h.ioQueue(1, 8)

	h.c.DropCompletions(1)
	h.submit(io, nvme.Flush(1))
	second := h.submit(io, nvme.Flush(1))

	c := h.reap(io)
	assert.Equal(t, second, c.CommandID)
	assert.Equal(t, uint64(1), h.c.Stats().Dropped)
}

func TestFormatSwitchesBlockSize(t *testing.T) {
	h := enabledHost(t, Options{})
	_, err := h.c.Media().WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, err)

	c := h.exec(nvme.FormatNVM(1, 1, 0))
	require.True(t, c.Status.OK())
	assert.Equal(t, 4096, h.c.BlockSize())

	got := make([]byte, 3)
	_, err = h.c.Media().ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, got)

	c = h.exec(nvme.FormatNVM(1, 9, 0))
	assert.Equal(t, errs.SCTCommandSpecific, c.Status.SCT())
}

func TestUnsupportedAdminOpcode(t *testing.T) {
	h := enabledHost(t, Options{})
	c := h.exec(nvme.SubmissionEntry{Opcode: nvme.AdminGetLogPage})
	assert.Equal(t, nvme.SCInvalidOpcode, c.Status.SC())
	assert.True(t, c.Status.DNR())
}

func TestShutdownHandshake(t *testing.T) {
	h := enabledHost(t, Options{})
	cc := h.c.Read32(nvme.RegCC)
	h.c.Write32(nvme.RegCC, cc|nvme.CCShutdownNormal)
	assert.Equal(t, uint32(nvme.CSTSShutdownComplete), h.c.Read32(nvme.RegCSTS)&nvme.CSTSShutdownMask)

	h.c.Write32(nvme.RegCC, 0)
	assert.Zero(t, h.c.Read32(nvme.RegCSTS))
}

func TestSetFatal(t *testing.T) {
	h := enabledHost(t, Options{})
	h.c.SetFatal()
	csts := h.c.Read32(nvme.RegCSTS)
	assert.NotZero(t, csts&nvme.CSTSFatal)
	assert.Zero(t, csts&nvme.CSTSReady)
}

func TestInvalidDoorbell(t *testing.T) {
	h := enabledHost(t, Options{})
	h.c.Write32(nvme.DoorbellOffset(9, false, 0), 1)
	h.c.Write32(nvme.DoorbellOffset(0, false, 0), 1000)
	assert.Equal(t, uint64(2), h.c.Stats().DoorbellErrors)
}

func TestAllocator(t *testing.T) {
	c := newController(t, Options{})
	a, err := c.Alloc(100)
	require.NoError(t, err)
	b, err := c.Alloc(8192)
	require.NoError(t, err)

	assert.Len(t, a.Virt, 100)
	assert.Zero(t, a.Phys%4096)
	assert.Zero(t, b.Phys%4096)
	assert.Equal(t, 2, c.Allocations())

	mid, ok := c.mem.slice(b.Phys+4096+16, 32)
	require.True(t, ok)
	mid[0] = 7
	assert.Equal(t, byte(7), b.Virt[4096+16])

	_, ok = c.mem.slice(a.Phys+4000, 200)
	assert.False(t, ok)

	require.NoError(t, c.Free(a))
	assert.Error(t, c.Free(a))
	_, ok = c.mem.slice(a.Phys, 4)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Allocations())
}

func TestVectors(t *testing.T) {
	c := newController(t, Options{Vectors: 2})
	assert.Equal(t, 2, c.Vectors())
	assert.ErrorIs(t, c.Wait(context.Background(), 2), hw.ErrBadVector)
	assert.ErrorIs(t, c.Signal(-1), hw.ErrBadVector)

	require.NoError(t, c.Signal(1))
	require.NoError(t, c.Signal(1))
	require.NoError(t, c.Wait(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx, 1), context.DeadlineExceeded)

	go c.Close()
	err := c.Wait(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrStopped))
}
