package queue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/batch"
	"github.com/ehrlich-b/go-unvme/internal/constants"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/logging"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

// Completion is delivered to a command's callback
type Completion struct {
	QID     uint16
	CID     uint16
	Opcode  uint8
	Result  uint32
	Status  nvme.Status
	Latency time.Duration
	Err     error // nil on success
}

// Callback receives the completion of one command. It runs on the queue's
// completion goroutine and must not issue commands on the same queue.
type Callback func(Completion)

// Request describes one read or write. Buf must hold at least
// Blocks * block size bytes and be physically contiguous.
type Request struct {
	Buf    *hw.Region
	LBA    uint64
	Blocks int
	Hints  nvme.Hints
	FUA    bool
}

// Observer receives per-command events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveCommand(opcode uint8, bytes uint64, latencyNs uint64, success bool)
	ObserveQueueFull()
	ObserveLost()
	ObserveBatchMiss()
	ObserveBatch(total int)
}

type nopObserver struct{}

func (nopObserver) ObserveCommand(uint8, uint64, uint64, bool) {}
func (nopObserver) ObserveQueueFull()                          {}
func (nopObserver) ObserveLost()                               {}
func (nopObserver) ObserveBatchMiss()                          {}
func (nopObserver) ObserveBatch(int)                           {}

// Config configures an I/O queue on top of a created pair
type Config struct {
	Pair          *Pair
	NSID          uint32
	BlockSize     int
	MaxTransfer   int // bytes per command, 0 for no limit beyond one PRP list
	BatchCapacity int
	Observer      Observer
	Logger        *logging.Logger

	// LostAfter is how many drains a fetched command may go without its
	// completion before its callback gets ErrCodeLostCommand
	LostAfter int

	// BatchDone, if set, is called once for every batch whose commands have
	// all completed. It runs on whichever goroutine completes the batch.
	BatchDone func(batch.Batch)
}

// Stats is a snapshot of I/O queue counters
type Stats struct {
	Issued           uint64
	Completed        uint64
	Errors           uint64
	QueueFull        uint64
	Lost             uint64
	BatchMisses      uint64
	Batches          uint64
	Outstanding      int
	MeanIssueLatency time.Duration
	MaxIssueLatency  time.Duration
}

// IOQueue issues NVM commands on one queue pair. Issue methods are for a
// single goroutine; completions are processed by a Runner.
type IOQueue struct {
	pair      *Pair
	nsid      uint32
	blockSize int
	pageSize  int
	maxBytes  int
	lostAfter int

	// one PRP list page per command id, indexed by cid
	prpLists *hw.Region

	batches   *batch.Manager
	observer  Observer
	logger    *logging.Logger
	batchDone func(batch.Batch)

	issued      atomic.Uint64
	issueCalls  atomic.Uint64
	issueNs     atomic.Uint64
	maxIssueNs  atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	queueFull   atomic.Uint64
	lost        atomic.Uint64
	batchMisses atomic.Uint64
}

// NewIOQueue wraps a pair whose queues already exist on the controller
func NewIOQueue(cfg Config) (*IOQueue, error) {
	if cfg.Pair == nil {
		return nil, errs.New("NEW_IO_QUEUE", errs.ErrCodeInvalidParameters, "queue pair is required")
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, errs.New("NEW_IO_QUEUE", errs.ErrCodeInvalidParameters, fmt.Sprintf("invalid block size %d", cfg.BlockSize))
	}
	if cfg.BatchCapacity == 0 {
		cfg.BatchCapacity = constants.DefaultBatchRingCapacity
	}
	if cfg.LostAfter <= 0 {
		cfg.LostAfter = constants.LostAfterDrains
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	p := cfg.Pair
	pageSize := p.alloc.PageSize()

	// a single list page must describe every page after the first even
	// when the buffer starts mid-page
	maxBytes := (pageSize / 8) * pageSize
	if cfg.MaxTransfer > 0 && cfg.MaxTransfer < maxBytes {
		maxBytes = cfg.MaxTransfer
	}

	prp, err := p.alloc.Alloc((p.Capacity() + 1) * pageSize)
	if err != nil {
		return nil, fmt.Errorf("allocate PRP lists for queue %d: %w", p.qid, err)
	}

	q := &IOQueue{
		pair:      p,
		nsid:      cfg.NSID,
		blockSize: cfg.BlockSize,
		pageSize:  pageSize,
		maxBytes:  maxBytes,
		lostAfter: cfg.LostAfter,
		prpLists:  prp,
		observer:  cfg.Observer,
		logger:    cfg.Logger.WithQueue(p.qid),
		batchDone: cfg.BatchDone,
	}

	q.batches, err = batch.New(cfg.BatchCapacity, p.Capacity(), q.onBatchDone)
	if err != nil {
		p.alloc.Free(prp)
		return nil, errs.Wrap("NEW_IO_QUEUE", errs.ErrCodeInvalidParameters, err)
	}
	return q, nil
}

func (q *IOQueue) Pair() *Pair { return q.pair }

func (q *IOQueue) QID() uint16 { return q.pair.qid }

func (q *IOQueue) BlockSize() int { return q.blockSize }

// MaxTransfer returns the largest read or write in bytes
func (q *IOQueue) MaxTransfer() int { return q.maxBytes }

// Batches exposes the batch manager, mainly for inspection
func (q *IOQueue) Batches() *batch.Manager { return q.batches }

// IssueRead submits a read and returns its command id
func (q *IOQueue) IssueRead(req Request, cb Callback) (uint16, error) {
	return q.issueOne(nvme.CmdRead, req, cb)
}

// IssueWrite submits a write and returns its command id
func (q *IOQueue) IssueWrite(req Request, cb Callback) (uint16, error) {
	return q.issueOne(nvme.CmdWrite, req, cb)
}

// IssueFlush submits a flush of the namespace
func (q *IOQueue) IssueFlush(cb Callback) (uint16, error) {
	start := time.Now()
	cid, entry, err := q.nextSlot("FLUSH")
	if err != nil {
		return 0, err
	}
	cmd := nvme.Flush(q.nsid)
	cmd.CommandID = cid
	cmd.Encode(entry)
	q.pair.Track(cid, Pending{Opcode: nvme.CmdFlush, Issued: start, Callback: cb})

	q.pair.RingSubmissionDoorbell()
	q.issued.Add(1)
	q.recordIssue(start)
	return cid, nil
}

func (q *IOQueue) issueOne(op uint8, req Request, cb Callback) (uint16, error) {
	start := time.Now()
	if err := q.validate(op, req); err != nil {
		return 0, err
	}
	cid, err := q.submit(op, req)
	if err != nil {
		return 0, err
	}
	q.pair.Track(cid, Pending{Opcode: op, Bytes: req.Blocks * q.blockSize, Issued: start, Callback: cb})

	q.pair.RingSubmissionDoorbell()
	q.issued.Add(1)
	q.recordIssue(start)
	return cid, nil
}

// IssueBatch writes one command per request and rings the doorbell once.
// The command ids form a batch; BatchDone fires when all of them complete.
// cb is called for every command in the batch.
//
// When command ids run out part way through, the commands already written are
// submitted as a smaller batch and an ErrCodeQueueFull error is returned with
// n set to the number issued. A full batch ring issues nothing.
func (q *IOQueue) IssueBatch(op uint8, reqs []Request, cb Callback) (first, last uint16, n int, err error) {
	start := time.Now()
	opName := nvme.IOOpName(op)
	if len(reqs) == 0 {
		return 0, 0, 0, errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters, "empty batch")
	}
	if op != nvme.CmdRead && op != nvme.CmdWrite {
		return 0, 0, 0, errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters, "batches carry reads or writes")
	}
	for i := range reqs {
		if err := q.validate(op, reqs[i]); err != nil {
			return 0, 0, 0, err
		}
	}
	if q.batches.Full() {
		q.queueFull.Add(1)
		q.observer.ObserveQueueFull()
		return 0, 0, 0, errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeQueueFull, "batch ring full")
	}

	for i := range reqs {
		cid, serr := q.submit(op, reqs[i])
		if serr != nil {
			err = serr
			break
		}
		batched := true
		if aerr := q.batches.AddToLastBatch(cid); aerr != nil {
			// cannot happen after the Full check with unique ids; keep the
			// command alive outside any batch rather than orphan the slot
			q.logger.Error("batch add failed", "cid", cid, "error", aerr)
			batched = false
		}
		q.pair.Track(cid, Pending{
			Opcode:   op,
			Bytes:    reqs[i].Blocks * q.blockSize,
			Batched:  batched,
			Issued:   start,
			Callback: cb,
		})
		if n == 0 {
			first = cid
		}
		last = cid
		n++
	}

	if n == 0 {
		return 0, 0, 0, err
	}
	q.batches.FinishBatch()
	q.pair.RingSubmissionDoorbell()
	q.issued.Add(uint64(n))
	q.recordIssue(start)

	if err != nil {
		q.logger.Debug("batch truncated", "issued", n, "requested", len(reqs))
	}
	return first, last, n, err
}

func (q *IOQueue) validate(op uint8, req Request) error {
	opName := nvme.IOOpName(op)
	if req.Blocks < 1 || req.Blocks > 1<<16 {
		return errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters,
			fmt.Sprintf("block count %d outside [1, 65536]", req.Blocks))
	}
	if req.Buf == nil {
		return errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters, "nil data buffer")
	}
	size := req.Blocks * q.blockSize
	if size > req.Buf.Size() {
		return errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters,
			fmt.Sprintf("buffer of %d bytes too small for %d blocks", req.Buf.Size(), req.Blocks))
	}
	if size > q.maxBytes {
		return errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters,
			fmt.Sprintf("transfer of %d bytes exceeds limit %d", size, q.maxBytes))
	}
	if req.Buf.Phys&3 != 0 {
		return errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeInvalidParameters, "data buffer not dword aligned")
	}
	return nil
}

func (q *IOQueue) nextSlot(opName string) (uint16, []byte, error) {
	cid, entry, err := q.pair.NextSubmissionSlot()
	if err != nil {
		q.queueFull.Add(1)
		q.observer.ObserveQueueFull()
		return 0, nil, errs.NewQueueError(opName, q.pair.qid, 0, errs.ErrCodeQueueFull, "")
	}
	return cid, entry, nil
}

// submit writes a validated read or write into the next ring slot
func (q *IOQueue) submit(op uint8, req Request) (uint16, error) {
	cid, entry, err := q.nextSlot(nvme.IOOpName(op))
	if err != nil {
		return 0, err
	}
	// 65536 blocks wraps to 0, which ReadWrite encodes as NLB 0xffff
	cmd := nvme.ReadWrite(op, q.nsid, req.LBA, uint16(req.Blocks), req.FUA, req.Hints)
	cmd.CommandID = cid
	cmd.PRP1, cmd.PRP2 = q.dataPointers(cid, req.Buf.Phys, req.Blocks*q.blockSize)
	cmd.Encode(entry)
	return cid, nil
}

// dataPointers returns PRP1 and PRP2 for a contiguous transfer. Transfers
// crossing more than one page boundary get a PRP list in cid's list page.
func (q *IOQueue) dataPointers(cid uint16, phys uint64, size int) (uint64, uint64) {
	page := uint64(q.pageSize)
	first := phys &^ (page - 1)
	end := phys + uint64(size)
	pages := int((end - first + page - 1) / page)

	switch {
	case pages <= 1:
		return phys, 0
	case pages == 2:
		return phys, first + page
	}

	list := q.prpLists.Slice(int(cid)*q.pageSize, q.pageSize)
	for i := 1; i < pages; i++ {
		binary.LittleEndian.PutUint64(list.Virt[(i-1)*8:], first+uint64(i)*page)
	}
	return phys, list.Phys
}

func (q *IOQueue) recordIssue(start time.Time) {
	ns := uint64(time.Since(start))
	q.issueCalls.Add(1)
	q.issueNs.Add(ns)
	for {
		cur := q.maxIssueNs.Load()
		if ns <= cur || q.maxIssueNs.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// complete handles one completion entry. Order per command: callback, batch
// accounting, then the command id is released.
func (q *IOQueue) complete(c nvme.Completion) {
	if c.SQID != q.pair.qid {
		q.reportLost(c, fmt.Sprintf("completion names SQ %d", c.SQID))
		return
	}
	pend, ok := q.pair.Take(c.CommandID)
	if !ok {
		q.reportLost(c, "command id not outstanding")
		return
	}

	if pend.lost {
		// already failed to the caller and counted by expire
		q.logger.Debug("late completion", "cid", c.CommandID, "status", c.Status.String())
		if rerr := q.pair.Release(c.CommandID); rerr != nil {
			q.logger.Error("release failed", "cid", c.CommandID, "error", rerr)
		}
		return
	}

	latency := time.Since(pend.Issued)
	var err error
	if !c.Status.OK() {
		e := errs.NewQueueError(nvme.IOOpName(pend.Opcode), q.pair.qid, c.CommandID, errs.ErrCodeDeviceStatus, "")
		e.Inner = c.Status.Err()
		err = e
		q.failed.Add(1)
		q.logger.WithCommand(c.CommandID, nvme.IOOpName(pend.Opcode)).Debug("device status", "status", c.Status.String())
	}
	q.completed.Add(1)
	q.observer.ObserveCommand(pend.Opcode, uint64(pend.Bytes), uint64(latency), err == nil)

	if pend.Callback != nil {
		pend.Callback(Completion{
			QID:     q.pair.qid,
			CID:     c.CommandID,
			Opcode:  pend.Opcode,
			Result:  c.Result,
			Status:  c.Status,
			Latency: latency,
			Err:     err,
		})
	}

	if pend.Batched {
		if berr := q.batches.Update(c.CommandID); berr != nil {
			q.batchMisses.Add(1)
			q.observer.ObserveBatchMiss()
			q.logger.Warn("batch miss", "cid", c.CommandID, "error", berr)
		}
	}

	if rerr := q.pair.Release(c.CommandID); rerr != nil {
		q.logger.Error("release failed", "cid", c.CommandID, "error", rerr)
	}
}

func (q *IOQueue) reportLost(c nvme.Completion, why string) {
	q.lost.Add(1)
	q.observer.ObserveLost()
	q.logger.Warn("lost command", "cid", c.CommandID, "sqid", c.SQID, "reason", why)
}

// expire fails commands the controller fetched but has not completed within
// lostAfter drains. Their cids stay reserved until a late completion.
func (q *IOQueue) expire() int {
	lost := q.pair.ExpireFetched(q.lostAfter)
	for cid, pend := range lost {
		op := nvme.IOOpName(pend.Opcode)
		q.lost.Add(1)
		q.failed.Add(1)
		q.observer.ObserveLost()
		latency := time.Since(pend.Issued)
		q.observer.ObserveCommand(pend.Opcode, uint64(pend.Bytes), uint64(latency), false)
		q.logger.WithCommand(cid, op).Warn("lost command", "drains", pend.missed)

		if pend.Callback != nil {
			pend.Callback(Completion{
				QID:     q.pair.qid,
				CID:     cid,
				Opcode:  pend.Opcode,
				Latency: latency,
				Err: errs.NewQueueError(op, q.pair.qid, cid, errs.ErrCodeLostCommand,
					fmt.Sprintf("no completion %d drains after the controller fetched it", pend.missed)),
			})
		}
		if pend.Batched {
			if berr := q.batches.Update(cid); berr != nil {
				q.batchMisses.Add(1)
				q.observer.ObserveBatchMiss()
				q.logger.Warn("batch miss", "cid", cid, "error", berr)
			}
		}
	}
	return len(lost)
}

func (q *IOQueue) onBatchDone(b batch.Batch) {
	q.observer.ObserveBatch(b.Total)
	if q.batchDone != nil {
		q.batchDone(b)
	}
}

// Abandon fails every outstanding command with err and returns how many
// there were. Commands already declared lost are released silently. Call it only once the completion goroutine has stopped.
func (q *IOQueue) Abandon(err error) int {
	pending := q.pair.Drop()
	n := 0
	for cid, pend := range pending {
		if pend.lost {
			continue
		}
		n++
		e := errs.NewQueueError(nvme.IOOpName(pend.Opcode), q.pair.qid, cid, errs.ErrCodeClosed, "")
		e.Inner = err
		if pend.Callback != nil {
			pend.Callback(Completion{
				QID:     q.pair.qid,
				CID:     cid,
				Opcode:  pend.Opcode,
				Latency: time.Since(pend.Issued),
				Err:     e,
			})
		}
	}
	return n
}

// Stats returns a snapshot of the queue counters
func (q *IOQueue) Stats() Stats {
	s := Stats{
		Issued:          q.issued.Load(),
		Completed:       q.completed.Load(),
		Errors:          q.failed.Load(),
		QueueFull:       q.queueFull.Load(),
		Lost:            q.lost.Load(),
		BatchMisses:     q.batchMisses.Load(),
		Batches:         q.batches.Completed(),
		Outstanding:     q.pair.Outstanding(),
		MaxIssueLatency: time.Duration(q.maxIssueNs.Load()),
	}
	if calls := q.issueCalls.Load(); calls > 0 {
		s.MeanIssueLatency = time.Duration(q.issueNs.Load() / calls)
	}
	return s
}

// Close frees the PRP list pages and both rings
func (q *IOQueue) Close() error {
	var first error
	if q.prpLists != nil {
		first = q.pair.alloc.Free(q.prpLists)
		q.prpLists = nil
	}
	if err := q.pair.Free(); err != nil && first == nil {
		first = err
	}
	return first
}
