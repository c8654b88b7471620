package unvme

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/dma"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
	"github.com/ehrlich-b/go-unvme/internal/queue"
)

// Commands accepted by Queue.IssueBatch
const (
	OpRead  = nvme.CmdRead
	OpWrite = nvme.CmdWrite
)

type (
	// Request describes one read or write; Buf must come from DMA memory
	Request = queue.Request
	// Completion is delivered to a command's callback
	Completion = queue.Completion
	// Callback receives the completion of one command on the queue's
	// completion goroutine. It must not block and must not issue commands
	// on the same queue.
	Callback = queue.Callback
	// Hints are the dataset management hints of a read or write
	Hints = nvme.Hints
	// QueueStats is a snapshot of I/O queue counters
	QueueStats = queue.Stats
	// Region is a DMA-able buffer
	Region = hw.Region
)

// Queue is one I/O queue pair with its completion goroutine. Issue methods
// may be called from several goroutines; they are serialized.
type Queue struct {
	mu       sync.Mutex
	io       *queue.IOQueue
	runner   *queue.Runner
	observer Observer
	closed   bool
}

// ID returns the queue id (1-based)
func (q *Queue) ID() uint16 { return q.io.QID() }

// BlockSize returns the namespace block size the queue was created with
func (q *Queue) BlockSize() int { return q.io.BlockSize() }

// MaxTransfer returns the largest read or write in bytes
func (q *Queue) MaxTransfer() int { return q.io.MaxTransfer() }

// Capacity returns how many commands can be outstanding at once
func (q *Queue) Capacity() int { return q.io.Pair().Capacity() }

// Outstanding returns the number of commands awaiting completion
func (q *Queue) Outstanding() int { return q.io.Pair().Outstanding() }

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() QueueStats { return q.io.Stats() }

func (q *Queue) closedError(op string) error {
	return errs.NewQueueError(op, q.io.QID(), 0, errs.ErrCodeClosed, "")
}

func (q *Queue) sampleDepth() {
	q.observer.ObserveQueueDepth(uint32(q.io.Pair().Outstanding()))
}

// IssueRead submits a read and returns its command id. An ErrQueueFull
// error means every command id is in use; retry after completions arrive.
func (q *Queue) IssueRead(req Request, cb Callback) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, q.closedError("READ")
	}
	cid, err := q.io.IssueRead(req, cb)
	if err == nil {
		q.sampleDepth()
	}
	return cid, err
}

// IssueWrite submits a write and returns its command id
func (q *Queue) IssueWrite(req Request, cb Callback) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, q.closedError("WRITE")
	}
	cid, err := q.io.IssueWrite(req, cb)
	if err == nil {
		q.sampleDepth()
	}
	return cid, err
}

// IssueFlush submits a flush of the namespace
func (q *Queue) IssueFlush(cb Callback) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, q.closedError("FLUSH")
	}
	cid, err := q.io.IssueFlush(cb)
	if err == nil {
		q.sampleDepth()
	}
	return cid, err
}

// IssueBatch submits one read or write per request with a single doorbell
// write. cb runs for every command; Options.OnBatch runs once when all of
// them have completed. When command ids run out part way, the first n
// requests are submitted and an ErrQueueFull error is returned.
func (q *Queue) IssueBatch(op uint8, reqs []Request, cb Callback) (first, last uint16, n int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, 0, 0, q.closedError(nvme.IOOpName(op))
	}
	first, last, n, err = q.io.IssueBatch(op, reqs, cb)
	if n > 0 {
		q.sampleDepth()
	}
	return first, last, n, err
}

// call is one synchronous command in flight. If the caller gives up before
// the completion arrives, the completion returns the buffer to the pool.
type call struct {
	pool *dma.Pool
	buf  *hw.Region

	mu        sync.Mutex
	abandoned bool
	done      chan Completion
}

func newCall(pool *dma.Pool, buf *hw.Region) *call {
	return &call{pool: pool, buf: buf, done: make(chan Completion, 1)}
}

func (c *call) complete(cpl Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned {
		if c.buf != nil {
			c.pool.Put(c.buf)
		}
		return
	}
	c.done <- cpl
}

func (c *call) wait(ctx context.Context) (Completion, error) {
	select {
	case cpl := <-c.done:
		return cpl, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case cpl := <-c.done:
		return cpl, nil
	default:
	}
	c.abandoned = true
	return Completion{}, errs.Wrap("WAIT", errs.ErrCodeTimeout, ctx.Err())
}

const (
	minRetryBackoff = 10 * time.Microsecond
	maxRetryBackoff = time.Millisecond
)

// submit issues on the next queue in round-robin order, backing off while
// queues are full
func (d *Device) submit(ctx context.Context, issue func(q *Queue) error) error {
	if len(d.queues) == 0 {
		return errs.New("SUBMIT", errs.ErrCodeClosed, "device has no I/O queues")
	}
	return d.retry(ctx, func() error {
		return issue(d.queues[int(d.next.Add(1)-1)%len(d.queues)])
	})
}

// chunkSize returns the largest transfer the helpers issue per command
func (d *Device) chunkSize() int {
	n := dma.MaxBufferSize
	if len(d.queues) > 0 {
		n = min(n, d.queues[0].MaxTransfer())
	}
	return n - n%d.ns.BlockSize
}

func (d *Device) checkRange(op string, lba uint64, n int) error {
	bs := d.ns.BlockSize
	if n == 0 || n%bs != 0 {
		return errs.New(op, errs.ErrCodeInvalidParameters, fmt.Sprintf("length %d is not a positive multiple of block size %d", n, bs))
	}
	if end := lba + uint64(n/bs); end > d.ns.Blocks || end < lba {
		return errs.New(op, errs.ErrCodeInvalidParameters, fmt.Sprintf("blocks [%d, %d) beyond namespace of %d", lba, end, d.ns.Blocks))
	}
	return nil
}

// ReadBlocks reads len(p) bytes starting at block lba. len(p) must be a
// multiple of the block size. Transfers larger than one command are split.
func (d *Device) ReadBlocks(ctx context.Context, lba uint64, p []byte) error {
	return d.transfer(ctx, nvme.CmdRead, lba, p)
}

// WriteBlocks writes p starting at block lba
func (d *Device) WriteBlocks(ctx context.Context, lba uint64, p []byte) error {
	return d.transfer(ctx, nvme.CmdWrite, lba, p)
}

func (d *Device) transfer(ctx context.Context, op uint8, lba uint64, p []byte) error {
	name := nvme.IOOpName(op)
	if !d.IsRunning() {
		return errs.New(name, errs.ErrCodeClosed, "device is not running")
	}
	if err := d.checkRange(name, lba, len(p)); err != nil {
		return err
	}

	bs := d.ns.BlockSize
	chunk := d.chunkSize()
	for off := 0; off < len(p); off += chunk {
		n := min(chunk, len(p)-off)
		if err := d.transferChunk(ctx, op, lba+uint64(off/bs), p[off:off+n]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) transferChunk(ctx context.Context, op uint8, lba uint64, p []byte) error {
	buf, err := d.pool.Get(len(p))
	if err != nil {
		return errs.Wrap(nvme.IOOpName(op), errs.ErrCodeIOError, err)
	}
	if op == nvme.CmdWrite {
		copy(buf.Virt, p)
	}

	c := newCall(d.pool, buf)
	req := Request{Buf: buf, LBA: lba, Blocks: len(p) / d.ns.BlockSize}
	err = d.submit(ctx, func(q *Queue) error {
		var err error
		if op == nvme.CmdRead {
			_, err = q.IssueRead(req, c.complete)
		} else {
			_, err = q.IssueWrite(req, c.complete)
		}
		return err
	})
	if err != nil {
		d.pool.Put(buf)
		return err
	}

	cpl, err := c.wait(ctx)
	if err != nil {
		return err
	}
	if cpl.Err == nil && op == nvme.CmdRead {
		copy(p, buf.Virt)
	}
	d.pool.Put(buf)
	return cpl.Err
}

// Flush commits completed writes of the namespace to non-volatile media
func (d *Device) Flush(ctx context.Context) error {
	if !d.IsRunning() {
		return errs.New("FLUSH", errs.ErrCodeClosed, "device is not running")
	}
	c := newCall(d.pool, nil)
	err := d.submit(ctx, func(q *Queue) error {
		_, err := q.IssueFlush(c.complete)
		return err
	})
	if err != nil {
		return err
	}
	cpl, err := c.wait(ctx)
	if err != nil {
		return err
	}
	return cpl.Err
}

// retry calls issue until it is not refused for a full queue
func (d *Device) retry(ctx context.Context, issue func() error) error {
	backoff := minRetryBackoff
	for {
		err := issue()
		if err == nil || !errs.IsCode(err, errs.ErrCodeQueueFull) {
			return err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errs.Wrap("SUBMIT", errs.ErrCodeTimeout, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}
