// Package emu is a software NVMe controller. It implements hw.Registers,
// hw.Allocator and hw.Interrupts so the driver can be brought up, exercised
// and faulted without hardware.
//
// A worker goroutine plays the device: doorbell writes wake it, it fetches
// submission entries from emulated DMA memory, executes them against a
// backend.Media namespace and posts completion entries with the phase tag,
// SQ head and SQ id a real controller would write.
package emu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-unvme/backend"
	"github.com/ehrlich-b/go-unvme/internal/logging"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

// Defaults used when Options leaves a field zero
const (
	DefaultMaxQueueEntries = 1024
	DefaultVectors         = 8
	DefaultMaxIOQueues     = 16
	DefaultBlockSize       = 512
	DefaultTimeout         = 10 // CAP.TO, 500ms units
	DefaultMDTS            = 8
	DefaultMediaSize       = 64 << 20
)

// Options configures the emulated controller
type Options struct {
	// Media backs namespace 1. A DefaultMediaSize memory namespace is used when nil.
	Media backend.Media
	// BlockSize selects the initial LBA format: 512 or 4096
	BlockSize int

	MaxQueueEntries int   // CAP.MQES + 1
	DoorbellStride  uint8 // CAP.DSTRD
	Timeout         uint8 // CAP.TO
	Vectors         int
	MaxIOQueues     int
	PageSize        int
	MDTS            uint8

	Serial string
	Model  string

	// NoNVMCommandSet clears CAP.CSS so bring-up must fail
	NoNVMCommandSet bool
	// NeverReady leaves CSTS.RDY clear after CC.EN is set
	NeverReady bool

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.MaxQueueEntries == 0 {
		o.MaxQueueEntries = DefaultMaxQueueEntries
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Vectors == 0 {
		o.Vectors = DefaultVectors
	}
	if o.MaxIOQueues == 0 {
		o.MaxIOQueues = DefaultMaxIOQueues
	}
	if o.PageSize == 0 {
		o.PageSize = 4096
	}
	if o.MDTS == 0 {
		o.MDTS = DefaultMDTS
	}
	if o.Serial == "" {
		o.Serial = "UNVME0001"
	}
	if o.Model == "" {
		o.Model = "go-unvme emulated controller"
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Stats counts what the emulated device has done
type Stats struct {
	AdminCommands  uint64
	IOCommands     uint64
	Completions    uint64
	Dropped        uint64
	Aborted        uint64
	Interrupts     uint64
	DoorbellErrors uint64
}

type submissionQueue struct {
	id   uint16
	base uint64
	size uint32
	cqid uint16
	head uint32
	tail uint32
}

type completionQueue struct {
	id     uint16
	base   uint64
	size   uint32
	vector uint16
	ien    bool
	head   uint32
	tail   uint32
	phase  bool
}

func (q *completionQueue) full() bool {
	return (q.tail+1)%q.size == q.head
}

type injectKey struct {
	admin  bool
	opcode uint8
}

// Controller is an emulated NVMe controller with a single namespace
type Controller struct {
	opts   Options
	logger *logging.Logger
	media  backend.Media
	guid   uuid.UUID

	pageShift uint
	dstrd     uint8
	caps      nvme.Capabilities

	mem   *memory
	intr  *vectors
	kick  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	close sync.Once

	mu       sync.Mutex
	cc       uint32
	csts     uint32
	aqa      uint32
	asq      uint64
	acq      uint64
	intMask  uint32
	sqs      map[uint16]*submissionQueue
	cqs      map[uint16]*completionQueue
	features map[uint8]uint32
	ioQueues int // allocated by Set Features (Number of Queues)
	flbas    uint8
	paused   bool

	inject map[injectKey]nvme.Status
	drop   int
	stats  Stats
}

// New creates a controller and starts its worker goroutine. The controller
// starts disabled, as after a reset.
func New(opts Options) (*Controller, error) {
	opts.setDefaults()

	shift, ok := nvme.PageShift(opts.PageSize)
	if !ok || shift < 12 || shift > 16 {
		return nil, fmt.Errorf("emu: unsupported page size %d", opts.PageSize)
	}
	var flbas uint8
	switch opts.BlockSize {
	case 512:
	case 4096:
		flbas = 1
	default:
		return nil, fmt.Errorf("emu: unsupported block size %d", opts.BlockSize)
	}
	if opts.MaxQueueEntries < 2 || opts.MaxQueueEntries > 1<<16 {
		return nil, fmt.Errorf("emu: max queue entries %d outside [2, 65536]", opts.MaxQueueEntries)
	}
	if opts.Vectors < 1 {
		return nil, fmt.Errorf("emu: need at least one interrupt vector")
	}

	media := opts.Media
	if media == nil {
		media = backend.NewMemory(DefaultMediaSize)
	}

	caps := nvme.Capabilities{
		MQES:   uint16(opts.MaxQueueEntries - 1),
		CQR:    true,
		TO:     opts.Timeout,
		DSTRD:  opts.DoorbellStride,
		CSS:    nvme.CapCSSNVM,
		MPSMIN: 0,
		MPSMAX: uint8(shift - 12),
	}
	if opts.NoNVMCommandSet {
		caps.CSS = 0
	}

	c := &Controller{
		opts:      opts,
		logger:    opts.Logger.WithController("emu"),
		media:     media,
		guid:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Serial)),
		pageShift: shift,
		dstrd:     opts.DoorbellStride,
		caps:      caps,
		mem:       newMemory(opts.PageSize),
		intr:      newVectors(opts.Vectors),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		sqs:       make(map[uint16]*submissionQueue),
		cqs:       make(map[uint16]*completionQueue),
		features:  make(map[uint8]uint32),
		flbas:     flbas,
		inject:    make(map[injectKey]nvme.Status),
	}
	c.resetFeatures()
	go c.run()
	return c, nil
}

// Close stops the worker and closes the namespace media
func (c *Controller) Close() error {
	var err error
	c.close.Do(func() {
		close(c.stop)
		<-c.done
		err = c.media.Close()
	})
	return err
}

// Media returns the namespace backing store
func (c *Controller) Media() backend.Media { return c.media }

// BlockSize returns the block size of the active LBA format
func (c *Controller) BlockSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockSize()
}

func (c *Controller) blockSize() int {
	return lbaFormats[c.flbas].BlockSize()
}

// Stats returns a snapshot of the device counters
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Interrupts = c.intr.signalled.Load()
	return s
}

// Pause stops command fetching. Doorbell writes are still latched and are
// processed after Resume.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume restarts command fetching
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.wake()
}

func (c *Controller) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}
		c.mu.Lock()
		c.process()
		c.mu.Unlock()
	}
}

// process fetches and executes commands until every SQ is empty or blocked
// on a full CQ. Called with c.mu held.
func (c *Controller) process() {
	for !c.paused && c.csts&nvme.CSTSReady != 0 {
		progress := false
		for _, qid := range c.sqIDs() {
			sq, ok := c.sqs[qid]
			if !ok {
				continue
			}
			for sq.head != sq.tail {
				cq, ok := c.cqs[sq.cqid]
				if !ok || cq.full() {
					break
				}
				entry, ok := c.mem.slice(sq.base+uint64(sq.head)*nvme.SubmissionEntrySize, nvme.SubmissionEntrySize)
				if !ok {
					c.fatal(fmt.Sprintf("SQ %d entry %d outside host memory", qid, sq.head))
					return
				}
				cmd, _ := nvme.DecodeSubmission(entry)
				sq.head = (sq.head + 1) % sq.size
				c.dispatch(sq, cmd)
				progress = true
				if _, live := c.sqs[qid]; !live || c.csts&nvme.CSTSReady == 0 {
					break
				}
			}
		}
		if !progress {
			return
		}
	}
}

func (c *Controller) sqIDs() []uint16 {
	ids := make([]uint16, 0, len(c.sqs))
	for id := range c.sqs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Controller) dispatch(sq *submissionQueue, cmd nvme.SubmissionEntry) {
	admin := sq.id == 0
	if admin {
		c.stats.AdminCommands++
	} else {
		c.stats.IOCommands++
	}

	key := injectKey{admin: admin, opcode: cmd.Opcode}
	if st, ok := c.inject[key]; ok {
		delete(c.inject, key)
		c.logger.Debug("injected status", "qid", sq.id, "cid", cmd.CommandID, "status", st.String())
		c.complete(sq, cmd.CommandID, 0, st)
		return
	}

	var (
		result uint32
		st     nvme.Status
	)
	if admin {
		result, st = c.execAdmin(&cmd)
	} else {
		st = c.execIO(&cmd)
	}
	c.complete(sq, cmd.CommandID, result, st)
}

// complete posts a completion entry for a command fetched from sq
func (c *Controller) complete(sq *submissionQueue, cid uint16, result uint32, st nvme.Status) {
	if c.drop > 0 {
		c.drop--
		c.stats.Dropped++
		c.logger.Debug("dropped completion", "qid", sq.id, "cid", cid)
		return
	}
	cq, ok := c.cqs[sq.cqid]
	if !ok {
		return
	}
	entry, ok := c.mem.slice(cq.base+uint64(cq.tail)*nvme.CompletionEntrySize, nvme.CompletionEntrySize)
	if !ok {
		c.fatal(fmt.Sprintf("CQ %d entry %d outside host memory", cq.id, cq.tail))
		return
	}
	comp := nvme.Completion{
		Result:    result,
		SQHead:    uint16(sq.head),
		SQID:      sq.id,
		CommandID: cid,
		Phase:     cq.phase,
		Status:    st,
	}
	comp.Encode(entry)
	cq.tail++
	if cq.tail == cq.size {
		cq.tail = 0
		cq.phase = !cq.phase
	}
	c.stats.Completions++
	if cq.ien {
		c.intr.signal(int(cq.vector))
	}
}

// fatal sets CSTS.CFS and stops processing until the next reset
func (c *Controller) fatal(why string) {
	c.logger.Error("controller fatal status", "reason", why)
	c.csts |= nvme.CSTSFatal
	c.csts &^= nvme.CSTSReady
}

// SetFatal raises CSTS.CFS as a failing device would
func (c *Controller) SetFatal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatal("injected")
}

// InjectStatus makes the next command with opcode complete with st instead
// of executing. admin selects the admin or the NVM opcode space.
func (c *Controller) InjectStatus(opcode uint8, admin bool, st nvme.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inject[injectKey{admin: admin, opcode: opcode}] = st
}

// DropCompletions executes the next n commands without posting their
// completion entries
func (c *Controller) DropCompletions(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop += n
}
