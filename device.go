// Package unvme drives an NVMe controller from userspace: it brings the
// controller up through the admin queue, creates I/O queue pairs with one
// completion goroutine each and submits NVM commands without a kernel
// driver in the data path.
package unvme

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/admin"
	"github.com/ehrlich-b/go-unvme/internal/batch"
	"github.com/ehrlich-b/go-unvme/internal/constants"
	"github.com/ehrlich-b/go-unvme/internal/dma"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/logging"
	"github.com/ehrlich-b/go-unvme/internal/queue"
)

// Logger is the structured logger used throughout the driver
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

// NewLogger creates a logger; a nil config uses logging defaults
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}

// Batch describes a group of commands submitted with one doorbell write
type Batch = batch.Batch

// Hardware bundles the platform collaborators of one controller. Vector 0
// serves the admin queue and vector i serves I/O queue i.
type Hardware struct {
	Regs  hw.Registers
	Alloc hw.Allocator
	Intr  hw.Interrupts
}

// DeviceParams contains parameters for bringing up a controller
type DeviceParams struct {
	NumQueues       int    // I/O queue pairs to request (default: 1)
	QueueDepth      int    // entries per I/O queue, clamped to CAP.MQES (default: 256)
	AdminQueueDepth int    // entries in the admin queue (default: 32)
	NamespaceID     uint32 // namespace used for I/O (default: 1)
	BatchCapacity   int    // outstanding batches per queue (default: 16)

	// Interrupt coalescing; a zero threshold leaves the controller default
	CoalescingThreshold int
	CoalescingTime      uint8 // 100us units

	// Admin command and bring-up timing
	CommandTimeout    time.Duration
	PollAttempts      int
	ReadyPollInterval time.Duration
	MaxReadyPolls     int
	ShutdownTimeout   time.Duration

	// LostAfterDrains is how many completion drains an I/O command the
	// controller has fetched may go uncompleted before it fails with
	// ErrLostCommand (default: 32)
	LostAfterDrains int

	// BufferCache is the number of idle DMA buffers kept per size by the
	// synchronous helpers
	BufferCache int
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		NumQueues:         constants.DefaultNumIOQueues,
		QueueDepth:        constants.DefaultIOQueueDepth,
		AdminQueueDepth:   constants.DefaultAdminQueueDepth,
		NamespaceID:       constants.DefaultNamespaceID,
		BatchCapacity:     constants.DefaultBatchRingCapacity,
		CommandTimeout:    constants.AdminCommandTimeout,
		PollAttempts:      constants.AdminPollAttempts,
		ReadyPollInterval: constants.ReadyPollInterval,
		MaxReadyPolls:     constants.MaxReadyPolls,
		ShutdownTimeout:   constants.ShutdownTimeout,
		LostAfterDrains:   constants.LostAfterDrains,
		BufferCache:       8,
	}
}

func (p DeviceParams) validate(vectors int) error {
	switch {
	case p.NumQueues < 1 || p.NumQueues > 0xFFFE:
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("queue count %d outside [1, 65534]", p.NumQueues))
	case p.QueueDepth < 2 || p.QueueDepth > constants.MaxQueueDepth:
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("queue depth %d outside [2, %d]", p.QueueDepth, constants.MaxQueueDepth))
	case p.NamespaceID == 0 || p.NamespaceID == 0xFFFFFFFF:
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("invalid namespace id %#x", p.NamespaceID))
	case p.CoalescingThreshold < 0 || p.CoalescingThreshold > 256:
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("coalescing threshold %d outside [0, 256]", p.CoalescingThreshold))
	case p.LostAfterDrains < 0:
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("negative lost command drain limit %d", p.LostAfterDrains))
	case vectors < p.NumQueues+1:
		return errs.New("OPEN", errs.ErrCodeInvalidParameters,
			fmt.Sprintf("%d queues need %d interrupt vectors, have %d", p.NumQueues, p.NumQueues+1, vectors))
	}
	return nil
}

// Options contains additional options for Open
type Options struct {
	// Logger for driver messages (if nil, uses the default logger)
	Logger *Logger

	// Observer receives command events in addition to the device Metrics
	Observer Observer

	// OnBatch is called once per completed batch, on the completion
	// goroutine of queue qid
	OnBatch func(qid uint16, b Batch)
}

// DeviceState represents the lifecycle state of a Device
type DeviceState string

const (
	// DeviceStateCreated indicates bring-up has not finished
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning indicates the I/O queues accept commands
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates Shutdown has run
	DeviceStateStopped DeviceState = "stopped"
)

// ControllerInfo is what bring-up learned about the controller
type ControllerInfo struct {
	Serial             string `json:"serial"`
	Model              string `json:"model"`
	Firmware           string `json:"firmware"`
	SubsystemNQN       string `json:"subnqn,omitempty"`
	Version            string `json:"version"`
	MaxQueueEntries    int    `json:"max_queue_entries"`
	MaxTransfer        int    `json:"max_transfer"` // bytes per command, 0 if unlimited
	NumNamespaces      uint32 `json:"num_namespaces"`
	VolatileWriteCache bool   `json:"volatile_write_cache"`
}

// Namespace describes one active namespace
type Namespace struct {
	ID        uint32    `json:"id"`
	Blocks    uint64    `json:"blocks"`
	BlockSize int       `json:"block_size"`
	GUID      uuid.UUID `json:"guid"`
}

// Size returns the namespace capacity in bytes
func (n Namespace) Size() int64 {
	return int64(n.Blocks) * int64(n.BlockSize)
}

// Device is a controller brought up by Open
type Device struct {
	hw       Hardware
	params   DeviceParams
	options  Options
	logger   *Logger
	admin    *admin.Queue
	pool     *dma.Pool
	metrics  *Metrics
	observer Observer

	// completion goroutines outlive the context passed to Open
	ctx    context.Context
	cancel context.CancelFunc

	controller  ControllerInfo
	namespaces  []Namespace
	ns          Namespace
	maxTransfer int
	queues      []*Queue
	next        atomic.Uint64

	mu    sync.Mutex
	state DeviceState
}

// Open brings up the controller behind hw and creates its I/O queues:
//
//  1. reset, program the admin queue and wait for CSTS.RDY
//  2. identify the controller and every active namespace
//  3. negotiate the number of I/O queues
//  4. create each completion queue, then its submission queue, and start
//     its completion goroutine
//
// Any failure releases what was created so far. Failures during step 1 are
// ErrCodeFatalInit errors.
//
// Example:
//
//	ctrl, hw, _ := unvme.NewEmulated(64<<20, nil)
//	dev, err := unvme.Open(ctx, unvme.DefaultParams(), hw, nil)
//	...
//	defer unvme.Shutdown(ctx, dev)
func Open(ctx context.Context, params DeviceParams, hwr Hardware, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if hwr.Regs == nil || hwr.Alloc == nil || hwr.Intr == nil {
		return nil, errs.New("OPEN", errs.ErrCodeInvalidParameters, "registers, allocator and interrupts are required")
	}
	if err := params.validate(hwr.Intr.Vectors()); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = fanout{observer, options.Observer}
	}

	aq, err := admin.New(admin.Config{
		Regs:              hwr.Regs,
		Alloc:             hwr.Alloc,
		Intr:              hwr.Intr,
		Depth:             params.AdminQueueDepth,
		Logger:            logger,
		ReadyPollInterval: params.ReadyPollInterval,
		MaxReadyPolls:     params.MaxReadyPolls,
		CommandTimeout:    params.CommandTimeout,
		PollAttempts:      params.PollAttempts,
		ShutdownTimeout:   params.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := aq.Enable(ctx); err != nil {
		aq.Close()
		return nil, err
	}

	d := &Device{
		hw:       hwr,
		params:   params,
		options:  *options,
		logger:   logger,
		admin:    aq,
		metrics:  metrics,
		observer: observer,
		state:    DeviceStateCreated,
	}
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := d.bringUp(ctx); err != nil {
		logger.Error("bring-up failed", "error", err)
		if serr := Shutdown(ctx, d); serr != nil {
			logger.Warn("cleanup after failed bring-up", "error", serr)
		}
		return nil, err
	}

	d.mu.Lock()
	d.state = DeviceStateRunning
	d.mu.Unlock()
	logger.Info("device ready",
		"model", d.controller.Model,
		"nsid", d.ns.ID,
		"blocks", d.ns.Blocks,
		"block_size", d.ns.BlockSize,
		"queues", len(d.queues))
	return d, nil
}

func (d *Device) bringUp(ctx context.Context) error {
	caps := d.admin.Capabilities()

	id, err := d.admin.IdentifyController(ctx)
	if err != nil {
		return err
	}
	minPage := 4096 << caps.MPSMIN
	d.maxTransfer = id.MaxTransferSize(minPage)
	d.controller = ControllerInfo{
		Serial:             id.Serial(),
		Model:              id.Model(),
		Firmware:           id.Firmware(),
		SubsystemNQN:       id.SubsystemNQN(),
		Version:            d.admin.Version().String(),
		MaxQueueEntries:    caps.MaxQueueEntries(),
		MaxTransfer:        d.maxTransfer,
		NumNamespaces:      id.NN,
		VolatileWriteCache: id.HasVolatileWriteCache(),
	}

	ids, err := d.admin.ActiveNamespaces(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, nsid := range ids {
		ns, err := d.admin.IdentifyNamespace(ctx, nsid)
		if err != nil {
			return err
		}
		n := Namespace{ID: nsid, Blocks: ns.NSZE, BlockSize: ns.BlockSize(), GUID: ns.GUID()}
		d.namespaces = append(d.namespaces, n)
		if nsid == d.params.NamespaceID {
			d.ns, found = n, true
		}
	}
	if !found {
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("namespace %d is not active", d.params.NamespaceID))
	}
	if d.ns.BlockSize == 0 {
		return errs.New("OPEN", errs.ErrCodeInvalidParameters, fmt.Sprintf("namespace %d reports no usable LBA format", d.ns.ID))
	}

	want := d.params.NumQueues
	nsq, ncq, err := d.admin.SetNumberOfQueues(ctx, want, want)
	if err != nil {
		return err
	}
	granted := min(nsq, ncq, want)
	if granted < want {
		d.logger.Warn("controller granted fewer I/O queues", "requested", want, "sq", nsq, "cq", ncq)
	}

	if d.params.CoalescingThreshold > 0 {
		if err := d.admin.SetInterruptCoalescing(ctx, d.params.CoalescingThreshold, d.params.CoalescingTime); err != nil {
			return err
		}
	}

	depth := d.params.QueueDepth
	if limit := caps.MaxQueueEntries(); depth > limit {
		d.logger.Warn("I/O queue depth clamped", "requested", depth, "max", limit)
		depth = limit
	}

	for qid := 1; qid <= granted; qid++ {
		q, err := d.createQueue(ctx, uint16(qid), depth, caps.DSTRD)
		if err != nil {
			return err
		}
		d.queues = append(d.queues, q)
	}

	d.pool = dma.NewPool(d.hw.Alloc, d.params.BufferCache)
	return nil
}

// createQueue creates the completion queue before the submission queue and
// undoes both on failure
func (d *Device) createQueue(ctx context.Context, qid uint16, depth int, dstrd uint8) (*Queue, error) {
	pair, err := queue.NewPair(queue.PairConfig{
		QID:    qid,
		Depth:  depth,
		Vector: int(qid),
		DSTRD:  dstrd,
		Regs:   d.hw.Regs,
		Alloc:  d.hw.Alloc,
	})
	if err != nil {
		return nil, err
	}
	if err := d.admin.CreateIOCQ(ctx, pair, true); err != nil {
		pair.Free()
		return nil, err
	}
	if err := d.admin.CreateIOSQ(ctx, pair); err != nil {
		d.admin.DeleteIOCQ(ctx, qid)
		pair.Free()
		return nil, err
	}

	var onBatch func(batch.Batch)
	if d.options.OnBatch != nil {
		hook := d.options.OnBatch
		onBatch = func(b batch.Batch) { hook(qid, b) }
	}
	ioq, err := queue.NewIOQueue(queue.Config{
		Pair:          pair,
		NSID:          d.ns.ID,
		BlockSize:     d.ns.BlockSize,
		MaxTransfer:   d.maxTransfer,
		BatchCapacity: d.params.BatchCapacity,
		Observer:      d.observer,
		Logger:        d.logger,
		LostAfter:     d.params.LostAfterDrains,
		BatchDone:     onBatch,
	})
	if err != nil {
		d.admin.DeleteIOSQ(ctx, qid)
		d.admin.DeleteIOCQ(ctx, qid)
		pair.Free()
		return nil, err
	}

	runner := queue.NewRunner(ioq, d.hw.Intr, d.logger)
	if err := runner.Start(d.ctx); err != nil {
		d.admin.DeleteIOSQ(ctx, qid)
		d.admin.DeleteIOCQ(ctx, qid)
		ioq.Close()
		return nil, err
	}
	return &Queue{io: ioq, runner: runner, observer: d.observer}, nil
}

// Shutdown deletes every I/O queue, fails commands that never completed with
// ErrClosed, shuts the controller down (CC.SHN) and frees all DMA memory.
// Per queue the submission queue is deleted first, its completion goroutine
// stopped and drained, then the completion queue deleted. The first error
// is returned; teardown continues past errors.
func Shutdown(ctx context.Context, d *Device) error {
	if d == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.state == DeviceStateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = DeviceStateStopped
	d.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for i := len(d.queues) - 1; i >= 0; i-- {
		keep(d.deleteQueue(ctx, d.queues[i]))
	}
	if d.pool != nil {
		keep(d.pool.Close())
	}
	keep(d.admin.Shutdown(ctx))
	d.cancel()
	d.metrics.Stop()

	if first != nil {
		d.logger.Warn("shutdown finished with errors", "error", first)
	} else {
		d.logger.Info("device shut down", "queues", len(d.queues))
	}
	return first
}

func (d *Device) deleteQueue(ctx context.Context, q *Queue) error {
	qid := q.ID()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	live := d.admin.State() == admin.StateReady
	if live {
		// queued commands come back aborted before the SQ is gone
		keep(d.admin.DeleteIOSQ(ctx, qid))
	}
	keep(q.runner.Stop())
	q.runner.Drain()
	if live {
		keep(d.admin.DeleteIOCQ(ctx, qid))
	}
	if n := q.io.Abandon(ErrClosed); n > 0 {
		d.logger.Warn("commands never completed", "qid", qid, "count", n)
	}
	keep(q.io.Close())
	return first
}

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsRunning returns true if the device accepts commands
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NumQueues returns the number of I/O queues created
func (d *Device) NumQueues() int {
	return len(d.queues)
}

// Queue returns I/O queue i, 0 <= i < NumQueues. Its queue id is i+1.
func (d *Device) Queue(i int) *Queue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i]
}

// Controller returns what bring-up learned about the controller
func (d *Device) Controller() ControllerInfo {
	return d.controller
}

// Namespaces returns every active namespace
func (d *Device) Namespaces() []Namespace {
	return append([]Namespace(nil), d.namespaces...)
}

// Namespace returns the namespace used for I/O
func (d *Device) Namespace() Namespace {
	return d.ns
}

// BlockSize returns the block size of the I/O namespace
func (d *Device) BlockSize() int {
	return d.ns.BlockSize
}

// Size returns the size of the I/O namespace in bytes
func (d *Device) Size() int64 {
	return d.ns.Size()
}

// Admin exposes the admin queue for commands the device does not wrap
func (d *Device) Admin() *admin.Queue {
	return d.admin
}

// QueueInfo describes one I/O queue
type QueueInfo struct {
	ID       uint16     `json:"id"`
	Depth    int        `json:"depth"`
	Capacity int        `json:"capacity"`
	Vector   int        `json:"vector"`
	Wakeups  uint64     `json:"wakeups"`
	Stats    QueueStats `json:"stats"`
}

// DeviceInfo contains comprehensive information about a device
type DeviceInfo struct {
	State       DeviceState    `json:"state"`
	Controller  ControllerInfo `json:"controller"`
	Namespace   Namespace      `json:"namespace"`
	Size        int64          `json:"size"`
	NumQueues   int            `json:"num_queues"`
	Queues      []QueueInfo    `json:"queues"`
	AdminLost   uint64         `json:"admin_lost"`
	BufferAlloc uint64         `json:"buffer_allocs"`
	BufferReuse uint64         `json:"buffer_reuses"`
	Running     bool           `json:"running"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	state := d.State()
	info := DeviceInfo{
		State:      state,
		Controller: d.controller,
		Namespace:  d.ns,
		Size:       d.Size(),
		NumQueues:  len(d.queues),
		AdminLost:  d.admin.Lost(),
		Running:    state == DeviceStateRunning,
	}
	if d.pool != nil {
		info.BufferAlloc, info.BufferReuse = d.pool.Stats()
	}
	for _, q := range d.queues {
		p := q.io.Pair()
		info.Queues = append(info.Queues, QueueInfo{
			ID:       q.ID(),
			Depth:    p.Depth(),
			Capacity: p.Capacity(),
			Vector:   p.Vector(),
			Wakeups:  q.runner.Wakeups(),
			Stats:    q.Stats(),
		})
	}
	return info
}

// Metrics returns the live metrics of the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// QueueDepth returns the depth of the I/O queues
func (d *Device) QueueDepth() int {
	if len(d.queues) == 0 {
		return 0
	}
	return d.queues[0].io.Pair().Depth()
}
