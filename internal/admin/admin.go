// Package admin drives the controller through enable and shutdown and runs
// admin commands on queue 0.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/logging"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
	"github.com/ehrlich-b/go-unvme/internal/queue"
)

// maxAdminDepth is the largest size AQA can express
const maxAdminDepth = 4096

// Queue is the admin queue. Commands are synchronous and serialized: at most
// one is in flight at any time.
type Queue struct {
	cfg    Config
	regs   hw.Registers
	alloc  hw.Allocator
	intr   hw.Interrupts
	logger *logging.Logger

	mu      sync.Mutex
	state   State
	cap     nvme.Capabilities
	version nvme.Version
	pair    *queue.Pair
	data    *hw.Region // identify and other admin data transfers

	commands uint64
	lost     uint64
}

// New returns an admin queue for a controller. Nothing is written to the
// controller until Enable.
func New(cfg Config) (*Queue, error) {
	if cfg.Regs == nil || cfg.Alloc == nil {
		return nil, errs.New("ADMIN", errs.ErrCodeInvalidParameters, "registers and allocator are required")
	}
	cfg.setDefaults()
	if cfg.Depth < 2 || cfg.Depth > maxAdminDepth {
		return nil, errs.New("ADMIN", errs.ErrCodeInvalidParameters, fmt.Sprintf("admin queue depth %d outside [2, %d]", cfg.Depth, maxAdminDepth))
	}
	if cfg.Intr != nil && cfg.Intr.Vectors() < 1 {
		return nil, errs.New("ADMIN", errs.ErrCodeInvalidParameters, "admin queue needs interrupt vector 0")
	}
	return &Queue{
		cfg:    cfg,
		regs:   cfg.Regs,
		alloc:  cfg.Alloc,
		intr:   cfg.Intr,
		logger: cfg.Logger.WithQueue(0),
		state:  StateDisabled,
	}, nil
}

// State returns the current bring-up state
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Capabilities returns CAP as read by Enable
func (q *Queue) Capabilities() nvme.Capabilities {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cap
}

// Version returns VS as read by Enable
func (q *Queue) Version() nvme.Version {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// Lost returns how many admin commands were declared lost
func (q *Queue) Lost() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

func fatal(op, msg string) error {
	return errs.New(op, errs.ErrCodeFatalInit, msg)
}

// Enable resets the controller, programs the admin queue and waits for
// CSTS.RDY. Any failure leaves the controller unusable and is reported as an
// ErrCodeFatalInit error.
func (q *Queue) Enable(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cap = nvme.DecodeCapabilities(q.regs.Read64(nvme.RegCAP))
	q.version = nvme.DecodeVersion(q.regs.Read32(nvme.RegVS))
	q.logger.Info("controller capabilities", "cap", q.cap.String(), "version", q.version.String())

	if !q.cap.SupportsNVM() {
		return fatal("ENABLE", "controller does not support the NVM command set")
	}
	pageSize := q.alloc.PageSize()
	shift, ok := nvme.PageShift(pageSize)
	if !ok || !q.cap.SupportsPageSize(pageSize) {
		return fatal("ENABLE", fmt.Sprintf("host page size %d outside controller range", pageSize))
	}

	depth := q.cfg.Depth
	if limit := q.cap.MaxQueueEntries(); depth > limit {
		q.logger.Warn("admin queue depth clamped", "requested", depth, "max", limit)
		depth = limit
	}

	// Disable first so the controller drops any state from a previous owner.
	if cc := q.regs.Read32(nvme.RegCC); cc&nvme.CCEnable != 0 {
		q.regs.Write32(nvme.RegCC, cc&^nvme.CCEnable)
	}
	if err := q.waitReady(ctx, false); err != nil {
		return err
	}
	q.state = StateDisabled

	q.releaseMemory()
	pair, err := queue.NewPair(queue.PairConfig{
		QID:    0,
		Depth:  depth,
		Vector: 0,
		DSTRD:  q.cap.DSTRD,
		Regs:   q.regs,
		Alloc:  q.alloc,
	})
	if err != nil {
		return errs.Wrap("ENABLE", errs.ErrCodeFatalInit, err)
	}
	data, err := q.alloc.Alloc(nvme.IdentifySize)
	if err != nil {
		pair.Free()
		return errs.Wrap("ENABLE", errs.ErrCodeFatalInit, err)
	}
	q.pair, q.data = pair, data

	q.regs.Write32(nvme.RegAQA, nvme.AdminQueueAttributes(depth, depth))
	q.regs.Write64(nvme.RegASQ, pair.SQAddr())
	q.regs.Write64(nvme.RegACQ, pair.CQAddr())
	q.state = StateConfigured

	cc := nvme.ControllerConfig(shift)
	q.regs.Write32(nvme.RegCC, cc)
	q.regs.Write32(nvme.RegCC, cc|nvme.CCEnable)
	q.state = StateEnabled

	if err := q.waitReady(ctx, true); err != nil {
		return err
	}
	q.state = StateReady
	q.logger.Info("controller ready", "admin_depth", depth, "page_size", pageSize)
	return nil
}

// waitReady polls CSTS.RDY until it equals ready. The wait is bounded by
// CAP.TO and by the configured poll count, whichever ends first.
func (q *Queue) waitReady(ctx context.Context, ready bool) error {
	limit := q.cap.Timeout()
	start := time.Now()
	ticker := time.NewTicker(q.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for i := 0; i < q.cfg.MaxReadyPolls; i++ {
		csts := q.regs.Read32(nvme.RegCSTS)
		if ready && csts&nvme.CSTSFatal != 0 {
			return fatal("ENABLE", "controller fatal status (CSTS.CFS) during enable")
		}
		if (csts&nvme.CSTSReady != 0) == ready {
			return nil
		}
		if limit > 0 && time.Since(start) > limit {
			break
		}
		select {
		case <-ctx.Done():
			return errs.Wrap("ENABLE", errs.ErrCodeFatalInit, ctx.Err())
		case <-ticker.C:
		}
	}

	want := 0
	if ready {
		want = 1
	}
	return fatal("ENABLE", fmt.Sprintf("timed out after %s waiting for CSTS.RDY=%d", time.Since(start).Round(time.Millisecond), want))
}

// Execute submits one admin command and waits for its completion. A
// completion with an error status returns an ErrCodeDeviceStatus error
// wrapping *errs.StatusError, together with the completion itself.
//
// If no matching completion arrives within the configured attempts the
// command is reported as lost; its command id stays allocated so a late
// completion cannot be mistaken for a later command.
func (q *Queue) Execute(ctx context.Context, cmd nvme.SubmissionEntry) (nvme.Completion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.execute(ctx, cmd)
}

func (q *Queue) execute(ctx context.Context, cmd nvme.SubmissionEntry) (nvme.Completion, error) {
	op := nvme.AdminOpName(cmd.Opcode)
	if q.state != StateReady {
		return nvme.Completion{}, errs.NewQueueError(op, 0, 0, errs.ErrCodeClosed, "controller not ready: "+q.state.String())
	}

	cid, slot, err := q.pair.NextSubmissionSlot()
	if err != nil {
		return nvme.Completion{}, errs.NewQueueError(op, 0, 0, errs.ErrCodeQueueFull, "admin queue full of lost commands")
	}
	cmd.CommandID = cid
	cmd.Encode(slot)
	q.pair.RingSubmissionDoorbell()
	q.commands++

	log := q.logger.WithCommand(cid, op)
	log.Debug("admin command submitted")

	for attempt := 0; ; attempt++ {
		if c, ok := q.reap(cid); ok {
			if !c.Status.OK() {
				e := errs.NewQueueError(op, 0, cid, errs.ErrCodeDeviceStatus, "")
				e.Inner = c.Status.Err()
				log.Debug("admin command failed", "status", c.Status.String())
				return c, e
			}
			return c, nil
		}
		if attempt == q.cfg.PollAttempts {
			break
		}
		if err := q.wait(ctx); err != nil {
			return nvme.Completion{}, errs.NewQueueError(op, 0, cid, errs.ErrCodeTimeout, err.Error())
		}
	}

	q.lost++
	log.Warn("admin command lost", "attempts", q.cfg.PollAttempts)
	return nvme.Completion{}, errs.NewQueueError(op, 0, cid, errs.ErrCodeLostCommand,
		fmt.Sprintf("no completion after %d attempts", q.cfg.PollAttempts))
}

// reap drains the admin CQ looking for cid. Completions for other command
// ids belong to commands already declared lost; their ids are released.
func (q *Queue) reap(cid uint16) (nvme.Completion, bool) {
	var (
		found nvme.Completion
		ok    bool
		n     int
	)
	for {
		c, more := q.pair.NextCompletion()
		if !more {
			break
		}
		n++
		if c.CommandID == cid && c.SQID == 0 && !ok {
			found, ok = c, true
		} else {
			q.logger.Warn("stale admin completion", "cid", c.CommandID, "sqid", c.SQID)
		}
		if err := q.pair.Release(c.CommandID); err != nil {
			q.logger.Warn("admin completion for free command id", "cid", c.CommandID)
		}
	}
	if n > 0 {
		q.pair.RingCompletionDoorbell()
	}
	return found, ok
}

// wait blocks for one admin interrupt or one command timeout. Timing out is
// not an error; the caller counts attempts.
func (q *Queue) wait(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, q.cfg.CommandTimeout)
	defer cancel()

	if q.intr == nil {
		ticker := time.NewTicker(q.cfg.ReadyPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if q.pair.HasCompletion() {
					return nil
				}
			}
		}
	}

	err := q.intr.Wait(wctx, 0)
	if err == nil || errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Shutdown performs a normal controller shutdown (CC.SHN), waits for
// CSTS.SHST to report completion and then disables the controller.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateDisabled {
		return nil
	}

	cc := q.regs.Read32(nvme.RegCC)
	q.regs.Write32(nvme.RegCC, cc&^nvme.CCShutdownMask|nvme.CCShutdownNormal)

	deadline := time.Now().Add(q.cfg.ShutdownTimeout)
	ticker := time.NewTicker(q.cfg.ReadyPollInterval)
	defer ticker.Stop()

	var err error
	for err == nil && q.regs.Read32(nvme.RegCSTS)&nvme.CSTSShutdownMask != nvme.CSTSShutdownComplete {
		if time.Now().After(deadline) {
			err = errs.New("SHUTDOWN", errs.ErrCodeTimeout, "controller did not report shutdown complete")
			break
		}
		select {
		case <-ctx.Done():
			err = errs.Wrap("SHUTDOWN", errs.ErrCodeTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	// Disable regardless so the controller stops touching host memory.
	q.regs.Write32(nvme.RegCC, q.regs.Read32(nvme.RegCC)&^nvme.CCEnable)
	q.state = StateDisabled
	q.releaseMemory()

	if err != nil {
		q.logger.Warn("shutdown incomplete", "error", err)
		return err
	}
	q.logger.Info("controller shut down", "admin_commands", q.commands)
	return nil
}

// Close frees admin queue memory without touching the controller
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = StateDisabled
	return q.releaseMemory()
}

func (q *Queue) releaseMemory() error {
	var first error
	if q.pair != nil {
		first = q.pair.Free()
		q.pair = nil
	}
	if q.data != nil {
		if err := q.alloc.Free(q.data); err != nil && first == nil {
			first = err
		}
		q.data = nil
	}
	return first
}
