package admin

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
	"github.com/ehrlich-b/go-unvme/internal/queue"
)

// identify runs an Identify command into the shared data page and returns a
// copy of the page
func (q *Queue) identify(ctx context.Context, cns uint8, nsid uint32) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.data == nil {
		return nil, errs.NewQueueError("IDENTIFY", 0, 0, errs.ErrCodeClosed, "controller not ready: "+q.state.String())
	}

	q.data.Zero()
	if _, err := q.execute(ctx, nvme.Identify(cns, nsid, q.data.Phys)); err != nil {
		return nil, err
	}
	out := make([]byte, nvme.IdentifySize)
	copy(out, q.data.Virt)
	return out, nil
}

// IdentifyController reads the Identify Controller data structure
func (q *Queue) IdentifyController(ctx context.Context) (*nvme.IdentifyController, error) {
	b, err := q.identify(ctx, nvme.CNSController, 0)
	if err != nil {
		return nil, err
	}
	id, err := nvme.ParseIdentifyController(b)
	if err != nil {
		return nil, fmt.Errorf("parse identify controller: %w", err)
	}
	return id, nil
}

// IdentifyNamespace reads the Identify Namespace data structure for nsid
func (q *Queue) IdentifyNamespace(ctx context.Context, nsid uint32) (*nvme.IdentifyNamespace, error) {
	b, err := q.identify(ctx, nvme.CNSNamespace, nsid)
	if err != nil {
		return nil, err
	}
	ns, err := nvme.ParseIdentifyNamespace(b)
	if err != nil {
		return nil, fmt.Errorf("parse identify namespace %d: %w", nsid, err)
	}
	return ns, nil
}

// ActiveNamespaces returns the active namespace ids in increasing order
func (q *Queue) ActiveNamespaces(ctx context.Context) ([]uint32, error) {
	b, err := q.identify(ctx, nvme.CNSActiveNamespace, 0)
	if err != nil {
		return nil, err
	}
	return nvme.ParseActiveNamespaceList(b), nil
}

// GetFeature returns the current value of a feature (completion dword 0)
func (q *Queue) GetFeature(ctx context.Context, fid uint8, cdw11 uint32) (uint32, error) {
	c, err := q.Execute(ctx, nvme.GetFeatures(fid, cdw11))
	if err != nil {
		return 0, err
	}
	return c.Result, nil
}

// SetFeature sets a feature and returns completion dword 0
func (q *Queue) SetFeature(ctx context.Context, fid uint8, cdw11 uint32) (uint32, error) {
	c, err := q.Execute(ctx, nvme.SetFeatures(fid, cdw11))
	if err != nil {
		return 0, err
	}
	return c.Result, nil
}

// SetNumberOfQueues requests nsq submission and ncq completion queues and
// returns how many the controller allocated. Either may be below the request.
func (q *Queue) SetNumberOfQueues(ctx context.Context, nsq, ncq int) (int, int, error) {
	if nsq < 1 || ncq < 1 || nsq > 0xFFFF || ncq > 0xFFFF {
		return 0, 0, errs.New("SET_FEATURES", errs.ErrCodeInvalidParameters, fmt.Sprintf("invalid queue counts %d/%d", nsq, ncq))
	}
	res, err := q.SetFeature(ctx, nvme.FeatNumberOfQueues, nvme.NumberOfQueues(nsq, ncq))
	if err != nil {
		return 0, 0, err
	}
	gotSQ, gotCQ := nvme.DecodeNumberOfQueues(res)
	return gotSQ, gotCQ, nil
}

// SetInterruptCoalescing sets the aggregation threshold (1-based entry count)
// and time (100 microsecond units)
func (q *Queue) SetInterruptCoalescing(ctx context.Context, threshold int, time uint8) error {
	if threshold < 1 || threshold > 256 {
		return errs.New("SET_FEATURES", errs.ErrCodeInvalidParameters, fmt.Sprintf("coalescing threshold %d outside [1, 256]", threshold))
	}
	_, err := q.SetFeature(ctx, nvme.FeatInterruptCoalescing, nvme.InterruptCoalescing(threshold, time))
	return err
}

// SetInterruptVectorConfig enables or disables coalescing for one vector
func (q *Queue) SetInterruptVectorConfig(ctx context.Context, vector uint16, disableCoalescing bool) error {
	_, err := q.SetFeature(ctx, nvme.FeatInterruptVectorConf, nvme.InterruptVectorConfig(vector, disableCoalescing))
	return err
}

// VolatileWriteCache reports whether the volatile write cache is enabled
func (q *Queue) VolatileWriteCache(ctx context.Context) (bool, error) {
	v, err := q.GetFeature(ctx, nvme.FeatVolatileWriteCache, 0)
	if err != nil {
		return false, err
	}
	return v&1 != 0, nil
}

// SetVolatileWriteCache enables or disables the volatile write cache
func (q *Queue) SetVolatileWriteCache(ctx context.Context, enable bool) error {
	var v uint32
	if enable {
		v = 1
	}
	_, err := q.SetFeature(ctx, nvme.FeatVolatileWriteCache, v)
	return err
}

// CreateIOCQ creates the completion queue of p on the controller
func (q *Queue) CreateIOCQ(ctx context.Context, p *queue.Pair, interrupts bool) error {
	if p.QID() == 0 {
		return errs.New("CREATE_IO_CQ", errs.ErrCodeInvalidParameters, "queue 0 is the admin queue")
	}
	_, err := q.Execute(ctx, nvme.CreateIOCQ(p.QID(), p.Depth(), p.CQAddr(), uint16(p.Vector()), interrupts))
	if err != nil {
		return err
	}
	q.logger.Debug("created I/O CQ", "qid", p.QID(), "depth", p.Depth(), "vector", p.Vector())
	return nil
}

// CreateIOSQ creates the submission queue of p, bound to its own CQ
func (q *Queue) CreateIOSQ(ctx context.Context, p *queue.Pair) error {
	if p.QID() == 0 {
		return errs.New("CREATE_IO_SQ", errs.ErrCodeInvalidParameters, "queue 0 is the admin queue")
	}
	_, err := q.Execute(ctx, nvme.CreateIOSQ(p.QID(), p.Depth(), p.SQAddr(), p.QID(), 0))
	if err != nil {
		return err
	}
	q.logger.Debug("created I/O SQ", "qid", p.QID(), "depth", p.Depth())
	return nil
}

// DeleteIOSQ deletes an I/O submission queue. Commands still queued on it
// are completed by the controller with an abort status.
func (q *Queue) DeleteIOSQ(ctx context.Context, qid uint16) error {
	_, err := q.Execute(ctx, nvme.DeleteIOSQ(qid))
	return err
}

// DeleteIOCQ deletes an I/O completion queue. Its submission queue must be
// deleted first.
func (q *Queue) DeleteIOCQ(ctx context.Context, qid uint16) error {
	_, err := q.Execute(ctx, nvme.DeleteIOCQ(qid))
	return err
}

// FormatNVM low-level formats a namespace. It destroys all data on it and
// refuses to run unless opts.Confirm is set.
func (q *Queue) FormatNVM(ctx context.Context, nsid uint32, opts FormatOptions) error {
	if !opts.Confirm {
		return errs.New("FORMAT_NVM", errs.ErrCodeConfirmationRequired,
			fmt.Sprintf("formatting namespace %d erases it; set Confirm", nsid))
	}
	if opts.LBAFormat > 15 || opts.SecureErase > 2 {
		return errs.New("FORMAT_NVM", errs.ErrCodeInvalidParameters,
			fmt.Sprintf("invalid format lbaf=%d ses=%d", opts.LBAFormat, opts.SecureErase))
	}
	q.logger.Warn("formatting namespace", "nsid", nsid, "lbaf", opts.LBAFormat, "ses", opts.SecureErase)
	_, err := q.Execute(ctx, nvme.FormatNVM(nsid, opts.LBAFormat, opts.SecureErase))
	return err
}
