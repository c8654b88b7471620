package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/logging"
)

// Runner is the completion goroutine of one I/O queue. It waits on the
// queue's interrupt vector, drains every new completion entry, and rings the
// CQ doorbell once per drain.
type Runner struct {
	queue  *IOQueue
	intr   hw.Interrupts
	logger *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	wakeups atomic.Uint64
	drained atomic.Uint64
}

// NewRunner creates a runner for q. Nothing runs until Start.
func NewRunner(q *IOQueue, intr hw.Interrupts, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		queue:  q,
		intr:   intr,
		logger: logger.WithQueue(q.QID()),
	}
}

// Start launches the completion goroutine
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("runner for queue %d already started", r.queue.QID())
	}
	vector := r.queue.pair.vector
	if vector < 0 || vector >= r.intr.Vectors() {
		return fmt.Errorf("queue %d: %w: %d", r.queue.QID(), hw.ErrBadVector, vector)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, vector)
	return nil
}

// Stop cancels the completion goroutine and waits for it to exit. It is safe
// to call while the goroutine is blocked waiting for an interrupt.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	<-done
	return r.err
}

// Done is closed when the completion goroutine exits
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Runner) loop(ctx context.Context, vector int) {
	// One OS thread per queue keeps completion handling on a single core.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	r.logger.Debug("completion loop started", "vector", vector)
	for {
		err := r.intr.Wait(ctx, vector)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.logger.Debug("completion loop stopping")
				return
			}
			r.logger.Error("interrupt wait failed", "error", err)
			r.err = err
			return
		}
		r.wakeups.Add(1)
		r.Drain()
	}
}

// Drain consumes every completion whose phase tag is current and rings the
// CQ doorbell if any were consumed. Commands the controller fetched long ago
// without completing are then failed as lost. It must only be called from the
// completion goroutine, or after Stop.
func (r *Runner) Drain() int {
	p := r.queue.pair
	n := 0
	for {
		c, ok := p.NextCompletion()
		if !ok {
			break
		}
		r.queue.complete(c)
		n++
	}
	if n > 0 {
		p.RingCompletionDoorbell()
		r.drained.Add(uint64(n))
		r.queue.expire()
	}
	r.queue.batches.Reap()
	return n
}

// Wakeups returns how many interrupts the runner has handled
func (r *Runner) Wakeups() uint64 { return r.wakeups.Load() }

// Drained returns how many completion entries the runner has consumed
func (r *Runner) Drained() uint64 { return r.drained.Load() }
