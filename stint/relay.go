package stint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
)

// InvokeFunc runs one engine invocation.
type InvokeFunc func(ctx context.Context, req *TriggerRequest) (*TriggerResult, error)

// InProcessRelay implements Continuer with supervised in-process timers.
// This is the daemon deployment shape: the process that finishes an
// invocation also hosts the timer for the next one. Shutdown cancels
// timers that have not fired; an invocation already running is allowed to
// finish, since it bounds itself by its own budget.
type InProcessRelay struct {
	invoke InvokeFunc
	log    *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewInProcessRelay creates a relay that drives continuations through the
// given invoke function.
func NewInProcessRelay(invoke InvokeFunc) *InProcessRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcessRelay{
		invoke: invoke,
		log:    logger.ComponentLogger("relay"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ContinueLater schedules one invocation of workspace/stage after delay.
// A zero delay still goes through a goroutine hop, so the caller's stack
// unwinds and its lock release lands before the next acquire.
func (r *InProcessRelay) ContinueLater(workspaceID, stage, jobID string, delay time.Duration, depth int) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("relay is shut down")
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-r.ctx.Done():
				r.log.Debugw("relay cancelled during delay",
					"workspace_id", workspaceID, "stage", stage, "job_id", jobID)
				return
			}
		} else if r.ctx.Err() != nil {
			return
		}

		req := &TriggerRequest{
			WorkspaceID: workspaceID,
			Stage:       stage,
			JobID:       jobID,
			RelayDepth:  depth,
		}
		// Invocations self-bound via their budget; shutdown drains them
		// instead of cancelling mid-checkpoint.
		res, err := r.invoke(context.Background(), req)
		if err != nil {
			r.log.Warnw("relayed invocation failed",
				"workspace_id", workspaceID, "stage", stage, "job_id", jobID, "error", err)
			return
		}
		r.log.Debugw("relayed invocation finished",
			"workspace_id", workspaceID, "stage", stage, "job_id", res.JobID, "outcome", res.Outcome)
	}()
	return nil
}

// Close stops accepting continuations and cancels pending timers.
func (r *InProcessRelay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

// Drain blocks until in-flight relays finish or the timeout passes.
// Returns false on timeout.
func (r *InProcessRelay) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
