package stint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
)

// RunReport summarizes one pass of the batch loop.
type RunReport struct {
	// Processed counts items durably applied this invocation.
	Processed int

	// Failed counts items marked failed at the source this invocation.
	Failed int

	// Exhausted means the source has no more work for this job.
	Exhausted bool

	// Waiting means the remaining items are blocked on a dependency.
	Waiting bool

	// Aborted means the job status was mutated externally mid-run, or
	// the stage lock was lost; the batch stopped cleanly.
	Aborted bool

	// RateLimit is set when a throttle delay could not fit the budget.
	RateLimit *errors.RateLimitError

	// Err is a permanent failure; the job fails immediately.
	Err error
}

// bufferedPage tracks how many of a fetched page's items still await
// application, and where the cursor moves once they are all done.
type bufferedPage struct {
	pending    int
	nextCursor string
}

// Runner drains bounded pages of work for one job until the source is
// exhausted or the budget's margin is reached. It owns checkpoint cadence,
// lock refresh, and status re-validation; domain I/O stays behind the
// Stage.
//
// Fetched items flow through a carry-over buffer so sub-batches keep their
// full size across page boundaries: pages and downstream calls have
// different cost profiles, and a tail of 5 items should ride with the next
// page's head instead of wasting a downstream call. The durable cursor
// only advances when every item of a page has been applied; the read-ahead
// position is invocation-local, so a crash replays unapplied pages and the
// destination's idempotent upsert absorbs the overlap.
type Runner struct {
	store       *Store
	locks       *LockManager
	cfg         EngineConfig
	broadcaster Broadcaster
	log         *zap.SugaredLogger
}

// NewRunner creates a batch runner over the given stores.
func NewRunner(store *Store, locks *LockManager, cfg EngineConfig, log *zap.SugaredLogger) *Runner {
	return &Runner{store: store, locks: locks, cfg: cfg, log: log}
}

// Run executes the fetch, process, checkpoint loop for one invocation.
// Every exit path leaves the job checkpoint-consistent; the caller owns
// the continuation decision and the lock release.
func (r *Runner) Run(ctx context.Context, stage Stage, job *Job, holderID string, budget *Budget) *RunReport {
	report := &RunReport{}

	var (
		buffer      []Item
		pages       []bufferedPage
		buffered    = make(map[string]struct{})
		fetchCursor = job.Cursor
		sourceDone  bool
		fillStalled bool
		skipped     int
		subBatches  int
	)

	for {
		if budget.Exhausted() || ctx.Err() != nil {
			return report
		}

		// Top up the buffer to one full sub-batch. Query-shaped sources
		// re-return items we already hold but have not applied, so
		// appends are deduped against the buffer; a fetch contributing
		// nothing new stalls the fill instead of spinning on the same
		// page.
		fillStalled = false
		for len(buffer) < r.cfg.SubBatchSize && !sourceDone {
			if budget.Exhausted() || ctx.Err() != nil {
				return report
			}
			live, err := r.revalidate(ctx, job)
			if err != nil {
				return report
			}
			if !live {
				report.Aborted = true
				return report
			}

			page, err := r.fetchPage(ctx, stage, job.WorkspaceID, fetchCursor, budget)
			if err != nil {
				r.noteCallFailure(ctx, job, err, report, "page fetch")
				return report
			}
			if page.ExternalRef != "" {
				r.noteExternalRef(ctx, job, page.ExternalRef)
			}
			if len(page.Items) == 0 {
				sourceDone = true
				break
			}

			appended := 0
			for _, item := range page.Items {
				if !item.Processable {
					skipped++
					continue
				}
				if _, held := buffered[item.ExternalID]; held {
					continue
				}
				buffered[item.ExternalID] = struct{}{}
				buffer = append(buffer, item)
				appended++
			}
			pages = append(pages, bufferedPage{pending: appended, nextCursor: page.NextCursor})
			fetchCursor = page.NextCursor
			if !page.HasMore {
				sourceDone = true
			}
			if appended == 0 {
				fillStalled = true
				break
			}
		}

		if len(buffer) == 0 {
			if skipped > 0 {
				report.Waiting = true
			} else {
				report.Exhausted = true
			}
			return report
		}

		size := r.cfg.SubBatchSize
		if len(buffer) < size {
			if !sourceDone && !fillStalled {
				continue
			}
			size = len(buffer)
		}
		batch := buffer[:size]

		live, err := r.revalidate(ctx, job)
		if err != nil {
			return report
		}
		if !live {
			report.Aborted = true
			return report
		}

		res, err := r.processBatch(ctx, stage, job, batch, budget)
		if err != nil {
			r.noteCallFailure(ctx, job, err, report, "sub-batch")
			return report
		}

		report.Processed += res.Done
		report.Failed += res.Failed
		r.noteBatchSuccess(ctx, job, res)

		for _, item := range batch {
			delete(buffered, item.ExternalID)
		}
		buffer = buffer[size:]
		cursor, advanced := consumePages(&pages, size)

		delta := CheckpointDelta{
			Seq:    job.CheckpointSeq + 1,
			Done:   res.Done,
			Failed: res.Failed,
		}
		if advanced {
			delta.Cursor = &cursor
		}
		applied, cerr := r.store.Checkpoint(ctx, job, delta)
		if cerr != nil {
			r.log.Errorw("checkpoint write failed, stopping batch",
				"job_id", job.ID, "error", cerr)
			return report
		}
		if !applied {
			// A sequence mismatch under an exclusive lock means the row
			// was rewritten externally. Stop rather than fight it.
			r.log.Warnw("checkpoint not applied, stopping batch",
				"job_id", job.ID, "seq", delta.Seq)
			report.Aborted = true
			return report
		}
		r.broadcast(Event{
			Type:        EventCheckpoint,
			WorkspaceID: job.WorkspaceID,
			Stage:       job.Stage,
			JobID:       job.ID,
			Status:      job.Status,
			Processed:   job.Progress.Done,
			Remaining:   job.Progress.Remaining(),
			At:          time.Now(),
		})

		subBatches++
		if subBatches%r.cfg.LockRefreshEvery == 0 {
			if lerr := r.locks.Refresh(ctx, job.WorkspaceID, job.Stage, holderID); lerr != nil {
				r.log.Warnw("lost stage lock mid-batch, stopping",
					"job_id", job.ID, "error", lerr)
				report.Aborted = true
				return report
			}
			if herr := r.store.Heartbeat(ctx, job.ID); herr != nil {
				r.log.Warnw("heartbeat failed mid-batch", "job_id", job.ID, "error", herr)
			}
		}
	}
}

// revalidate re-reads the job's status before touching the source or the
// downstream API. Jobs are cancelled by external status mutation, not an
// API; this is where a mutation is noticed.
func (r *Runner) revalidate(ctx context.Context, job *Job) (bool, error) {
	cur, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		r.log.Warnw("failed to re-validate job status, stopping batch",
			"job_id", job.ID, "error", err)
		return false, err
	}
	if cur.Status != StatusInProgress {
		r.log.Infow("job status changed externally, stopping batch",
			"job_id", job.ID, "status", cur.Status)
		return false, nil
	}
	return true, nil
}

func (r *Runner) fetchPage(ctx context.Context, stage Stage, workspaceID, cursor string, budget *Budget) (*Page, error) {
	var page *Page
	err := CallWithRetry(ctx, budget, func(cctx context.Context) error {
		var ferr error
		page, ferr = stage.FetchPage(cctx, workspaceID, cursor, r.cfg.PageSize)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = &Page{}
	}
	return page, nil
}

func (r *Runner) processBatch(ctx context.Context, stage Stage, job *Job, batch []Item, budget *Budget) (*BatchResult, error) {
	var res *BatchResult
	err := CallWithRetry(ctx, budget, func(cctx context.Context) error {
		var perr error
		res, perr = stage.ProcessBatch(cctx, job.WorkspaceID, batch)
		return perr
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &BatchResult{}
	}
	return res, nil
}

// noteBatchSuccess records the bookkeeping a successful sub-batch
// implies: the consecutive failure streak is over, and the provider may
// have handed us a run identifier worth keeping.
func (r *Runner) noteBatchSuccess(ctx context.Context, job *Job, res *BatchResult) {
	if res.ExternalRef != "" {
		r.noteExternalRef(ctx, job, res.ExternalRef)
	}
	if job.ConsecutiveFailures > 0 {
		if err := r.store.ResetFailures(ctx, job.ID); err != nil {
			r.log.Warnw("failed to reset failure count", "job_id", job.ID, "error", err)
		} else {
			job.ConsecutiveFailures = 0
		}
	}
}

func (r *Runner) noteExternalRef(ctx context.Context, job *Job, ref string) {
	if job.ExternalRef != nil && *job.ExternalRef == ref {
		return
	}
	if err := r.store.SetExternalRef(ctx, job.ID, ref); err != nil {
		r.log.Warnw("failed to record external ref", "job_id", job.ID, "error", err)
		return
	}
	held := ref
	job.ExternalRef = &held
}

// noteCallFailure routes a failed downstream call into the report: rate
// limits surface for continuation scheduling, permanent errors fail the
// job, shutdown stops quietly, and anything else counts one sub-batch
// failure toward the pause ceiling. The failed sub-batch's items were
// left pending at the source, so a later invocation retries them.
func (r *Runner) noteCallFailure(ctx context.Context, job *Job, err error, report *RunReport, what string) {
	var rle *errors.RateLimitError
	if errors.As(err, &rle) {
		report.RateLimit = rle
		return
	}
	if ClassifyFailure(err) == FailurePermanent {
		report.Err = err
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.log.Warnw("downstream call failed",
		"job_id", job.ID, "stage", job.Stage, "call", what, "error", err)
	count, rerr := r.store.RecordFailure(ctx, job.ID, err.Error())
	if rerr != nil {
		r.log.Errorw("failed to record failure", "job_id", job.ID, "error", rerr)
		return
	}
	job.ConsecutiveFailures = count
}

func (r *Runner) broadcast(ev Event) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(ev)
	}
}

// consumePages decrements page pending counts as n buffered items are
// applied, in FIFO order, and returns the cursor of the furthest fully
// consumed page. Pages that arrived with zero appendable items ride
// along and complete whenever the page before them does.
func consumePages(pages *[]bufferedPage, n int) (string, bool) {
	var (
		cursor   string
		advanced bool
	)
	q := *pages
	for n > 0 && len(q) > 0 {
		head := &q[0]
		take := head.pending
		if take > n {
			take = n
		}
		head.pending -= take
		n -= take
		if head.pending > 0 {
			break
		}
		cursor = head.nextCursor
		advanced = true
		q = q[1:]
	}
	for len(q) > 0 && q[0].pending == 0 && advanced {
		cursor = q[0].nextCursor
		advanced = true
		q = q[1:]
	}
	*pages = q
	return cursor, advanced
}
