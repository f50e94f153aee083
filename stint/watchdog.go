package stint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plumehq/plume/logger"
)

// Watchdog defaults.
const (
	DefaultWatchdogInterval = time.Minute
	DefaultRunRetention     = 7 * 24 * time.Hour
	DefaultJobRetention     = 30 * 24 * time.Hour
)

// WatchdogConfig carries the reconciliation loop's tunables.
type WatchdogConfig struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	RunRetention time.Duration
	JobRetention time.Duration
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultWatchdogInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultHeartbeatStaleAfter
	}
	if c.RunRetention <= 0 {
		c.RunRetention = DefaultRunRetention
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	return c
}

// CycleStats counts what one reconciliation cycle did.
type CycleStats struct {
	GhostsSwept      int64
	LocksSwept       int64
	Restarted        int
	Resumed          int
	ProviderFinished int
	RunsPurged       int64
	JobsPurged       int64
}

func (s CycleStats) total() int64 {
	return s.GhostsSwept + s.LocksSwept + int64(s.Restarted) + int64(s.Resumed) +
		int64(s.ProviderFinished) + s.RunsPurged + s.JobsPurged
}

// Watchdog is the safety net under the relay chain: relays are
// best-effort, so anything that falls through gets picked up here.
// It sweeps ghost jobs and stale locks, restarts jobs whose heartbeats
// went quiet, re-drives paused jobs whose in-process resume timer died
// with the daemon, polls provider-side runs, and prunes old history.
type Watchdog struct {
	engine *Engine
	cfg    WatchdogConfig
	log    *zap.SugaredLogger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog creates a watchdog over the engine's stores.
func NewWatchdog(engine *Engine, cfg WatchdogConfig) *Watchdog {
	return &Watchdog{
		engine: engine,
		cfg:    cfg.withDefaults(),
		log:    logger.ComponentLogger("watchdog"),
		now:    time.Now,
	}
}

// Start launches the periodic reconciliation loop.
func (w *Watchdog) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Infow("watchdog started", "interval", w.cfg.Interval)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Infow("watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation pass. Each step degrades
// independently: a failing query is logged and the rest of the cycle
// still runs.
func (w *Watchdog) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	cutoff := w.now().Add(-w.cfg.StaleAfter)

	if n, err := w.engine.store.SweepGhosts(ctx, ""); err != nil {
		w.log.Warnw("ghost sweep failed", "error", err)
	} else if n > 0 {
		stats.GhostsSwept = n
		w.log.Infow("swept ghost jobs", "count", n)
		w.engine.broadcast(Event{Type: EventSwept, Message: "ghost jobs swept", At: w.now()})
	}

	if n, err := w.engine.locks.SweepStale(ctx); err != nil {
		w.log.Warnw("stale lock sweep failed", "error", err)
	} else if n > 0 {
		stats.LocksSwept = n
		w.log.Infow("swept stale stage locks", "count", n)
	}

	stats.Restarted = w.restartStalled(ctx, cutoff)
	stats.Resumed = w.resumePaused(ctx, cutoff)
	stats.ProviderFinished = w.pollProviderRuns(ctx)

	if n, err := w.engine.runs.CleanupOldRuns(ctx, w.now().Add(-w.cfg.RunRetention)); err != nil {
		w.log.Warnw("run history cleanup failed", "error", err)
	} else {
		stats.RunsPurged = n
	}
	if n, err := w.engine.store.CleanupOldJobs(ctx, w.now().Add(-w.cfg.JobRetention)); err != nil {
		w.log.Warnw("job history cleanup failed", "error", err)
	} else {
		stats.JobsPurged = n
	}

	if stats.total() > 0 {
		w.recordCycle(ctx, stats)
	}
	return stats
}

// restartStalled re-drives in_progress jobs whose heartbeat went quiet.
// The worker that owned them died between checkpoints; the checkpointed
// cursor makes the restart safe.
func (w *Watchdog) restartStalled(ctx context.Context, cutoff time.Time) int {
	jobs, err := w.engine.store.ListStaleHeartbeats(ctx, cutoff)
	if err != nil {
		w.log.Warnw("stale heartbeat scan failed", "error", err)
		return 0
	}
	restarted := 0
	for _, job := range jobs {
		w.log.Infow("restarting stalled job",
			"job_id", job.ID, "workspace_id", job.WorkspaceID, "stage", job.Stage,
			"last_heartbeat", job.LastHeartbeatAt)
		if err := w.continueLater(job, 0); err != nil {
			w.log.Warnw("failed to restart stalled job", "job_id", job.ID, "error", err)
			continue
		}
		restarted++
	}
	return restarted
}

// resumePaused re-drives paused jobs that went untouched past the
// staleness threshold. A pause normally carries its own resume timer,
// but that timer lives in the process that paused the job.
func (w *Watchdog) resumePaused(ctx context.Context, cutoff time.Time) int {
	jobs, err := w.engine.store.ListStalePaused(ctx, cutoff)
	if err != nil {
		w.log.Warnw("stale paused scan failed", "error", err)
		return 0
	}
	resumed := 0
	for _, job := range jobs {
		w.log.Infow("resuming paused job with no live resume timer",
			"job_id", job.ID, "workspace_id", job.WorkspaceID, "stage", job.Stage)
		if err := w.continueLater(job, 0); err != nil {
			w.log.Warnw("failed to resume paused job", "job_id", job.ID, "error", err)
			continue
		}
		resumed++
	}
	return resumed
}

// pollProviderRuns checks provider-side async runs for jobs holding an
// external ref. A finished run re-drives the job so its next invocation
// can collect the results.
func (w *Watchdog) pollProviderRuns(ctx context.Context) int {
	jobs, err := w.engine.store.ListJobsWithExternalRef(ctx)
	if err != nil {
		w.log.Warnw("external ref scan failed", "error", err)
		return 0
	}
	finished := 0
	for _, job := range jobs {
		stage, err := w.engine.registry.Get(job.Stage)
		if err != nil {
			continue
		}
		poller, ok := stage.(StatusPoller)
		if !ok {
			continue
		}
		pollCtx, cancel := context.WithTimeout(ctx, DefaultPerCallTimeout)
		done, err := poller.PollRunStatus(pollCtx, job.WorkspaceID, *job.ExternalRef)
		cancel()
		if err != nil {
			w.log.Warnw("provider run poll failed",
				"job_id", job.ID, "external_ref", *job.ExternalRef, "error", err)
			continue
		}
		if !done {
			continue
		}
		w.log.Infow("provider run finished, re-driving job",
			"job_id", job.ID, "external_ref", *job.ExternalRef)
		if err := w.continueLater(job, 0); err != nil {
			w.log.Warnw("failed to re-drive job", "job_id", job.ID, "error", err)
			continue
		}
		finished++
	}
	return finished
}

// continueLater schedules a fresh invocation for the job with depth zero:
// watchdog restarts are minutes apart, so the tight-loop ceiling does not
// apply to them.
func (w *Watchdog) continueLater(job *Job, delay time.Duration) error {
	if w.engine.continuer == nil {
		return nil
	}
	return w.engine.continuer.ContinueLater(job.WorkspaceID, job.Stage, job.ID, delay, 0)
}

// recordCycle leaves a run-log row for cycles that changed something, so
// operators can see the safety net firing without reading logs.
func (w *Watchdog) recordCycle(ctx context.Context, stats CycleStats) {
	run := &Run{
		WorkspaceID: "system",
		Stage:       "watchdog",
		Outcome:     Outcome("cycle"),
		Processed:   int(stats.total()),
	}
	if err := w.engine.runs.Begin(ctx, run); err != nil {
		w.log.Debugw("failed to record watchdog cycle", "error", err)
		return
	}
	if err := w.engine.runs.Finish(ctx, run); err != nil {
		w.log.Debugw("failed to record watchdog cycle", "error", err)
	}
}
