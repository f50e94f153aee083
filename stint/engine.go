package stint

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
)

// Engine tunables. Invocations are sized for short execution windows:
// finish a slice of work, leave before the platform reclaims the worker,
// and relay the remainder to a fresh invocation.
const (
	DefaultInvocationBudget    = 45 * time.Second
	DefaultSafetyMargin        = 5 * time.Second
	DefaultPerCallTimeout      = 10 * time.Second
	DefaultPageSize            = 50
	DefaultSubBatchSize        = 15
	DefaultLockRefreshEvery    = 3
	DefaultFailureCeiling      = 5
	DefaultPauseDelay          = 5 * time.Minute
	DefaultHeartbeatStaleAfter = 10 * time.Minute
	DefaultRelayCeiling        = 100

	// MaxFanOut bounds concurrent downstream calls within one sub-batch
	// for stages that process items individually.
	MaxFanOut = 4
)

// EngineConfig carries the engine's tunables. Zero values fall back to
// the defaults above, so tests can override a single knob.
type EngineConfig struct {
	InvocationBudget    time.Duration
	SafetyMargin        time.Duration
	PerCallTimeout      time.Duration
	PageSize            int
	SubBatchSize        int
	LockRefreshEvery    int
	FailureCeiling      int
	PauseDelay          time.Duration
	HeartbeatStaleAfter time.Duration
	RelayCeiling        int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.InvocationBudget <= 0 {
		c.InvocationBudget = DefaultInvocationBudget
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = DefaultPerCallTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = DefaultSubBatchSize
	}
	if c.LockRefreshEvery <= 0 {
		c.LockRefreshEvery = DefaultLockRefreshEvery
	}
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = DefaultFailureCeiling
	}
	if c.PauseDelay <= 0 {
		c.PauseDelay = DefaultPauseDelay
	}
	if c.HeartbeatStaleAfter <= 0 {
		c.HeartbeatStaleAfter = DefaultHeartbeatStaleAfter
	}
	if c.RelayCeiling <= 0 {
		c.RelayCeiling = DefaultRelayCeiling
	}
	return c
}

// TriggerRequest asks the engine to run one invocation of a stage for a
// workspace. Relays pass the continuation fields; external callers
// usually send just the workspace and stage.
type TriggerRequest struct {
	WorkspaceID        string `json:"workspace_id"`
	Stage              string `json:"stage"`
	JobID              string `json:"job_id,omitempty"`
	ResumeCursor       string `json:"resume_cursor,omitempty"`
	SleepBeforeStartMS int64  `json:"sleep_before_start_ms,omitempty"`
	RelayDepth         int    `json:"relay_depth,omitempty"`
}

// TriggerResult reports what one invocation did. Success is false only
// when the invocation itself failed; a skipped or no-work invocation is
// a successful one.
type TriggerResult struct {
	Success          bool    `json:"success"`
	Outcome          Outcome `json:"outcome"`
	JobID            string  `json:"job_id,omitempty"`
	JobStatus        Status  `json:"job_status,omitempty"`
	ProcessedThisRun int     `json:"processed_this_run"`
	Remaining        int     `json:"remaining"`
	RelayDepth       int     `json:"relay_depth"`
	Message          string  `json:"message,omitempty"`
}

// Engine coordinates resumable batch jobs: it resolves which job an
// invocation works on, guards it with a stage lock, runs the batch loop
// under a time budget, and turns the outcome into the next scheduled
// step. Each Invoke is self-contained, so a fleet of short-lived workers
// can drive long jobs to completion between them.
type Engine struct {
	store       *Store
	locks       *LockManager
	runs        *RunLog
	registry    *Registry
	runner      *Runner
	cfg         EngineConfig
	continuer   Continuer
	broadcaster Broadcaster
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewEngine wires an engine over the given database and stage registry.
func NewEngine(database *sql.DB, registry *Registry, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	log := logger.ComponentLogger("stint")
	store := NewStore(database)
	locks := NewLockManager(database)
	locks.staleAfter = cfg.HeartbeatStaleAfter
	return &Engine{
		store:    store,
		locks:    locks,
		runs:     NewRunLog(database),
		registry: registry,
		runner:   NewRunner(store, locks, cfg, log),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SetContinuer installs the scheduler used for relays and stage chaining.
// Without one the engine still runs single invocations; continuations
// are logged and dropped.
func (e *Engine) SetContinuer(c Continuer) { e.continuer = c }

// SetBroadcaster installs the live event sink. Also forwarded to the
// runner for per-checkpoint events.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
	e.runner.broadcaster = b
}

// Store exposes the job store for the HTTP layer and the watchdog.
func (e *Engine) Store() *Store { return e.store }

// Runs exposes the run log.
func (e *Engine) Runs() *RunLog { return e.runs }

// Locks exposes the lock manager.
func (e *Engine) Locks() *LockManager { return e.locks }

// Registry exposes the stage registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Config returns the engine's effective configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Invoke runs one bounded invocation for the requested workspace and
// stage. It never blocks past the invocation budget plus the requested
// entry sleep.
func (e *Engine) Invoke(ctx context.Context, req *TriggerRequest) (*TriggerResult, error) {
	if req == nil || req.WorkspaceID == "" || req.Stage == "" {
		return nil, errors.NewInvalidRequestError("workspace_id and stage are required")
	}
	stage, err := e.registry.Get(req.Stage)
	if err != nil {
		return nil, err
	}

	// A provider-requested delay sleeps before the clock starts: the
	// budget measures our work, not the provider's cooldown.
	if req.SleepBeforeStartMS > 0 {
		if err := sleepCtx(ctx, time.Duration(req.SleepBeforeStartMS)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	budget := NewBudget(e.cfg.InvocationBudget, e.cfg.SafetyMargin, e.cfg.PerCallTimeout)

	run := &Run{WorkspaceID: req.WorkspaceID, Stage: req.Stage, RelayDepth: req.RelayDepth}
	if err := e.runs.Begin(ctx, run); err != nil {
		e.log.Warnw("failed to record run start", "stage", req.Stage, "error", err)
	}

	holderID := NewHolderID()
	acquired, err := e.locks.Acquire(ctx, req.WorkspaceID, req.Stage, holderID)
	if err != nil {
		e.finishRun(run, OutcomeFailed, nil, err.Error())
		return nil, errors.Wrap(err, "failed to acquire stage lock")
	}
	if !acquired {
		e.log.Infow("stage lock held elsewhere, skipping invocation",
			"workspace_id", req.WorkspaceID, "stage", req.Stage)
		e.finishRun(run, OutcomeSkipped, nil, "stage lock held by another worker")
		return &TriggerResult{
			Success: true,
			Outcome: OutcomeSkipped,
			Message: "another worker holds this stage",
		}, nil
	}
	released := false
	releaseLock := func() {
		if released {
			return
		}
		released = true
		// Release on a fresh context: the invocation's context may
		// already be dead, and a leaked lock stalls the stage until
		// the stale sweep.
		if rerr := e.locks.Release(context.Background(), req.WorkspaceID, req.Stage, holderID); rerr != nil {
			e.log.Warnw("failed to release stage lock",
				"workspace_id", req.WorkspaceID, "stage", req.Stage, "error", rerr)
		}
	}
	defer releaseLock()

	// Ghosts block FindActiveJob and hold no recoverable state; sweep
	// them opportunistically so a crashed zero-work job cannot wedge
	// its workspace until the next watchdog cycle.
	if swept, serr := e.store.SweepGhosts(ctx, req.WorkspaceID); serr != nil {
		e.log.Warnw("ghost sweep failed", "workspace_id", req.WorkspaceID, "error", serr)
	} else if swept > 0 {
		e.log.Infow("swept ghost jobs", "workspace_id", req.WorkspaceID, "count", swept)
	}

	job, err := e.resolveJob(ctx, req, stage, budget)
	if err != nil {
		e.finishRun(run, OutcomeFailed, nil, err.Error())
		return &TriggerResult{Success: false, Outcome: OutcomeFailed, Message: err.Error()}, nil
	}
	if job == nil {
		e.finishRun(run, OutcomeNoWork, nil, "")
		res := &TriggerResult{Success: true, Outcome: OutcomeNoWork, Message: "no work to do"}
		releaseLock()
		e.chainNext(stage, req.WorkspaceID, OutcomeNoWork)
		return res, nil
	}
	run.JobID = job.ID

	if job.Status != StatusInProgress {
		if terr := e.store.Transition(ctx, job, StatusInProgress, ""); terr != nil {
			e.finishRun(run, OutcomeFailed, job, terr.Error())
			return &TriggerResult{Success: false, Outcome: OutcomeFailed, JobID: job.ID, Message: terr.Error()}, nil
		}
	}
	if herr := e.store.Heartbeat(ctx, job.ID); herr != nil {
		e.log.Warnw("initial heartbeat failed", "job_id", job.ID, "error", herr)
	}
	e.broadcast(Event{
		Type:        EventStarted,
		WorkspaceID: job.WorkspaceID,
		Stage:       job.Stage,
		JobID:       job.ID,
		Status:      job.Status,
		Processed:   job.Progress.Done,
		Remaining:   job.Progress.Remaining(),
		At:          e.now(),
	})
	e.log.Infow("invocation started",
		"workspace_id", job.WorkspaceID,
		"stage", job.Stage,
		"job_id", job.ID,
		"relay_depth", req.RelayDepth,
		"remaining", job.Progress.Remaining())

	report := e.runner.Run(ctx, stage, job, holderID, budget)
	cont := Decide(report, job.ConsecutiveFailures, req.RelayDepth, e.cfg)

	errMsg := cont.Reason
	if report.Err != nil {
		errMsg = report.Err.Error()
	}
	e.applyOutcome(ctx, job, cont, errMsg)
	if derr := e.store.SetRelayDepth(ctx, job.ID, cont.Depth); derr != nil {
		e.log.Warnw("failed to persist relay depth", "job_id", job.ID, "error", derr)
	}

	run.Processed = report.Processed
	run.Failed = report.Failed
	run.RelayDepth = cont.Depth
	e.finishRun(run, cont.Outcome, job, errMsg)
	e.broadcast(Event{
		Type:        EventFinished,
		WorkspaceID: job.WorkspaceID,
		Stage:       job.Stage,
		JobID:       job.ID,
		Status:      job.Status,
		Outcome:     cont.Outcome,
		Processed:   job.Progress.Done,
		Remaining:   job.Progress.Remaining(),
		At:          e.now(),
	})
	e.log.Infow("invocation finished",
		"workspace_id", job.WorkspaceID,
		"stage", job.Stage,
		"job_id", job.ID,
		"outcome", cont.Outcome,
		"processed", report.Processed,
		"failed", report.Failed,
		"remaining", job.Progress.Remaining(),
		"relay_depth", cont.Depth)

	// The lock must be gone before any continuation is scheduled: a
	// zero-delay relay otherwise races our own hold and skips.
	releaseLock()

	if cont.Relay {
		e.scheduleRelay(job, cont)
	}
	e.chainNext(stage, req.WorkspaceID, cont.Outcome)

	return &TriggerResult{
		Success:          cont.Outcome != OutcomeFailed,
		Outcome:          cont.Outcome,
		JobID:            job.ID,
		JobStatus:        job.Status,
		ProcessedThisRun: report.Processed,
		Remaining:        job.Progress.Remaining(),
		RelayDepth:       cont.Depth,
		Message:          cont.Reason,
	}, nil
}

// resolveJob finds the job this invocation works on: the requested job
// when resuming, else the workspace's active job for the stage, else a
// new job when the source reports pending work. A nil job with nil error
// means there is nothing to do and no row was created.
func (e *Engine) resolveJob(ctx context.Context, req *TriggerRequest, stage Stage, budget *Budget) (*Job, error) {
	if req.JobID != "" {
		job, err := e.store.GetJob(ctx, req.JobID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve job %s", req.JobID)
		}
		if job.WorkspaceID != req.WorkspaceID || job.Stage != req.Stage {
			return nil, errors.NewInvalidRequestError("job %s does not belong to %s/%s", req.JobID, req.WorkspaceID, req.Stage)
		}
		if job.Status.IsTerminal() {
			e.log.Infow("requested job already terminal, looking for other work",
				"job_id", job.ID, "status", job.Status)
		} else if job.IsGhost() {
			e.log.Infow("requested job is a ghost, looking for other work", "job_id", job.ID)
		} else {
			return job, nil
		}
	}

	job, err := e.store.FindActiveJob(ctx, req.WorkspaceID, req.Stage)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up active job")
	}
	if job != nil {
		return job, nil
	}

	callCtx, cancel := budget.CallContext(ctx)
	total, err := stage.CountWork(callCtx, req.WorkspaceID)
	cancel()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count pending work for %s", req.Stage)
	}
	if total <= 0 {
		return nil, nil
	}

	job = &Job{
		WorkspaceID: req.WorkspaceID,
		Stage:       req.Stage,
		Cursor:      req.ResumeCursor,
		Progress:    Progress{Total: total},
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "failed to create job")
	}
	e.log.Infow("created job",
		"workspace_id", job.WorkspaceID, "stage", job.Stage, "job_id", job.ID, "total", total)
	return job, nil
}

// applyOutcome moves the job's persisted status to match the
// continuation decision. Non-terminal outcomes leave the job in_progress
// for the next invocation; an aborted run leaves whatever status the
// external mutation set.
func (e *Engine) applyOutcome(ctx context.Context, job *Job, cont Continuation, errMsg string) {
	var target Status
	switch cont.Outcome {
	case OutcomeCompleted:
		target = StatusCompleted
	case OutcomePaused:
		target = StatusPaused
	case OutcomeFailed:
		target = StatusFailed
	default:
		return
	}
	if err := e.store.Transition(ctx, job, target, errMsg); err != nil {
		e.log.Errorw("failed to apply outcome transition",
			"job_id", job.ID, "target", target, "error", err)
	}
}

// scheduleRelay hands the continuation to the continuer. Losing a relay
// is not fatal: the watchdog restarts jobs whose heartbeats go stale.
func (e *Engine) scheduleRelay(job *Job, cont Continuation) {
	if e.continuer == nil {
		e.log.Warnw("no continuer configured, dropping relay",
			"job_id", job.ID, "outcome", cont.Outcome, "delay", cont.Delay)
		return
	}
	if err := e.continuer.ContinueLater(job.WorkspaceID, job.Stage, job.ID, cont.Delay, cont.Depth); err != nil {
		e.log.Warnw("failed to schedule relay",
			"job_id", job.ID, "delay", cont.Delay, "error", err)
	}
}

// chainNext triggers the stage's successor once this stage has nothing
// left: a completed run hands over, and so does a no-work invocation,
// since the successor may still hold requeued items from earlier runs.
func (e *Engine) chainNext(stage Stage, workspaceID string, outcome Outcome) {
	if outcome != OutcomeCompleted && outcome != OutcomeNoWork {
		return
	}
	next := stage.NextStage()
	if next == "" {
		return
	}
	if e.continuer == nil {
		e.log.Warnw("no continuer configured, dropping stage chain",
			"workspace_id", workspaceID, "stage", stage.Name(), "next", next)
		return
	}
	e.log.Infow("chaining to next stage",
		"workspace_id", workspaceID, "stage", stage.Name(), "next", next)
	if err := e.continuer.ContinueLater(workspaceID, next, "", 0, 0); err != nil {
		e.log.Warnw("failed to chain next stage",
			"workspace_id", workspaceID, "next", next, "error", err)
	}
}

// finishRun closes the run log row. Run tracking is observability, not
// ledger: failures degrade to a log line.
func (e *Engine) finishRun(run *Run, outcome Outcome, job *Job, errMsg string) {
	run.Outcome = outcome
	if job != nil {
		run.JobID = job.ID
		run.Remaining = job.Progress.Remaining()
	}
	if errMsg != "" {
		run.ErrorMessage = &errMsg
	}
	if err := e.runs.Finish(context.Background(), run); err != nil {
		e.log.Warnw("failed to record run finish", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) broadcast(ev Event) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ev)
	}
}
