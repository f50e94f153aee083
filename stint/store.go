package stint

import (
	"context"
	"database/sql"
	"time"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/util"
)

// maxErrorMessageLen bounds diagnostics persisted on job rows. Raw
// provider bodies can be arbitrarily large and belong in logs.
const maxErrorMessageLen = 500

// Store persists stint jobs. All mutation funnels through Checkpoint and
// Transition so no caller can bypass the sequence guard or the lifecycle
// rules.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a job store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateJob inserts a new job row. ID, status, and timestamps are filled
// in when the caller left them zero.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if !IsValidStatus(job.Status) {
		return errors.Newf("invalid job status: %s", job.Status)
	}
	if job.WorkspaceID == "" || job.Stage == "" {
		return errors.NewInvalidRequestError("job requires workspace_id and stage")
	}

	now := s.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stint_jobs (
			id, workspace_id, stage, status, cursor, checkpoint_seq,
			progress_done, progress_failed, progress_total,
			retry_count, consecutive_failures, relay_depth,
			error_message, external_ref,
			last_heartbeat_at, started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkspaceID, job.Stage, string(job.Status), job.Cursor, job.CheckpointSeq,
		job.Progress.Done, job.Progress.Failed, job.Progress.Total,
		job.RetryCount, job.ConsecutiveFailures, job.RelayDepth,
		nullableString(job.ErrorMessage), nullableString(job.ExternalRef),
		nullableTime(job.LastHeartbeatAt), nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create stint job")
	}
	return nil
}

// GetJob fetches one job by id, wrapping ErrNotFound for missing rows.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM stint_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("stint job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get stint job %s", id)
	}
	return job, nil
}

// FindActiveJob returns the resumable job for a (workspace, stage) pair,
// or nil when none exists. Ghosts are excluded by the total > 0 filter, so
// a zero-size record never blocks creation of a fresh job.
func (s *Store) FindActiveJob(ctx context.Context, workspaceID, stage string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM stint_jobs
		WHERE workspace_id = ? AND stage = ?
		  AND status IN ('pending', 'in_progress', 'paused')
		  AND progress_total > 0
		ORDER BY created_at DESC
		LIMIT 1`,
		workspaceID, stage)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find active job for %s/%s", workspaceID, stage)
	}
	return job, nil
}

// CheckpointDelta is one sub-batch worth of durable progress.
type CheckpointDelta struct {
	// Seq must be exactly job.CheckpointSeq+1. Any other value affects
	// zero rows, which is what makes retrying a checkpoint write safe.
	Seq int64
	// Cursor replaces the stored cursor when non-nil.
	Cursor *string
	Done   int
	Failed int
}

// Checkpoint atomically persists progress counters, cursor, and heartbeat
// for one sub-batch. It returns whether the write applied: a replay
// carrying an already-used sequence number is a no-op and reports false.
// On success the in-memory job is advanced to match the row.
func (s *Store) Checkpoint(ctx context.Context, job *Job, delta CheckpointDelta) (bool, error) {
	cursor := job.Cursor
	if delta.Cursor != nil {
		cursor = *delta.Cursor
	}
	now := s.now().UTC()
	nowS := fmtTime(now)

	res, err := s.db.ExecContext(ctx, `
		UPDATE stint_jobs
		SET cursor = ?,
		    checkpoint_seq = ?,
		    progress_done = progress_done + ?,
		    progress_failed = progress_failed + ?,
		    last_heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ? AND checkpoint_seq = ?`,
		cursor, delta.Seq, delta.Done, delta.Failed, nowS, nowS,
		job.ID, delta.Seq-1,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to checkpoint stint job %s", job.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read checkpoint result")
	}
	if affected == 0 {
		return false, nil
	}

	job.Cursor = cursor
	job.CheckpointSeq = delta.Seq
	job.Progress.Done += delta.Done
	job.Progress.Failed += delta.Failed
	job.LastHeartbeatAt = &now
	job.UpdatedAt = now
	return true, nil
}

// Transition moves a job to a new status, enforcing the lifecycle rules.
// Illegal moves fail loudly with ErrBadTransition, including the case
// where the row's status changed underneath the caller. The reason string
// lands in error_message on paused and failed; other targets clear it.
func (s *Store) Transition(ctx context.Context, job *Job, to Status, reason string) error {
	from := job.Status
	if !canTransition(from, to) {
		return errors.Wrapf(errors.ErrBadTransition, "%s -> %s for job %s", from, to, job.ID)
	}

	now := s.now().UTC()
	nowS := fmtTime(now)

	var errMsg interface{}
	if (to == StatusPaused || to == StatusFailed) && reason != "" {
		errMsg = util.Truncate(reason, maxErrorMessageLen)
	}
	var startedAt interface{}
	if to == StatusInProgress {
		startedAt = nowS
	}
	var completedAt interface{}
	if to.IsTerminal() {
		completedAt = nowS
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE stint_jobs
		SET status = ?,
		    error_message = ?,
		    started_at = COALESCE(started_at, ?),
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), errMsg, startedAt, completedAt, nowS,
		job.ID, string(from),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to transition job %s to %s", job.ID, to)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read transition result")
	}
	if affected == 0 {
		cur, gerr := s.GetJob(ctx, job.ID)
		if gerr != nil {
			return errors.Wrapf(errors.ErrBadTransition,
				"%s -> %s for job %s: row no longer matches", from, to, job.ID)
		}
		return errors.Wrapf(errors.ErrBadTransition,
			"%s -> %s for job %s: status is now %s", from, to, job.ID, cur.Status)
	}

	job.Status = to
	job.UpdatedAt = now
	if to == StatusPaused || to == StatusFailed {
		if reason != "" {
			truncated := util.Truncate(reason, maxErrorMessageLen)
			job.ErrorMessage = &truncated
		}
	} else {
		job.ErrorMessage = nil
	}
	if to == StatusInProgress && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.IsTerminal() {
		job.CompletedAt = &now
	}
	return nil
}

// Heartbeat stamps liveness on an in_progress job. A row that already
// left in_progress is skipped silently; the runner's status re-validation
// is the authoritative mutation check.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	nowS := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE stint_jobs
		SET last_heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		nowS, nowS, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat job %s", jobID)
	}
	return nil
}

// RecordFailure bumps the failure counters after a sub-batch level
// processing failure and returns the new consecutive count so the caller
// can compare it against the pause ceiling.
func (s *Store) RecordFailure(ctx context.Context, jobID, message string) (int, error) {
	nowS := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE stint_jobs
		SET consecutive_failures = consecutive_failures + 1,
		    retry_count = retry_count + 1,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?`,
		util.Truncate(message, maxErrorMessageLen), nowS, jobID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to record failure for job %s", jobID)
	}

	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM stint_jobs WHERE id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read failure count for job %s", jobID)
	}
	return count, nil
}

// ResetFailures zeroes the consecutive counter after a successful
// sub-batch and clears the stale diagnostic.
func (s *Store) ResetFailures(ctx context.Context, jobID string) error {
	nowS := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE stint_jobs
		SET consecutive_failures = 0, error_message = NULL, updated_at = ?
		WHERE id = ?`,
		nowS, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to reset failures for job %s", jobID)
	}
	return nil
}

// SetRelayDepth persists the no-progress relay chain length for
// observability; the authoritative value travels with the continuation.
func (s *Store) SetRelayDepth(ctx context.Context, jobID string, depth int) error {
	nowS := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE stint_jobs SET relay_depth = ?, updated_at = ? WHERE id = ?`,
		depth, nowS, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to set relay depth for job %s", jobID)
	}
	return nil
}

// SetExternalRef records the provider-side run identifier the watchdog
// polls when a completion signal might have been dropped.
func (s *Store) SetExternalRef(ctx context.Context, jobID, ref string) error {
	nowS := fmtTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE stint_jobs SET external_ref = ?, updated_at = ? WHERE id = ?`,
		ref, nowS, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to set external ref for job %s", jobID)
	}
	return nil
}

// SweepGhosts force-fails live jobs with zero computed work. An empty
// workspaceID sweeps every workspace. Returns how many rows were retired.
func (s *Store) SweepGhosts(ctx context.Context, workspaceID string) (int64, error) {
	nowS := fmtTime(s.now())
	query := `
		UPDATE stint_jobs
		SET status = 'failed',
		    error_message = 'ghost job: zero computed work, swept',
		    completed_at = ?,
		    updated_at = ?
		WHERE status IN ('in_progress', 'paused') AND progress_total = 0`
	args := []interface{}{nowS, nowS}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep ghost jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read ghost sweep result")
	}
	return n, nil
}

// ListJobs returns jobs newest-first with optional workspace, stage, and
// status filters.
func (s *Store) ListJobs(ctx context.Context, workspaceID, stage string, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM stint_jobs WHERE 1=1`
	var args []interface{}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stint jobs")
	}
	return scanJobs(rows, "listing jobs")
}

// ListStaleHeartbeats returns in_progress jobs whose last sign of life is
// older than the cutoff. Jobs that never heartbeated fall back to their
// start or creation time so a worker that died before its first
// checkpoint still shows up.
func (s *Store) ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM stint_jobs
		WHERE status = 'in_progress'
		  AND COALESCE(last_heartbeat_at, started_at, created_at) < ?`,
		fmtTime(cutoff))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale jobs")
	}
	return scanJobs(rows, "listing stale jobs")
}

// ListStalePaused returns paused jobs that have sat past the cutoff with
// no resumption. Their scheduled relay lived in a process that is gone;
// the watchdog re-drives them.
func (s *Store) ListStalePaused(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM stint_jobs
		WHERE status = 'paused' AND updated_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale paused jobs")
	}
	return scanJobs(rows, "listing stale paused jobs")
}

// ListJobsWithExternalRef returns in_progress jobs carrying a provider
// run identifier, for the watchdog's provider-status poll.
func (s *Store) ListJobsWithExternalRef(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM stint_jobs
		WHERE status = 'in_progress'
		  AND external_ref IS NOT NULL AND external_ref != ''`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs with external refs")
	}
	return scanJobs(rows, "listing jobs with external refs")
}

// JobCounts returns how many jobs sit in each status, optionally scoped
// to one workspace. Feeds the status endpoint.
func (s *Store) JobCounts(ctx context.Context, workspaceID string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM stint_jobs`
	var args []interface{}
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job counts")
	}
	return counts, nil
}

// CleanupOldJobs deletes terminal jobs finished before the cutoff.
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stint_jobs
		WHERE status IN ('completed', 'failed')
		  AND completed_at IS NOT NULL AND completed_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read job cleanup result")
	}
	return n, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
