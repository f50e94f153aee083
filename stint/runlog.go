package stint

import (
	"context"
	"database/sql"
	"time"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/util"
)

// outcomeRunning marks a run row between Begin and Finish. A row stuck in
// it is evidence of an invocation that died mid-flight.
const outcomeRunning = Outcome("running")

// Run is one invocation's history row.
type Run struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id,omitempty"`
	WorkspaceID string  `json:"workspace_id"`
	Stage       string  `json:"stage"`
	Outcome     Outcome `json:"outcome"`

	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Remaining  int `json:"remaining"`
	RelayDepth int `json:"relay_depth"`

	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
}

// RunLog records every invocation, one row per stint, written on every
// exit path. Run tracking is observability, not correctness: callers log
// write failures and keep going.
type RunLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunLog creates a run log backed by the given database.
func NewRunLog(db *sql.DB) *RunLog {
	return &RunLog{db: db, now: time.Now}
}

// Begin inserts the row before the invocation does real work, so a crash
// mid-run still leaves evidence it started.
func (l *RunLog) Begin(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = l.now().UTC()
	}
	if run.Outcome == "" {
		run.Outcome = outcomeRunning
	}

	var jobID interface{}
	if run.JobID != "" {
		jobID = run.JobID
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO stint_runs (
			id, job_id, workspace_id, stage, outcome,
			processed, failed, remaining, relay_depth,
			error_message, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL)`,
		run.ID, jobID, run.WorkspaceID, run.Stage, string(run.Outcome),
		run.Processed, run.Failed, run.Remaining, run.RelayDepth,
		fmtTime(run.StartedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to record run start")
	}
	return nil
}

// Finish stamps the outcome and duration onto the row Begin wrote.
func (l *RunLog) Finish(ctx context.Context, run *Run) error {
	now := l.now().UTC()
	duration := now.Sub(run.StartedAt).Milliseconds()
	run.FinishedAt = &now
	run.DurationMS = &duration

	var jobID interface{}
	if run.JobID != "" {
		jobID = run.JobID
	}
	var errMsg interface{}
	if run.ErrorMessage != nil && *run.ErrorMessage != "" {
		errMsg = util.Truncate(*run.ErrorMessage, maxErrorMessageLen)
	}

	_, err := l.db.ExecContext(ctx, `
		UPDATE stint_runs
		SET job_id = ?,
		    outcome = ?,
		    processed = ?,
		    failed = ?,
		    remaining = ?,
		    relay_depth = ?,
		    error_message = ?,
		    finished_at = ?,
		    duration_ms = ?
		WHERE id = ?`,
		jobID, string(run.Outcome),
		run.Processed, run.Failed, run.Remaining, run.RelayDepth,
		errMsg, fmtTime(now), duration,
		run.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record run finish")
	}
	return nil
}

// ListRuns returns run history newest-first with optional workspace and
// stage filters, plus the total row count for pagination. This is the
// history surface, not the hot path, so the count query is fine here.
func (l *RunLog) ListRuns(ctx context.Context, workspaceID, stage string, limit, offset int) ([]*Run, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := ` WHERE 1=1`
	var args []interface{}
	if workspaceID != "" {
		where += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	if stage != "" {
		where += ` AND stage = ?`
		args = append(args, stage)
	}

	var total int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stint_runs`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to count runs")
	}

	query := `
		SELECT id, job_id, workspace_id, stage, outcome,
		       processed, failed, remaining, relay_depth,
		       error_message, started_at, finished_at, duration_ms
		FROM stint_runs` + where + `
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan run row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to iterate run rows")
	}
	return runs, total, nil
}

// CleanupOldRuns deletes finished runs that started before the cutoff.
func (l *RunLog) CleanupOldRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM stint_runs
		WHERE finished_at IS NOT NULL AND started_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read run cleanup result")
	}
	return n, nil
}

func scanRun(rows *sql.Rows) (*Run, error) {
	run := &Run{}
	var (
		jobID      sql.NullString
		outcome    string
		errMsg     sql.NullString
		startedAt  string
		finishedAt sql.NullString
		durationMS sql.NullInt64
	)
	err := rows.Scan(
		&run.ID, &jobID, &run.WorkspaceID, &run.Stage, &outcome,
		&run.Processed, &run.Failed, &run.Remaining, &run.RelayDepth,
		&errMsg, &startedAt, &finishedAt, &durationMS,
	)
	if err != nil {
		return nil, err
	}

	run.Outcome = Outcome(outcome)
	if jobID.Valid {
		run.JobID = jobID.String
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse run started_at")
	}
	if run.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse run finished_at")
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	return run, nil
}
