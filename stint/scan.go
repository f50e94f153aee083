package stint

import (
	"database/sql"
	"time"

	"github.com/plumehq/plume/errors"
)

// jobColumns is the SELECT list shared by every job query, in the order
// jobScanArgs expects.
const jobColumns = `id, workspace_id, stage, status, cursor, checkpoint_seq,
	progress_done, progress_failed, progress_total,
	retry_count, consecutive_failures, relay_depth,
	error_message, external_ref,
	last_heartbeat_at, started_at, completed_at, created_at, updated_at`

// jobScanArgs holds the intermediate values a row scan needs before they
// can be converted into a Job: raw status text, NULL-able columns, and
// RFC3339 timestamp strings.
type jobScanArgs struct {
	status          string
	errorMessage    sql.NullString
	externalRef     sql.NullString
	lastHeartbeatAt sql.NullString
	startedAt       sql.NullString
	completedAt     sql.NullString
	createdAt       string
	updatedAt       string
}

// targets returns scan destinations matching jobColumns order.
func (a *jobScanArgs) targets(j *Job) []interface{} {
	return []interface{}{
		&j.ID, &j.WorkspaceID, &j.Stage, &a.status, &j.Cursor, &j.CheckpointSeq,
		&j.Progress.Done, &j.Progress.Failed, &j.Progress.Total,
		&j.RetryCount, &j.ConsecutiveFailures, &j.RelayDepth,
		&a.errorMessage, &a.externalRef,
		&a.lastHeartbeatAt, &a.startedAt, &a.completedAt, &a.createdAt, &a.updatedAt,
	}
}

// apply converts the scanned intermediates onto the Job.
func (a *jobScanArgs) apply(j *Job) error {
	j.Status = Status(a.status)
	if a.errorMessage.Valid {
		j.ErrorMessage = &a.errorMessage.String
	}
	if a.externalRef.Valid {
		j.ExternalRef = &a.externalRef.String
	}

	var err error
	if j.LastHeartbeatAt, err = parseTimePtr(a.lastHeartbeatAt); err != nil {
		return errors.Wrap(err, "failed to parse last_heartbeat_at")
	}
	if j.StartedAt, err = parseTimePtr(a.startedAt); err != nil {
		return errors.Wrap(err, "failed to parse started_at")
	}
	if j.CompletedAt, err = parseTimePtr(a.completedAt); err != nil {
		return errors.Wrap(err, "failed to parse completed_at")
	}
	if j.CreatedAt, err = parseTime(a.createdAt); err != nil {
		return errors.Wrap(err, "failed to parse created_at")
	}
	if j.UpdatedAt, err = parseTime(a.updatedAt); err != nil {
		return errors.Wrap(err, "failed to parse updated_at")
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	args := &jobScanArgs{}
	if err := row.Scan(args.targets(job)...); err != nil {
		return nil, err
	}
	if err := args.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

// scanJobs drains a multi-row result set, wrapping failures with the
// caller's context string.
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan job row while %s", context)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate job rows while %s", context)
	}
	return jobs, nil
}

// Timestamps persist as RFC3339 TEXT so rows stay greppable in sqlite3
// sessions. Nano precision keeps checkpoint ordering stable in tests.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
