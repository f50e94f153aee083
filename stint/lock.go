package stint

import (
	"context"
	"database/sql"
	"time"

	"github.com/plumehq/plume/db"
	"github.com/plumehq/plume/errors"
)

// LockManager hands out per-(workspace, stage) exclusivity. Insertion into
// stage_locks is the acquire primitive: the composite primary key turns a
// concurrent second acquire into a constraint violation, which reads as
// "already held". Contention is an expected, frequent outcome, never an
// error.
type LockManager struct {
	db *sql.DB

	// staleAfter is how long a lock may go unrefreshed before a fresh
	// acquire may steal it. Matches the heartbeat liveness threshold.
	staleAfter time.Duration
	now        func() time.Time
}

// NewLockManager creates a lock manager with the default staleness
// threshold.
func NewLockManager(database *sql.DB) *LockManager {
	return &LockManager{
		db:         database,
		staleAfter: DefaultHeartbeatStaleAfter,
		now:        time.Now,
	}
}

// Acquire attempts to take the (workspace, stage) lock for holderID.
// Returns true on success and false on live contention. A lock whose
// holder stopped refreshing past the staleness threshold is deleted and
// the insert retried once, so a crashed worker cannot block its stage
// forever.
func (m *LockManager) Acquire(ctx context.Context, workspaceID, stage, holderID string) (bool, error) {
	ok, err := m.tryInsert(ctx, workspaceID, stage, holderID)
	if err != nil || ok {
		return ok, err
	}

	refreshedAt, found, err := m.readRefreshedAt(ctx, workspaceID, stage)
	if err != nil {
		return false, err
	}
	if !found {
		// Released between our insert attempt and the read.
		return m.tryInsert(ctx, workspaceID, stage, holderID)
	}
	if m.now().Sub(refreshedAt) < m.staleAfter {
		return false, nil
	}

	// Stale holder. Delete only the exact row we observed so a racing
	// legitimate refresh wins over the steal.
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM stage_locks
		WHERE workspace_id = ? AND stage = ? AND refreshed_at = ?`,
		workspaceID, stage, fmtTime(refreshedAt))
	if err != nil {
		return false, errors.Wrapf(err, "failed to reclaim stale lock for %s/%s", workspaceID, stage)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	return m.tryInsert(ctx, workspaceID, stage, holderID)
}

func (m *LockManager) tryInsert(ctx context.Context, workspaceID, stage, holderID string) (bool, error) {
	nowS := fmtTime(m.now())
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stage_locks (workspace_id, stage, holder_id, acquired_at, refreshed_at)
		VALUES (?, ?, ?, ?, ?)`,
		workspaceID, stage, holderID, nowS, nowS)
	if err != nil {
		if db.IsConstraintViolation(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to acquire lock for %s/%s", workspaceID, stage)
	}
	return true, nil
}

func (m *LockManager) readRefreshedAt(ctx context.Context, workspaceID, stage string) (time.Time, bool, error) {
	var refreshed string
	err := m.db.QueryRowContext(ctx,
		`SELECT refreshed_at FROM stage_locks WHERE workspace_id = ? AND stage = ?`,
		workspaceID, stage).Scan(&refreshed)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to read lock for %s/%s", workspaceID, stage)
	}
	t, err := parseTime(refreshed)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "failed to parse lock refreshed_at")
	}
	return t, true, nil
}

// Release drops the lock if holderID still owns it. Releasing a lock that
// was already stolen or never held affects nothing. Callers treat errors
// as log-worthy, never fatal: a leaked lock is reclaimed by staleness.
func (m *LockManager) Release(ctx context.Context, workspaceID, stage, holderID string) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM stage_locks
		WHERE workspace_id = ? AND stage = ? AND holder_id = ?`,
		workspaceID, stage, holderID)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock for %s/%s", workspaceID, stage)
	}
	return nil
}

// Refresh bumps refreshed_at, proving the batch is still alive. It fails
// when holderID no longer owns the lock, which means a staleness sweep
// reclaimed it mid-batch; the caller must stop work immediately because
// another worker may already be running.
func (m *LockManager) Refresh(ctx context.Context, workspaceID, stage, holderID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE stage_locks
		SET refreshed_at = ?
		WHERE workspace_id = ? AND stage = ? AND holder_id = ?`,
		fmtTime(m.now()), workspaceID, stage, holderID)
	if err != nil {
		return errors.Wrapf(err, "failed to refresh lock for %s/%s", workspaceID, stage)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read lock refresh result")
	}
	if affected == 0 {
		return errors.Newf("stage lock for %s/%s no longer held by this worker", workspaceID, stage)
	}
	return nil
}

// SweepStale deletes locks whose holders stopped refreshing. Run by the
// watchdog as a backstop for workers that died without releasing.
func (m *LockManager) SweepStale(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.staleAfter)
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM stage_locks WHERE refreshed_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep stale locks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read stale lock sweep result")
	}
	return n, nil
}

// ActiveCount returns how many stage locks are currently held.
func (m *LockManager) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_locks`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active locks")
	}
	return n, nil
}
