package mailclassify

import (
	"context"
	"database/sql"
	"time"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/util"
	"github.com/plumehq/plume/stages"
)

const maxErrorLen = 500

// PendingMessage is one imported message awaiting classification,
// carrying what the prompt builder needs.
type PendingMessage struct {
	RowID      int64
	ExternalID string
	Subject    string
	Sender     string
	Snippet    string
	Body       string
}

// Store reads and writes classification state on the messages table.
// Every query carries the body predicate: rows without a body belong to
// the import stage, not to classification.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// RequeueFailed flips earlier classification failures back to pending so
// a new job retries them. Body-less failed rows are failed imports and
// stay put.
func (s *Store) RequeueFailed(ctx context.Context, workspaceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'pending', updated_at = ?
		WHERE workspace_id = ? AND status = 'failed' AND body IS NOT NULL`,
		stages.FmtTime(s.now()), workspaceID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue failed classifications")
	}
	return res.RowsAffected()
}

// CountPending counts classifiable rows.
func (s *Store) CountPending(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE workspace_id = ? AND status = 'pending' AND body IS NOT NULL`,
		workspaceID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending messages")
	}
	return n, nil
}

// ListPendingAfter returns up to limit classifiable rows with row id
// greater than afterID, in row id order. The row id doubles as the job
// cursor: processed rows leave the pending set, so a resumed job never
// sees them again regardless of where the cursor stands.
func (s *Store) ListPendingAfter(ctx context.Context, workspaceID string, afterID int64, limit int) ([]*PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, subject, sender, snippet, body
		FROM messages
		WHERE workspace_id = ? AND status = 'pending' AND body IS NOT NULL
		  AND id > ?
		ORDER BY id
		LIMIT ?`,
		workspaceID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending messages")
	}
	defer rows.Close()

	var msgs []*PendingMessage
	for rows.Next() {
		msg := &PendingMessage{}
		if err := rows.Scan(&msg.RowID, &msg.ExternalID, &msg.Subject,
			&msg.Sender, &msg.Snippet, &msg.Body); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending message")
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkClassified applies one classification result.
func (s *Store) MarkClassified(ctx context.Context, workspaceID, externalID, category string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'processed', category = ?, confidence = ?,
		    last_error = NULL, updated_at = ?
		WHERE workspace_id = ? AND external_id = ?`,
		category, confidence, stages.FmtTime(s.now()), workspaceID, externalID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark message %s classified", externalID)
	}
	return nil
}

// MarkFailed records why a message got no usable classification; the
// requeue path brings it back on the next job.
func (s *Store) MarkFailed(ctx context.Context, workspaceID, externalID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'failed', last_error = ?, updated_at = ?
		WHERE workspace_id = ? AND external_id = ?`,
		util.Truncate(reason, maxErrorLen), stages.FmtTime(s.now()),
		workspaceID, externalID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark message %s failed", externalID)
	}
	return nil
}
