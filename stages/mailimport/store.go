package mailimport

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/util"
	"github.com/plumehq/plume/provider/mailhub"
	"github.com/plumehq/plume/stages"
)

const maxErrorLen = 500

// Store is the local destination for imported mail. The UNIQUE
// (workspace_id, external_id) constraint plus upsert semantics make
// re-delivery of an already-applied message a no-op.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an import destination over the database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// ExistingIDs reports which of ids already have a usable local row.
// Applied means a non-failed row that carries its body: failed imports
// and the body-less metadata rows mail.sync leaves behind both come
// back through the import.
func (s *Store) ExistingIDs(ctx context.Context, workspaceID string, ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, workspaceID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id FROM messages
		WHERE workspace_id = ? AND status != 'failed' AND body IS NOT NULL
		  AND external_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check existing messages")
	}
	defer rows.Close()

	existing := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan existing message id")
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// Upsert applies one imported message with its body, resetting any
// earlier failed import of the same message.
func (s *Store) Upsert(ctx context.Context, workspaceID string, msg mailhub.Message, body string) error {
	nowS := stages.FmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			workspace_id, external_id, folder, subject, sender, snippet,
			body, received_at, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (workspace_id, external_id) DO UPDATE SET
			folder = excluded.folder,
			subject = excluded.subject,
			sender = excluded.sender,
			snippet = excluded.snippet,
			body = excluded.body,
			received_at = excluded.received_at,
			status = 'pending',
			last_error = NULL,
			updated_at = excluded.updated_at`,
		workspaceID, msg.ID, msg.Folder, msg.Subject, msg.From, msg.Snippet,
		body, nullable(msg.ReceivedAt), nowS, nowS)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert message %s", msg.ID)
	}
	return nil
}

// MarkFailed records an import failure so the next job requeues the
// message instead of losing it.
func (s *Store) MarkFailed(ctx context.Context, workspaceID string, msg mailhub.Message, reason string) error {
	nowS := stages.FmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			workspace_id, external_id, folder, subject, sender, snippet,
			status, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 'failed', ?, ?, ?)
		ON CONFLICT (workspace_id, external_id) DO UPDATE SET
			status = 'failed',
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		workspaceID, msg.ID, msg.Folder, msg.Subject, msg.From, msg.Snippet,
		util.Truncate(reason, maxErrorLen), nowS, nowS)
	if err != nil {
		return errors.Wrapf(err, "failed to mark message %s failed", msg.ID)
	}
	return nil
}

// CountImported counts messages already applied for the workspace,
// under the same body-carrying predicate ExistingIDs uses. The provider
// total minus this is the work an import job still owes, failed retries
// and sync-discovered metadata rows included.
func (s *Store) CountImported(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE workspace_id = ? AND status != 'failed' AND body IS NOT NULL`,
		workspaceID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count imported messages")
	}
	return n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
