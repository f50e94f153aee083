package mailsync

import (
	"context"
	"database/sql"
	"time"

	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/provider/mailhub"
	"github.com/plumehq/plume/stages"
)

// Store writes sync deltas onto the messages table. Sync lands metadata
// only; the body column is cleared so mail.import re-hydrates anything
// the provider reported changed.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// UpsertMetadata applies one delta entry. A new message becomes a
// body-less pending row; an already-imported message that changed is
// reset to pending with its stale body and classification dropped.
func (s *Store) UpsertMetadata(ctx context.Context, workspaceID string, msg mailhub.Message) error {
	nowS := stages.FmtTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			workspace_id, external_id, folder, subject, sender, snippet,
			received_at, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (workspace_id, external_id) DO UPDATE SET
			folder = excluded.folder,
			subject = excluded.subject,
			sender = excluded.sender,
			snippet = excluded.snippet,
			received_at = excluded.received_at,
			body = NULL,
			status = 'pending',
			category = NULL,
			confidence = NULL,
			last_error = NULL,
			updated_at = excluded.updated_at`,
		workspaceID, msg.ID, msg.Folder, msg.Subject, msg.From, msg.Snippet,
		nullableTime(msg.ReceivedAt), nowS, nowS)
	if err != nil {
		return errors.Wrapf(err, "failed to apply sync delta for message %s", msg.ID)
	}
	return nil
}

func nullableTime(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
