// Package stages holds what the stage adapters share: the mailbox
// account gate that turns a disconnected or revoked mailbox into a
// permanent credential failure before any provider call is made.
package stages

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/plumehq/plume/errors"
)

// MailboxAccount is the connected mailbox of one workspace.
type MailboxAccount struct {
	WorkspaceID string
	Provider    string
	Address     string
	AccessToken string

	// SyncTokens maps folder name to the last completed sync token,
	// parsed from folders_json.
	SyncTokens map[string]string
}

// LoadMailboxAccount reads the workspace's mailbox and verifies it is
// usable. Missing, revoked, and tokenless accounts all surface as
// credential errors so jobs fail immediately instead of burning retries.
func LoadMailboxAccount(ctx context.Context, db *sql.DB, workspaceID string) (*MailboxAccount, error) {
	var (
		account     MailboxAccount
		accessToken sql.NullString
		status      string
		foldersJSON sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT workspace_id, provider, address, access_token, status, folders_json
		FROM mailbox_accounts
		WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&account.WorkspaceID, &account.Provider, &account.Address, &accessToken, &status, &foldersJSON)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNoCredentials, "no mailbox connected for workspace %s", workspaceID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load mailbox account for workspace %s", workspaceID)
	}

	if status == "revoked" {
		return nil, errors.Wrapf(errors.ErrNoCredentials, "mailbox access for workspace %s was revoked", workspaceID)
	}
	if !accessToken.Valid || accessToken.String == "" {
		return nil, errors.Wrapf(errors.ErrNoCredentials, "mailbox for workspace %s has no access token", workspaceID)
	}
	account.AccessToken = accessToken.String

	if foldersJSON.Valid && foldersJSON.String != "" {
		if err := json.Unmarshal([]byte(foldersJSON.String), &account.SyncTokens); err != nil {
			return nil, errors.Wrapf(err, "corrupt folders_json for workspace %s", workspaceID)
		}
	}
	if account.SyncTokens == nil {
		account.SyncTokens = make(map[string]string)
	}
	return &account, nil
}

// SaveSyncTokens persists the per-folder sync tokens back onto the
// account row.
func SaveSyncTokens(ctx context.Context, db *sql.DB, workspaceID string, tokens map[string]string) error {
	payload, err := json.Marshal(tokens)
	if err != nil {
		return errors.Wrap(err, "failed to encode sync tokens")
	}
	_, err = db.ExecContext(ctx, `
		UPDATE mailbox_accounts
		SET folders_json = ?, updated_at = ?
		WHERE workspace_id = ?`,
		string(payload), FmtTime(time.Now()), workspaceID)
	if err != nil {
		return errors.Wrapf(err, "failed to save sync tokens for workspace %s", workspaceID)
	}
	return nil
}

// FmtTime renders a timestamp the way every Plume table stores them.
func FmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
