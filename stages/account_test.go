package stages

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/errors"
	plumetest "github.com/plumehq/plume/internal/testing"
)

func seedAccount(t *testing.T, db *sql.DB, workspaceID, status, token, foldersJSON string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO mailbox_accounts (workspace_id, provider, address, access_token, status, folders_json, updated_at)
		VALUES (?, 'mailhub', 'owner@shop.example', ?, ?, ?, ?)`,
		workspaceID, sqlNullable(token), status, sqlNullable(foldersJSON), FmtTime(time.Now()))
	require.NoError(t, err)
}

func sqlNullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func TestLoadMailboxAccount(t *testing.T) {
	db := plumetest.CreateMigratedTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "WS_1", "connected", "TOK_abc", `{"inbox": "ST_9"}`)

	account, err := LoadMailboxAccount(ctx, db, "WS_1")
	require.NoError(t, err)
	assert.Equal(t, "WS_1", account.WorkspaceID)
	assert.Equal(t, "TOK_abc", account.AccessToken)
	assert.Equal(t, "ST_9", account.SyncTokens["inbox"])
}

func TestLoadMailboxAccountCredentialGate(t *testing.T) {
	db := plumetest.CreateMigratedTestDB(t)
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		_, err := LoadMailboxAccount(ctx, db, "WS_none")
		require.Error(t, err)
		assert.True(t, errors.IsCredentialError(err))
	})

	t.Run("revoked", func(t *testing.T) {
		seedAccount(t, db, "WS_revoked", "revoked", "TOK_old", "")
		_, err := LoadMailboxAccount(ctx, db, "WS_revoked")
		require.Error(t, err)
		assert.True(t, errors.IsCredentialError(err))
		assert.Contains(t, err.Error(), "revoked")
	})

	t.Run("no token", func(t *testing.T) {
		seedAccount(t, db, "WS_tokenless", "connected", "", "")
		_, err := LoadMailboxAccount(ctx, db, "WS_tokenless")
		require.Error(t, err)
		assert.True(t, errors.IsCredentialError(err))
	})
}

func TestSaveSyncTokensRoundTrip(t *testing.T) {
	db := plumetest.CreateMigratedTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "WS_1", "connected", "TOK_abc", "")

	require.NoError(t, SaveSyncTokens(ctx, db, "WS_1", map[string]string{
		"inbox": "ST_10",
		"sent":  "ST_4",
	}))

	account, err := LoadMailboxAccount(ctx, db, "WS_1")
	require.NoError(t, err)
	assert.Equal(t, "ST_10", account.SyncTokens["inbox"])
	assert.Equal(t, "ST_4", account.SyncTokens["sent"])
}
