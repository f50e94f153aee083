package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("opens database and creates the full schema", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		// Every table the engine relies on must exist after migration
		for _, table := range []string{
			"schema_migrations",
			"stint_jobs",
			"stage_locks",
			"stint_runs",
			"messages",
			"site_pages",
			"mailbox_accounts",
		} {
			var exists int
			err = db.QueryRow(
				"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
			).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		}
	})

	t.Run("upsert conflict target works on messages", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		const insert = `INSERT INTO messages (workspace_id, external_id, subject, created_at, updated_at)
			VALUES (?, ?, ?, datetime('now'), datetime('now'))
			ON CONFLICT(workspace_id, external_id) DO UPDATE SET subject = excluded.subject`

		_, err = db.Exec(insert, "WS_1", "msg-1", "first")
		require.NoError(t, err)
		_, err = db.Exec(insert, "WS_1", "msg-1", "second")
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count))
		assert.Equal(t, 1, count, "re-delivery must not create a second row")

		var subject string
		require.NoError(t, db.QueryRow("SELECT subject FROM messages WHERE external_id = 'msg-1'").Scan(&subject))
		assert.Equal(t, "second", subject)
	})

	t.Run("open errors include stack traces", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		firstDB, err := Open(dbPath, nil)
		require.NoError(t, err)
		firstDB.Close()

		// Make directory read-only so WAL mode will fail
		err = os.Chmod(tmpDir, 0555)
		require.NoError(t, err)
		defer os.Chmod(tmpDir, 0755) // Restore for cleanup

		db, err := OpenWithMigrations(dbPath, nil)
		require.Error(t, err)
		assert.Nil(t, db)

		stackTrace := errors.GetReportableStackTrace(err)
		assert.NotNil(t, stackTrace, "migration errors should have stack traces")

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "stack should reference source file")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("records applied versions", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		err = Migrate(db, nil)
		require.NoError(t, err)

		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 7, "all shipped migrations should be recorded")
	})

	t.Run("is idempotent", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		err = Migrate(db, nil)
		require.NoError(t, err)

		err = Migrate(db, nil)
		require.NoError(t, err, "running migrations multiple times should be safe")

		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 7)
	})

	t.Run("fails on a closed database", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
	})
}
