package db

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/plumehq/plume/errors"
)

// OpenWithMigrations opens the database and brings its schema up to date.
// This is the entry point used by the daemon and CLI; Open/Migrate stay
// separate for tests that need a bare connection.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}
