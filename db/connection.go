package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
// before the driver reports SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// DefaultMaxOpenConns caps the connection pool. WAL allows many readers but a
// single writer, so a small pool keeps lock waits short.
const DefaultMaxOpenConns = 4

// Open opens a SQLite database at the specified path with optimized settings.
// Pragmas are passed in the DSN so every pooled connection gets them, and
// write transactions begin IMMEDIATE so claims never deadlock on lock upgrade.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		path, SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)

	// sql.Open is lazy; surface path and permission problems now
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.WithHint(err, "check that the directory exists and is writable"),
			"failed to open database %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to migrate database %s", path)
	}
	return db, nil
}
