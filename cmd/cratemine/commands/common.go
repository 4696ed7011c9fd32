package commands

import (
	"database/sql"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/am"
	"github.com/teranos/cratemine/db"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/store"
)

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the status main should exit with for err.
func ExitCode(err error) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if err != nil {
		return shutdown.ExitStorage
	}
	return shutdown.ExitClean
}

// openStore opens the migrated database behind a Store.
// The caller closes the returned *sql.DB.
func openStore(cfg *am.Config, log *zap.SugaredLogger) (*store.Store, *sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, errors.MarkStorage(err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		database.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	return store.NewStore(database, cfg.RetryPolicy()), database, nil
}

// loadStore loads the configuration and opens its database.
func loadStore(log *zap.SugaredLogger) (*am.Config, *store.Store, *sql.DB, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to load config")
	}
	st, database, err := openStore(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, database, nil
}
