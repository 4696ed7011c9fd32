// Package store is the engine's single source of truth for what has been
// mined: crate versions, per-stage records, artifacts and their history.
//
// Every mutation of a stage record goes through a lease: TryClaim hands one
// out atomically, and CommitDone/CommitFailed only take effect while that
// lease is still current. Any failure to talk to SQLite is returned marked
// with errors.ErrStorage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teranos/cratemine/db"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// Store persists crate versions and their stage records.
type Store struct {
	db     *sql.DB
	policy task.RetryPolicy
	retry  db.RetryConfig

	clockMu sync.RWMutex
	now     func() time.Time
}

// NewStore creates a store over an open, migrated database.
func NewStore(database *sql.DB, policy task.RetryPolicy) *Store {
	return &Store{
		db:     database,
		policy: policy,
		retry:  db.DefaultRetryConfig,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests use it to expire leases.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.now = now
}

// Policy returns the retry policy used to derive failure states.
func (s *Store) Policy() task.RetryPolicy {
	return s.policy
}

// DB exposes the underlying handle for read-only diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

// withTx runs fn in a write transaction, retrying the whole transaction on
// SQLite busy errors. Errors returned by fn pass through unchanged; errors
// from begin/commit are marked as storage failures.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.Retry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr(err, "begin transaction")
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return storageErr(err, "commit transaction")
		}
		return nil
	})
}

func storageErr(err error, msg string) error {
	return errors.MarkStorage(errors.Wrap(err, msg))
}

func storageErrf(err error, format string, args ...interface{}) error {
	return errors.MarkStorage(errors.Wrapf(err, format, args...))
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// precedenceCTE is a VALUES table of (stage, predecessor) pairs built from
// the task precedence table, so SQL predecessor checks follow it exactly.
var precedenceCTE = buildPrecedenceCTE()

func buildPrecedenceCTE() string {
	var pairs []string
	for _, s := range task.Stages {
		for _, p := range s.Predecessors() {
			pairs = append(pairs, fmt.Sprintf("('%s', '%s')", s, p))
		}
	}
	if len(pairs) == 0 {
		return "prec(stage, pred) AS (SELECT NULL, NULL WHERE 0)"
	}
	return "prec(stage, pred) AS (VALUES " + strings.Join(pairs, ", ") + ")"
}

// predecessorsDone is a predicate that is true when every predecessor of
// the stage record aliased as alias is Done.
func predecessorsDone(alias string) string {
	return fmt.Sprintf(`NOT EXISTS (
		SELECT 1 FROM prec
		JOIN stage_records p ON p.version_id = %[1]s.version_id AND p.stage = prec.pred
		WHERE prec.stage = %[1]s.stage AND p.state != 'done'
	)`, alias)
}

// claimablePredicate matches records TryClaim may take at time ?now.
// Parameters in order: now (failed backoff), maxRetries, now (lease expiry).
func claimablePredicate(alias string) string {
	return fmt.Sprintf(`(
		%[1]s.state = 'pending'
		OR (%[1]s.state = 'failed' AND %[1]s.next_eligible_at <= ? AND %[1]s.attempt_count <= ?)
		OR (%[1]s.state = 'in_progress' AND %[1]s.lease_expires_at <= ?)
	)`, alias)
}

func (s *Store) bumpDaily(ctx context.Context, tx *sql.Tx, now time.Time, column string, delta int64) error {
	query := fmt.Sprintf(`
		INSERT INTO daily_context (day, %[1]s) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET %[1]s = %[1]s + excluded.%[1]s`, column)
	if _, err := tx.ExecContext(ctx, query, dayOf(now), delta); err != nil {
		return storageErrf(err, "update daily %s", column)
	}
	return nil
}
