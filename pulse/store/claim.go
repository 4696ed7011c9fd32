package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// TryClaim atomically takes a lease on one stage of a crate version.
//
// It succeeds only if every predecessor is Done and the record is Pending,
// Failed with retries left and past its backoff, or InProgress with an
// expired lease. The record moves to InProgress with a fresh token and
// attempt_count is incremented. Losers get an error matching
// errors.ErrLeaseConflict.
//
// An expired lease whose final attempt is already used is not reclaimed:
// the record is moved to AttemptsExhausted (kind "abandoned") instead.
func (s *Store) TryClaim(ctx context.Context, crate, version string, stage task.StageKind, ttl time.Duration) (task.Lease, error) {
	if !stage.Valid() {
		return task.Lease{}, errors.NewInvalidRequestError("unknown stage %q", stage)
	}

	var (
		lease     task.Lease
		abandoned bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		abandoned = false
		now := s.clock()
		ms := millis(now)

		var versionID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM crate_versions WHERE crate = ? AND version = ?`,
			crate, version).Scan(&versionID)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("crate version %s@%s", crate, version)
		}
		if err != nil {
			return storageErr(err, "resolve crate version")
		}

		abandoned, err = s.abandonExhaustedLease(ctx, tx, versionID, stage, now)
		if err != nil || abandoned {
			// the abandonment must commit; the denial is reported after
			return err
		}

		token := task.NewLeaseToken()
		expires := now.Add(ttl)
		query := `WITH ` + precedenceCTE + `
			UPDATE stage_records AS r
			SET state = 'in_progress',
			    attempt_count = attempt_count + 1,
			    lease_token = ?,
			    lease_expires_at = ?,
			    started_at = ?,
			    last_attempted_at = ?
			WHERE r.version_id = ? AND r.stage = ?
			  AND ` + claimablePredicate("r") + `
			  AND ` + predecessorsDone("r") + `
			RETURNING attempt_count`

		var attempt int
		err = tx.QueryRowContext(ctx, query,
			token, millis(expires), ms, ms,
			versionID, string(stage),
			ms, s.policy.MaxRetries, ms,
		).Scan(&attempt)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(errors.ErrLeaseConflict, "%s@%s %s not claimable", crate, version, stage)
		}
		if err != nil {
			return storageErrf(err, "claim %s@%s %s", crate, version, stage)
		}

		lease = task.Lease{
			VersionID: versionID,
			Crate:     crate,
			Version:   version,
			Stage:     stage,
			Token:     token,
			Attempt:   attempt,
			ExpiresAt: expires,
		}
		return nil
	})
	if err != nil {
		return task.Lease{}, err
	}
	if abandoned {
		return task.Lease{}, errors.Wrapf(errors.ErrLeaseConflict,
			"%s@%s %s: expired lease had no attempts left", crate, version, stage)
	}
	return lease, nil
}

// abandonExhaustedLease moves an expired, out-of-attempts lease to
// exhausted and records why. Reports whether it did so.
func (s *Store) abandonExhaustedLease(ctx context.Context, tx *sql.Tx, versionID int64, stage task.StageKind, now time.Time) (bool, error) {
	ms := millis(now)
	var attempt int
	err := tx.QueryRowContext(ctx, `
		UPDATE stage_records
		SET state = 'exhausted',
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    last_error_kind = ?,
		    last_error = 'lease expired without commit',
		    completed_at = ?
		WHERE version_id = ? AND stage = ?
		  AND state = 'in_progress' AND lease_expires_at <= ? AND attempt_count > ?
		RETURNING attempt_count`,
		string(task.Abandoned), ms, versionID, string(stage), ms, s.policy.MaxRetries,
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(err, "abandon expired lease")
	}

	if err := insertStageError(ctx, tx, versionID, stage, attempt, task.Abandoned, "lease_expired", "lease expired without commit", now); err != nil {
		return false, err
	}
	if err := s.bumpDaily(ctx, tx, now, "stages_failed", 1); err != nil {
		return false, err
	}
	return true, nil
}

// RenewLease extends a live lease. Returns false if the lease is no longer
// current (committed, or reclaimed by another worker after expiry).
func (s *Store) RenewLease(ctx context.Context, lease task.Lease, ttl time.Duration) (task.Lease, bool, error) {
	expires := s.clock().Add(ttl)
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
			UPDATE stage_records SET lease_expires_at = ?
			WHERE version_id = ? AND stage = ? AND state = 'in_progress' AND lease_token = ?`,
			millis(expires), lease.VersionID, string(lease.Stage), lease.Token)
		if err != nil {
			return storageErr(err, "renew lease")
		}
		affected, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return lease, false, err
	}
	if affected == 0 {
		return lease, false, nil
	}
	lease.ExpiresAt = expires
	return lease, true, nil
}

// RecoverOrphans prepares the store for a new run. The engine is the only
// process using the database, so any lease still held belongs to a dead
// run: those leases are expired now, making the records reclaimable. Failed
// records with more attempts than the current policy allows become
// exhausted. Returns the number of leases expired and records exhausted.
func (s *Store) RecoverOrphans(ctx context.Context) (expired, exhausted int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		ms := millis(s.clock())
		r, err := tx.ExecContext(ctx, `
			UPDATE stage_records SET lease_expires_at = ?
			WHERE state = 'in_progress' AND lease_expires_at > ?`, ms, ms)
		if err != nil {
			return storageErr(err, "expire orphaned leases")
		}
		expired, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `
			UPDATE stage_records SET state = 'exhausted', completed_at = ?
			WHERE state = 'failed' AND attempt_count > ?`, ms, s.policy.MaxRetries)
		if err != nil {
			return storageErr(err, "exhaust over-retried records")
		}
		exhausted, _ = r.RowsAffected()
		return nil
	})
	return expired, exhausted, err
}

// ResetExhausted returns AttemptsExhausted records to Pending so they are
// mined again. An empty stage or crate matches all.
func (s *Store) ResetExhausted(ctx context.Context, stage task.StageKind, crate string) (int64, error) {
	if stage != "" && !stage.Valid() {
		return 0, errors.NewInvalidRequestError("unknown stage %q", stage)
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
			UPDATE stage_records
			SET state = 'pending', attempt_count = 0, next_eligible_at = 0,
			    last_error_kind = NULL, last_error = NULL, completed_at = NULL
			WHERE state = 'exhausted'
			  AND (? = '' OR stage = ?)
			  AND (? = '' OR version_id IN (SELECT id FROM crate_versions WHERE crate = ?))`,
			string(stage), string(stage), crate, crate)
		if err != nil {
			return storageErr(err, "reset exhausted records")
		}
		n, _ = r.RowsAffected()
		return nil
	})
	return n, err
}

func insertStageError(ctx context.Context, tx *sql.Tx, versionID int64, stage task.StageKind, attempt int, kind task.ErrorKind, code, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stage_errors (version_id, stage, attempt, kind, code, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		versionID, string(stage), attempt, string(kind), code, message, millis(at))
	if err != nil {
		return storageErr(err, "record stage error")
	}
	return nil
}
