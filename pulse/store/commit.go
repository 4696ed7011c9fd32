package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// errLeaseLost aborts a commit transaction whose lease is no longer current.
var errLeaseLost = errors.New("lease no longer current")

// Digest is the content address of an artifact.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CommitDone marks the leased stage Done and stores its output, in one
// transaction. Returns false with no effect if the lease is no longer the
// record's current lease.
func (s *Store) CommitDone(ctx context.Context, lease task.Lease, out task.Output) (bool, error) {
	digest := Digest(out.Data)
	mediaType := out.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		ms := millis(now)

		// Content-addressed and overwrite-never: an identical blob is already there.
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO artifacts (digest, media_type, size, data, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			digest, mediaType, len(out.Data), out.Data, ms); err != nil {
			return storageErr(err, "write artifact")
		}

		r, err := tx.ExecContext(ctx, `
			UPDATE stage_records
			SET state = 'done',
			    completed_at = ?,
			    output_digest = ?,
			    output_size = ?,
			    lease_token = NULL,
			    lease_expires_at = NULL
			WHERE version_id = ? AND stage = ? AND state = 'in_progress' AND lease_token = ?`,
			ms, digest, len(out.Data), lease.VersionID, string(lease.Stage), lease.Token)
		if err != nil {
			return storageErr(err, "mark stage done")
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return errLeaseLost
		}

		if err := s.markSuccessorsReady(ctx, tx, lease.VersionID, lease.Stage, ms); err != nil {
			return err
		}

		if out.Waste != nil {
			if err := insertWaste(ctx, tx, lease, digest, out.Waste, ms); err != nil {
				return err
			}
		}

		if len(out.Metadata) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE crate_versions SET metadata = ?, updated_at = ? WHERE id = ?`,
				string(out.Metadata), ms, lease.VersionID); err != nil {
				return storageErr(err, "merge fetched metadata")
			}
		}

		return s.bumpDaily(ctx, tx, now, "stages_done", 1)
	})
	if errors.Is(err, errLeaseLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CommitFailed records a failed attempt under the lease and derives the new
// state from the error kind and the retry policy: Failed (eligible again
// after backoff) or AttemptsExhausted. Returns the resulting state, and
// false with no effect if the lease is no longer current.
func (s *Store) CommitFailed(ctx context.Context, lease task.Lease, stageErr *task.StageError) (task.StageState, bool, error) {
	if stageErr == nil {
		stageErr = task.NewTransient(task.CodeUnknown, errors.New("failure without error"))
	}
	state := s.policy.FailureState(stageErr.Kind, lease.Attempt)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		ms := millis(now)

		var next int64
		if state == task.StateFailed {
			next = millis(s.policy.NextEligible(now, lease.Attempt))
		}
		var completed interface{}
		if state == task.StateExhausted {
			completed = ms
		}

		r, err := tx.ExecContext(ctx, `
			UPDATE stage_records
			SET state = ?,
			    last_error_kind = ?,
			    last_error = ?,
			    next_eligible_at = ?,
			    completed_at = ?,
			    lease_token = NULL,
			    lease_expires_at = NULL
			WHERE version_id = ? AND stage = ? AND state = 'in_progress' AND lease_token = ?`,
			string(state), string(stageErr.Kind), stageErr.Error(), next, completed,
			lease.VersionID, string(lease.Stage), lease.Token)
		if err != nil {
			return storageErr(err, "mark stage failed")
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return errLeaseLost
		}

		if err := insertStageError(ctx, tx, lease.VersionID, lease.Stage, lease.Attempt,
			stageErr.Kind, stageErr.Code, stageErr.Error(), now); err != nil {
			return err
		}
		return s.bumpDaily(ctx, tx, now, "stages_failed", 1)
	})
	if errors.Is(err, errLeaseLost) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return state, true, nil
}

// markSuccessorsReady stamps ready_at on successors whose predecessors are
// now all Done. ready_at orders eligibility within a stage.
func (s *Store) markSuccessorsReady(ctx context.Context, tx *sql.Tx, versionID int64, stage task.StageKind, ms int64) error {
	for _, succ := range stage.Successors() {
		_, err := tx.ExecContext(ctx, `WITH `+precedenceCTE+`
			UPDATE stage_records AS r SET ready_at = ?
			WHERE r.version_id = ? AND r.stage = ? AND r.ready_at IS NULL
			  AND `+predecessorsDone("r"),
			ms, versionID, string(succ))
		if err != nil {
			return storageErrf(err, "mark %s ready", succ)
		}
	}
	return nil
}

func insertWaste(ctx context.Context, tx *sql.Tx, lease task.Lease, digest string, w *task.WasteFigures, ms int64) error {
	suggestion := w.Suggestion
	if len(suggestion) == 0 {
		suggestion = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO waste_reports
			(version_id, crate, version, total_bytes, wasted_bytes, total_files, wasted_files, suggestion, report_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lease.VersionID, lease.Crate, lease.Version,
		w.TotalBytes, w.WastedBytes, w.TotalFiles, w.WastedFiles,
		string(suggestion), digest, ms)
	if err != nil {
		return storageErr(err, "write waste report")
	}
	return nil
}
