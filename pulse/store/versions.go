package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// CrateVersion is a discovered crate version with all its stage records.
type CrateVersion struct {
	ID           int64
	Crate        string
	Version      string
	DiscoveredAt time.Time
	UpdatedAt    time.Time
	Metadata     crates.Metadata
	Stages       map[task.StageKind]task.StageRecord
}

// Stage returns the record for stage k.
func (v *CrateVersion) Stage(k task.StageKind) task.StageRecord {
	return v.Stages[k]
}

// UpsertResult reports what an upsert changed.
type UpsertResult struct {
	VersionID      int64
	CreatedCrate   bool
	CreatedVersion bool
}

// UpsertMetadata records registry metadata for a crate version.
// Idempotent: metadata is last-write-wins, stage records are only ever
// added (missing stages are seeded Pending), never reset.
func (s *Store) UpsertMetadata(ctx context.Context, crate, version string, meta crates.Metadata) (UpsertResult, error) {
	if crate == "" {
		return UpsertResult{}, errors.NewInvalidRequestError("crate name is empty")
	}
	if _, err := crates.ParseVersion(version); err != nil {
		return UpsertResult{}, err
	}
	meta.Name, meta.Version = crate, version
	raw, err := json.Marshal(meta)
	if err != nil {
		return UpsertResult{}, errors.Wrap(err, "failed to marshal metadata")
	}

	var res UpsertResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res = UpsertResult{}
		now := s.clock()
		ms := millis(now)

		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO crates (name, created_at, updated_at) VALUES (?, ?, ?)`,
			crate, ms, ms)
		if err != nil {
			return storageErr(err, "insert crate")
		}
		if n, _ := r.RowsAffected(); n == 1 {
			res.CreatedCrate = true
		} else if _, err := tx.ExecContext(ctx, `UPDATE crates SET updated_at = ? WHERE name = ?`, ms, crate); err != nil {
			return storageErr(err, "touch crate")
		}

		r, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO crate_versions
				(crate, version, discovered_at, updated_at, checksum, yanked, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			crate, version, ms, ms, meta.Checksum, meta.Yanked, string(raw))
		if err != nil {
			return storageErr(err, "insert crate version")
		}
		if n, _ := r.RowsAffected(); n == 1 {
			res.CreatedVersion = true
		} else {
			raw, err := keepPublished(ctx, tx, crate, version, meta, raw)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE crate_versions
				SET checksum = ?, yanked = ?, metadata = ?, updated_at = ?
				WHERE crate = ? AND version = ?`,
				meta.Checksum, meta.Yanked, string(raw), ms, crate, version)
			if err != nil {
				return storageErr(err, "update crate version metadata")
			}
		}

		var discoveredAt int64
		err = tx.QueryRowContext(ctx,
			`SELECT id, discovered_at FROM crate_versions WHERE crate = ? AND version = ?`,
			crate, version).Scan(&res.VersionID, &discoveredAt)
		if err != nil {
			return storageErr(err, "read crate version id")
		}

		for _, stage := range task.Stages {
			var readyAt interface{}
			if stage.IsRoot() {
				readyAt = discoveredAt
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO stage_records (version_id, stage, state, ready_at)
				VALUES (?, ?, 'pending', ?)`,
				res.VersionID, string(stage), readyAt); err != nil {
				return storageErrf(err, "seed stage %s", stage)
			}
		}

		if res.CreatedVersion {
			if err := s.bumpDaily(ctx, tx, now, "versions_discovered", 1); err != nil {
				return err
			}
		}
		if res.CreatedCrate {
			if err := s.bumpDaily(ctx, tx, now, "crates_discovered", 1); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

// keepPublished carries fetched registry fields over when an index line
// without them replaces the stored metadata.
func keepPublished(ctx context.Context, tx *sql.Tx, crate, version string, meta crates.Metadata, raw []byte) ([]byte, error) {
	if !meta.Published.IsZero() {
		return raw, nil
	}
	var stored string
	err := tx.QueryRowContext(ctx,
		`SELECT metadata FROM crate_versions WHERE crate = ? AND version = ?`,
		crate, version).Scan(&stored)
	if err != nil {
		return nil, storageErr(err, "read stored metadata")
	}
	var prev crates.Metadata
	if json.Unmarshal([]byte(stored), &prev) != nil || prev.Published.IsZero() {
		return raw, nil
	}
	meta.Published = prev.Published
	merged, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metadata")
	}
	return merged, nil
}

// GetVersion loads a crate version and its stage records.
// Returns an ErrNotFound error if the version was never discovered.
func (s *Store) GetVersion(ctx context.Context, crate, version string) (*CrateVersion, error) {
	var (
		v            CrateVersion
		discoveredAt int64
		updatedAt    int64
		raw          string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, crate, version, discovered_at, updated_at, metadata
		FROM crate_versions WHERE crate = ? AND version = ?`,
		crate, version).Scan(&v.ID, &v.Crate, &v.Version, &discoveredAt, &updatedAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("crate version %s@%s", crate, version)
	}
	if err != nil {
		return nil, storageErrf(err, "get crate version %s@%s", crate, version)
	}
	v.DiscoveredAt = time.UnixMilli(discoveredAt).UTC()
	v.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := json.Unmarshal([]byte(raw), &v.Metadata); err != nil {
		return nil, storageErrf(err, "decode metadata for %s@%s", crate, version)
	}

	records, err := s.stageRecords(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	v.Stages = records
	return &v, nil
}

const stageRecordColumns = `
	stage, state, attempt_count, lease_token, lease_expires_at,
	started_at, completed_at, last_attempted_at, last_error_kind, last_error,
	next_eligible_at, ready_at, output_digest, output_size`

func (s *Store) stageRecords(ctx context.Context, versionID int64) (map[task.StageKind]task.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageRecordColumns+` FROM stage_records WHERE version_id = ?`, versionID)
	if err != nil {
		return nil, storageErr(err, "query stage records")
	}
	defer rows.Close()

	out := make(map[task.StageKind]task.StageRecord, len(task.Stages))
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Stage] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate stage records")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStageRecord(row rowScanner) (task.StageRecord, error) {
	var (
		rec                                 task.StageRecord
		stage, state                        string
		leaseToken, errKind, errMsg, digest sql.NullString
		leaseExp, started, completed, tried sql.NullInt64
		nextEligible                        int64
		readyAt, outputSize                 sql.NullInt64
	)
	err := row.Scan(&stage, &state, &rec.AttemptCount, &leaseToken, &leaseExp,
		&started, &completed, &tried, &errKind, &errMsg,
		&nextEligible, &readyAt, &digest, &outputSize)
	if err != nil {
		return task.StageRecord{}, storageErr(err, "scan stage record")
	}
	rec.Stage = task.StageKind(stage)
	rec.State = task.StageState(state)
	rec.LeaseToken = leaseToken.String
	rec.LeaseExpiresAt = fromMillis(leaseExp)
	rec.StartedAt = fromMillis(started)
	rec.CompletedAt = fromMillis(completed)
	rec.LastAttemptedAt = fromMillis(tried)
	rec.LastErrorKind = task.ErrorKind(errKind.String)
	rec.LastError = errMsg.String
	rec.NextEligibleAt = fromMillis(sql.NullInt64{Int64: nextEligible, Valid: true})
	rec.ReadyAt = fromMillis(readyAt)
	rec.OutputDigest = digest.String
	rec.OutputSize = outputSize.Int64
	return rec, nil
}
