package store

import (
	"context"
	"database/sql"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// LoadInput assembles an executor's input for a leased stage: the version's
// metadata plus the artifacts of every predecessor stage.
func (s *Store) LoadInput(ctx context.Context, lease task.Lease) (task.Input, error) {
	in := task.Input{
		VersionID: lease.VersionID,
		Crate:     lease.Crate,
		Version:   lease.Version,
		Attempt:   lease.Attempt,
		Artifacts: make(map[task.StageKind]task.Artifact, len(lease.Stage.Predecessors())),
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM crate_versions WHERE id = ?`, lease.VersionID).Scan(&raw)
	if err != nil {
		return task.Input{}, storageErrf(err, "load metadata for %s", lease.Key())
	}
	in.Metadata = []byte(raw)

	for _, pred := range lease.Stage.Predecessors() {
		var a task.Artifact
		err := s.db.QueryRowContext(ctx, `
			SELECT a.digest, a.media_type, a.size, a.data
			FROM stage_records r
			JOIN artifacts a ON a.digest = r.output_digest
			WHERE r.version_id = ? AND r.stage = ? AND r.state = 'done'`,
			lease.VersionID, string(pred)).Scan(&a.Digest, &a.MediaType, &a.Size, &a.Data)
		if errors.Is(err, sql.ErrNoRows) {
			// A claim requires Done predecessors, so a missing output means
			// the database no longer matches what it promised.
			return task.Input{}, errors.MarkStorage(errors.Newf("%s: predecessor %s has no stored output", lease.Key(), pred))
		}
		if err != nil {
			return task.Input{}, storageErrf(err, "load %s output for %s", pred, lease.Key())
		}
		in.Artifacts[pred] = a
	}
	return in, nil
}

// GetArtifact reads an artifact by digest.
func (s *Store) GetArtifact(ctx context.Context, digest string) (task.Artifact, error) {
	var a task.Artifact
	err := s.db.QueryRowContext(ctx,
		`SELECT digest, media_type, size, data FROM artifacts WHERE digest = ?`, digest,
	).Scan(&a.Digest, &a.MediaType, &a.Size, &a.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Artifact{}, errors.NewNotFoundError("artifact %s", digest)
	}
	if err != nil {
		return task.Artifact{}, storageErr(err, "get artifact")
	}
	return a, nil
}

// StageOutput reads the artifact a Done stage produced.
func (s *Store) StageOutput(ctx context.Context, crate, version string, stage task.StageKind) (task.Artifact, error) {
	var digest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT r.output_digest FROM stage_records r
		JOIN crate_versions v ON v.id = r.version_id
		WHERE v.crate = ? AND v.version = ? AND r.stage = ? AND r.state = 'done'`,
		crate, version, string(stage)).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !digest.Valid) {
		return task.Artifact{}, errors.NewNotFoundError("%s output for %s@%s", stage, crate, version)
	}
	if err != nil {
		return task.Artifact{}, storageErr(err, "get stage output")
	}
	return s.GetArtifact(ctx, digest.String)
}
