package store

import (
	"context"
	"iter"
	"time"

	"github.com/teranos/cratemine/pulse/task"
)

// eligiblePageSize bounds how many rows one page query returns.
const eligiblePageSize = 64

// Eligible identifies a crate version whose stage may be claimed now.
type Eligible struct {
	VersionID    int64
	Crate        string
	Version      string
	Stage        task.StageKind
	State        task.StageState
	AttemptCount int
	ReadyAt      time.Time
}

// IterEligible lazily yields crate versions whose stage is claimable now:
// predecessors Done and the record Pending, Failed with retries left and
// past backoff, or holding an expired lease. Items come oldest-ready first.
//
// The sequence is restartable: each page is a fresh query against current
// state, so records claimed or committed meanwhile drop out. A storage
// error is yielded once and ends the sequence.
func (s *Store) IterEligible(ctx context.Context, stage task.StageKind) iter.Seq2[Eligible, error] {
	return func(yield func(Eligible, error) bool) {
		var (
			afterReady int64 = -1
			afterID    int64 = -1
		)
		for {
			page, err := s.eligiblePage(ctx, stage, afterReady, afterID)
			if err != nil {
				yield(Eligible{}, err)
				return
			}
			for _, e := range page {
				if !yield(e.Eligible, nil) {
					return
				}
				afterReady, afterID = e.readyKey, e.VersionID
			}
			if len(page) < eligiblePageSize {
				return
			}
		}
	}
}

type eligibleRow struct {
	Eligible
	readyKey int64
}

func (s *Store) eligiblePage(ctx context.Context, stage task.StageKind, afterReady, afterID int64) ([]eligibleRow, error) {
	ms := millis(s.clock())
	query := `WITH ` + precedenceCTE + `
		SELECT v.id, v.crate, v.version, r.state, r.attempt_count,
		       COALESCE(r.ready_at, v.discovered_at) AS ready_key
		FROM stage_records r
		JOIN crate_versions v ON v.id = r.version_id
		WHERE r.stage = ?
		  AND ` + claimablePredicate("r") + `
		  AND ` + predecessorsDone("r") + `
		  AND (COALESCE(r.ready_at, v.discovered_at), v.id) > (?, ?)
		ORDER BY ready_key, v.id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		string(stage), ms, s.policy.MaxRetries, ms,
		afterReady, afterID, eligiblePageSize)
	if err != nil {
		return nil, storageErrf(err, "query eligible %s", stage)
	}
	defer rows.Close()

	var page []eligibleRow
	for rows.Next() {
		var (
			row   eligibleRow
			state string
		)
		if err := rows.Scan(&row.VersionID, &row.Crate, &row.Version, &state, &row.AttemptCount, &row.readyKey); err != nil {
			return nil, storageErr(err, "scan eligible row")
		}
		row.Stage = stage
		row.State = task.StageState(state)
		row.ReadyAt = time.UnixMilli(row.readyKey).UTC()
		page = append(page, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate eligible rows")
	}
	return page, nil
}

// CountRunnable counts stage records that still have work ahead of them
// right now or after backoff: not terminal, with every predecessor Done.
// Zero means a run with no in-flight work has nothing left to do.
func (s *Store) CountRunnable(ctx context.Context) (int, error) {
	query := `WITH ` + precedenceCTE + `
		SELECT COUNT(*) FROM stage_records r
		WHERE (r.state IN ('pending', 'in_progress')
		       OR (r.state = 'failed' AND r.attempt_count <= ?))
		  AND ` + predecessorsDone("r")

	var n int
	if err := s.db.QueryRowContext(ctx, query, s.policy.MaxRetries).Scan(&n); err != nil {
		return 0, storageErr(err, "count runnable stages")
	}
	return n, nil
}

// NextWakeup returns the earliest time a record currently waiting on
// backoff or a live lease becomes claimable, or zero if none is waiting.
func (s *Store) NextWakeup(ctx context.Context, stage task.StageKind) (time.Time, error) {
	query := `WITH ` + precedenceCTE + `
		SELECT MIN(CASE WHEN r.state = 'failed' THEN r.next_eligible_at ELSE r.lease_expires_at END)
		FROM stage_records r
		WHERE r.stage = ?
		  AND ((r.state = 'failed' AND r.attempt_count <= ?) OR r.state = 'in_progress')
		  AND ` + predecessorsDone("r")

	var next *int64
	if err := s.db.QueryRowContext(ctx, query, string(stage), s.policy.MaxRetries).Scan(&next); err != nil {
		return time.Time{}, storageErrf(err, "query next wakeup for %s", stage)
	}
	if next == nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(*next).UTC(), nil
}
