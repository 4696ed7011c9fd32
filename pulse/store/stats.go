package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// Tally counts stage records by stage and state.
type Tally map[task.StageKind]map[task.StageState]int

// Get returns the count for one stage and state.
func (t Tally) Get(stage task.StageKind, state task.StageState) int {
	return t[stage][state]
}

// ByState sums counts across stages.
func (t Tally) ByState() map[task.StageState]int {
	out := make(map[task.StageState]int, len(task.AllStates))
	for _, states := range t {
		for state, n := range states {
			out[state] += n
		}
	}
	return out
}

// Stats counts stage records per stage and state.
func (s *Store) Stats(ctx context.Context) (Tally, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, state, COUNT(*) FROM stage_records GROUP BY stage, state`)
	if err != nil {
		return nil, storageErr(err, "query stage stats")
	}
	defer rows.Close()

	tally := make(Tally, len(task.Stages))
	for _, s := range task.Stages {
		tally[s] = make(map[task.StageState]int, len(task.AllStates))
	}
	for rows.Next() {
		var (
			stage, state string
			n            int
		)
		if err := rows.Scan(&stage, &state, &n); err != nil {
			return nil, storageErr(err, "scan stage stats")
		}
		k := task.StageKind(stage)
		if tally[k] == nil {
			tally[k] = make(map[task.StageState]int)
		}
		tally[k][task.StageState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate stage stats")
	}
	return tally, nil
}

// StageErrorEntry is one recorded failed attempt.
type StageErrorEntry struct {
	Crate      string
	Version    string
	Stage      task.StageKind
	Attempt    int
	Kind       task.ErrorKind
	Code       string
	Message    string
	OccurredAt time.Time
}

// RecentErrors lists the latest failed attempts, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]StageErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.crate, v.version, e.stage, e.attempt, e.kind, e.code, e.message, e.occurred_at
		FROM stage_errors e
		JOIN crate_versions v ON v.id = e.version_id
		ORDER BY e.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr(err, "query stage errors")
	}
	defer rows.Close()

	var out []StageErrorEntry
	for rows.Next() {
		var (
			e           StageErrorEntry
			stage, kind string
			at          int64
		)
		if err := rows.Scan(&e.Crate, &e.Version, &stage, &e.Attempt, &kind, &e.Code, &e.Message, &at); err != nil {
			return nil, storageErr(err, "scan stage error")
		}
		e.Stage = task.StageKind(stage)
		e.Kind = task.ErrorKind(kind)
		e.OccurredAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate stage errors")
	}
	return out, nil
}

// DailyContext is one day of activity counters.
type DailyContext struct {
	Day                string
	VersionsDiscovered int
	CratesDiscovered   int
	StagesDone         int
	StagesFailed       int
	DiscoveryDuration  time.Duration
}

// Daily returns the counters for the given day; zero values if none.
func (s *Store) Daily(ctx context.Context, day time.Time) (DailyContext, error) {
	dc := DailyContext{Day: dayOf(day)}
	var discoveryMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT versions_discovered, crates_discovered, stages_done, stages_failed, discovery_ms
		FROM daily_context WHERE day = ?`, dc.Day,
	).Scan(&dc.VersionsDiscovered, &dc.CratesDiscovered, &dc.StagesDone, &dc.StagesFailed, &discoveryMS)
	if errors.Is(err, sql.ErrNoRows) {
		return dc, nil
	}
	if err != nil {
		return dc, storageErr(err, "query daily context")
	}
	dc.DiscoveryDuration = time.Duration(discoveryMS) * time.Millisecond
	return dc, nil
}

// RecordDiscoveryDuration adds time spent in discovery to today's counters.
func (s *Store) RecordDiscoveryDuration(ctx context.Context, d time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.bumpDaily(ctx, tx, s.clock(), "discovery_ms", d.Milliseconds())
	})
}

// ActiveLeases lists in-progress stages, soonest expiry first.
func (s *Store) ActiveLeases(ctx context.Context, limit int) ([]task.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.crate, v.version, r.stage, r.lease_token, r.attempt_count, r.lease_expires_at
		FROM stage_records r
		JOIN crate_versions v ON v.id = r.version_id
		WHERE r.state = 'in_progress'
		ORDER BY r.lease_expires_at, v.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr(err, "query active leases")
	}
	defer rows.Close()

	var out []task.Lease
	for rows.Next() {
		var (
			l       task.Lease
			stage   string
			token   sql.NullString
			expires sql.NullInt64
		)
		if err := rows.Scan(&l.VersionID, &l.Crate, &l.Version, &stage, &token, &l.Attempt, &expires); err != nil {
			return nil, storageErr(err, "scan active lease")
		}
		l.Stage = task.StageKind(stage)
		l.Token = token.String
		l.ExpiresAt = fromMillis(expires)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate active leases")
	}
	return out, nil
}
