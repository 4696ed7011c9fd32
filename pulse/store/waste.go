package store

import (
	"context"
	"time"

	"github.com/teranos/cratemine/pulse/task"
)

// WasteRow is one version's committed waste figures.
type WasteRow struct {
	Crate       string
	Version     string
	TotalBytes  int64
	WastedBytes int64
	TotalFiles  int
	WastedFiles int
	Suggestion  []byte
	CreatedAt   time.Time
}

// WasteReports lists the waste figures of every version whose aggregate
// stage is Done, ordered by crate then discovery.
func (s *Store) WasteReports(ctx context.Context) ([]WasteRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.crate, w.version, w.total_bytes, w.wasted_bytes, w.total_files,
		       w.wasted_files, w.suggestion, w.created_at
		FROM waste_reports w
		JOIN stage_records r ON r.version_id = w.version_id AND r.stage = ?
		WHERE r.state = 'done'
		ORDER BY w.crate, w.version_id`, string(task.AggregateReport))
	if err != nil {
		return nil, storageErr(err, "query waste reports")
	}
	defer rows.Close()

	var out []WasteRow
	for rows.Next() {
		var (
			w          WasteRow
			suggestion string
			created    int64
		)
		if err := rows.Scan(&w.Crate, &w.Version, &w.TotalBytes, &w.WastedBytes,
			&w.TotalFiles, &w.WastedFiles, &suggestion, &created); err != nil {
			return nil, storageErr(err, "scan waste report")
		}
		w.Suggestion = []byte(suggestion)
		w.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate waste reports")
	}
	return out, nil
}
