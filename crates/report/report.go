// Package report turns committed waste figures into a document, rendered
// as a terminal table, JSON, YAML or TOML. It only reads the store.
package report

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/crates/waste"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/store"
)

// Source provides the committed waste rows.
type Source interface {
	WasteReports(ctx context.Context) ([]store.WasteRow, error)
}

// Options tune Build.
type Options struct {
	// TopVersions is how many of the most wasteful versions to list.
	TopVersions int
	// Crate restricts the document to one crate.
	Crate string
	Now   func() time.Time
}

// VersionRow is one version's figures.
type VersionRow struct {
	Crate       string     `json:"crate" yaml:"crate" toml:"crate"`
	Version     string     `json:"version" yaml:"version" toml:"version"`
	TotalBytes  int64      `json:"total_bytes" yaml:"total_bytes" toml:"total_bytes"`
	WastedBytes int64      `json:"wasted_bytes" yaml:"wasted_bytes" toml:"wasted_bytes"`
	TotalFiles  int        `json:"total_files" yaml:"total_files" toml:"total_files"`
	WastedFiles int        `json:"wasted_files" yaml:"wasted_files" toml:"wasted_files"`
	Suggestion  *waste.Fix `json:"suggestion,omitempty" yaml:"suggestion,omitempty" toml:"suggestion,omitempty"`
}

// CrateRow sums a crate's versions. Latest is the highest version mined,
// and its suggestion is the one worth acting on.
type CrateRow struct {
	Crate       string     `json:"crate" yaml:"crate" toml:"crate"`
	Versions    int        `json:"versions" yaml:"versions" toml:"versions"`
	Latest      string     `json:"latest" yaml:"latest" toml:"latest"`
	TotalBytes  int64      `json:"total_bytes" yaml:"total_bytes" toml:"total_bytes"`
	WastedBytes int64      `json:"wasted_bytes" yaml:"wasted_bytes" toml:"wasted_bytes"`
	Suggestion  *waste.Fix `json:"suggestion,omitempty" yaml:"suggestion,omitempty" toml:"suggestion,omitempty"`
}

// Document is the full report.
type Document struct {
	GeneratedAt time.Time    `json:"generated_at" yaml:"generated_at" toml:"generated_at"`
	Crates      int          `json:"crates" yaml:"crates" toml:"crates"`
	Versions    int          `json:"versions" yaml:"versions" toml:"versions"`
	TotalBytes  int64        `json:"total_bytes" yaml:"total_bytes" toml:"total_bytes"`
	WastedBytes int64        `json:"wasted_bytes" yaml:"wasted_bytes" toml:"wasted_bytes"`
	WastedRatio float64      `json:"wasted_ratio" yaml:"wasted_ratio" toml:"wasted_ratio"`
	ByCrate     []CrateRow   `json:"by_crate" yaml:"by_crate" toml:"by_crate"`
	TopVersions []VersionRow `json:"top_versions" yaml:"top_versions" toml:"top_versions"`
}

// Generate reads src and builds the document.
func Generate(ctx context.Context, src Source, opts Options) (Document, error) {
	rows, err := src.WasteReports(ctx)
	if err != nil {
		return Document{}, errors.Wrap(err, "load waste reports")
	}
	return Build(rows, opts)
}

// Build aggregates rows. Crates are ordered by wasted bytes, largest first.
func Build(rows []store.WasteRow, opts Options) (Document, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	doc := Document{GeneratedAt: now().UTC()}

	byCrate := make(map[string]*CrateRow)
	var versions []VersionRow
	for _, r := range rows {
		if opts.Crate != "" && r.Crate != opts.Crate {
			continue
		}
		fix, err := decodeFix(r.Suggestion)
		if err != nil {
			return Document{}, errors.Wrapf(err, "suggestion for %s", crates.Key(r.Crate, r.Version))
		}
		v := VersionRow{
			Crate:       r.Crate,
			Version:     r.Version,
			TotalBytes:  r.TotalBytes,
			WastedBytes: r.WastedBytes,
			TotalFiles:  r.TotalFiles,
			WastedFiles: r.WastedFiles,
			Suggestion:  fix,
		}
		versions = append(versions, v)

		doc.Versions++
		doc.TotalBytes += r.TotalBytes
		doc.WastedBytes += r.WastedBytes

		c, ok := byCrate[r.Crate]
		if !ok {
			c = &CrateRow{Crate: r.Crate}
			byCrate[r.Crate] = c
		}
		c.Versions++
		c.TotalBytes += r.TotalBytes
		c.WastedBytes += r.WastedBytes
		if c.Latest == "" || newer(r.Version, c.Latest) {
			c.Latest = r.Version
			c.Suggestion = fix
		}
	}
	if doc.TotalBytes > 0 {
		doc.WastedRatio = float64(doc.WastedBytes) / float64(doc.TotalBytes)
	}

	doc.Crates = len(byCrate)
	doc.ByCrate = make([]CrateRow, 0, len(byCrate))
	for _, c := range byCrate {
		doc.ByCrate = append(doc.ByCrate, *c)
	}
	sort.Slice(doc.ByCrate, func(i, j int) bool {
		a, b := doc.ByCrate[i], doc.ByCrate[j]
		if a.WastedBytes != b.WastedBytes {
			return a.WastedBytes > b.WastedBytes
		}
		return a.Crate < b.Crate
	})

	sort.SliceStable(versions, func(i, j int) bool { return versions[i].WastedBytes > versions[j].WastedBytes })
	if opts.TopVersions > 0 && len(versions) > opts.TopVersions {
		versions = versions[:opts.TopVersions]
	}
	doc.TopVersions = versions
	return doc, nil
}

func newer(a, b string) bool {
	vs := []string{a, b}
	crates.SortVersions(vs)
	return vs[1] == a && a != b
}

func decodeFix(raw []byte) (*waste.Fix, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var f waste.Fix
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if len(f.Include) == 0 && len(f.Exclude) == 0 {
		return nil, nil
	}
	return &f, nil
}
