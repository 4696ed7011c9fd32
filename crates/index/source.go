// Package index discovers new and changed crate versions and records them
// in the store. The usual source is a local clone of the crates.io index
// git repository, diffed from the last commit processed.
package index

import (
	"bufio"
	"bytes"
	"context"
	"iter"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/sym"
)

// Source yields registry entries that changed since a position.
//
// Changes returns the new position and a lazy sequence of entries. The
// caller persists the position only after the sequence is fully consumed,
// so an interrupted discovery is repeated rather than skipped.
type Source interface {
	Changes(ctx context.Context, since string) (head string, changes iter.Seq2[crates.Metadata, error], err error)
}

// Result summarises one discovery run.
type Result struct {
	Since       string
	Head        string
	Seen        int
	NewVersions int
	NewCrates   int
	Skipped     int // malformed index lines
	Duration    time.Duration
}

// Discoverer feeds a Source into the store.
type Discoverer struct {
	store  *store.Store
	source Source
	logger *zap.SugaredLogger
	// OnVersion, if set, is called after each upsert.
	OnVersion func(meta crates.Metadata, res store.UpsertResult)
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(s *store.Store, src Source, logger *zap.SugaredLogger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Discoverer{store: s, source: src, logger: logger.Named("index")}
}

// Run upserts every changed entry, then records the new last-seen position.
// Malformed entries are skipped and counted; storage failures abort.
func (d *Discoverer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	since, _, err := d.store.GetState(ctx, store.KeyIndexLastSeen)
	if err != nil {
		return Result{}, err
	}

	head, changes, err := d.source.Changes(ctx, since)
	if err != nil {
		return Result{}, errors.Wrap(err, "read index changes")
	}
	res := Result{Since: since, Head: head}
	d.logger.Infow(sym.IX+" discovering", "since", shortHash(since), "head", shortHash(head))

	for meta, err := range changes {
		if err != nil {
			if errors.IsInvalidRequestError(err) {
				res.Skipped++
				d.logger.Debugw("skipping index entry", "error", err)
				continue
			}
			return res, errors.Wrap(err, "iterate index changes")
		}
		res.Seen++
		up, err := d.store.UpsertMetadata(ctx, meta.Name, meta.Version, meta)
		if err != nil {
			return res, err
		}
		if up.CreatedVersion {
			res.NewVersions++
		}
		if up.CreatedCrate {
			res.NewCrates++
		}
		if d.OnVersion != nil {
			d.OnVersion(meta, up)
		}
	}

	if head != "" && head != since {
		if err := d.store.SetState(ctx, store.KeyIndexLastSeen, head); err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(start)
	if err := d.store.RecordDiscoveryDuration(ctx, res.Duration); err != nil {
		return res, err
	}
	d.logger.Infow(sym.IX+" discovery done",
		"seen", res.Seen, "new_versions", res.NewVersions, "new_crates", res.NewCrates,
		"skipped", res.Skipped, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// parseLines yields one Metadata per non-empty line of an index file.
func parseLines(data []byte, yield func(crates.Metadata, error) bool) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !yield(crates.ParseMetadata(line)) {
			return false
		}
	}
	if err := sc.Err(); err != nil {
		return yield(crates.Metadata{}, errors.Wrap(err, "scan index file"))
	}
	return true
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Static is a fixed list of entries, for seeding and tests. Its position
// is the number of entries, so a second run yields nothing new.
type Static []crates.Metadata

func (s Static) Changes(_ context.Context, since string) (string, iter.Seq2[crates.Metadata, error], error) {
	head := strconv.Itoa(len(s))
	start := 0
	if since != "" {
		n, err := strconv.Atoi(since)
		if err != nil || n < 0 || n > len(s) {
			return "", nil, errors.NewInvalidRequestError("invalid static index position %q", since)
		}
		start = n
	}
	return head, func(yield func(crates.Metadata, error) bool) {
		for i := start; i < len(s); i++ {
			m := s[i]
			if err := m.Validate(); err != nil {
				if !yield(crates.Metadata{}, err) {
					return
				}
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}, nil
}
