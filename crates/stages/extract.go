package stages

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/teranos/cratemine/crates/waste"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// MaxSelectedBytes caps the content kept for each selected file.
const MaxSelectedBytes = 64 << 10

// MaxManifestBytes caps Cargo.toml, which is parsed and must stay whole.
const MaxManifestBytes = 4 << 20

const manifestName = "Cargo.toml"

// Entry types recorded in a listing.
const (
	EntryFile    = "file"
	EntryDir     = "dir"
	EntrySymlink = "symlink"
	EntryOther   = "other"
)

// ListEntry is one tar header, relative to the package root.
type ListEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Listing is the output of ExtractArchive.
type Listing struct {
	Root           string            `json:"root"`
	CompressedSize int64             `json:"compressed_size"`
	Entries        []ListEntry       `json:"entries"`
	Selected       map[string][]byte `json:"selected,omitempty"`
	Truncated      []string          `json:"truncated,omitempty"`
}

// Files returns the regular files as waste entries.
func (l Listing) Files() []waste.Entry {
	out := make([]waste.Entry, 0, len(l.Entries))
	for _, e := range l.Entries {
		if e.Type == EntryFile {
			out = append(out, waste.Entry{Path: e.Path, Size: e.Size})
		}
	}
	return out
}

// ExtractArchive lists a downloaded .crate (a gzipped tarball with a single
// name-version/ root) and keeps the small files later stages read.
type ExtractArchive struct {
	// MaxEntries bounds the listing; 0 means no bound.
	MaxEntries int
}

func (*ExtractArchive) Stage() task.StageKind { return task.ExtractArchive }

func (e *ExtractArchive) Run(ctx context.Context, in task.Input) (task.Output, error) {
	a, ok := in.Artifact(task.DownloadArchive)
	if !ok {
		return task.Output{}, task.Permanentf(task.CodeMalformed, "%s@%s: no archive", in.Crate, in.Version)
	}
	listing, err := e.list(ctx, a.Data, in.Crate+"-"+in.Version)
	if err != nil {
		return task.Output{}, err
	}
	return jsonOutput(listing)
}

func (e *ExtractArchive) list(ctx context.Context, data []byte, root string) (Listing, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Listing{}, task.NewPermanent(task.CodeMalformed, errors.Wrap(err, "open gzip stream"))
	}
	defer zr.Close()

	l := Listing{Root: root, CompressedSize: int64(len(data)), Selected: map[string][]byte{}}
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return Listing{}, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Listing{}, task.NewPermanent(task.CodeMalformed, errors.Wrap(err, "read tar entry"))
		}
		rel, ok := relativePath(hdr.Name, root)
		if !ok {
			continue
		}
		entry := ListEntry{Path: rel, Size: hdr.Size, Type: entryType(hdr.Typeflag)}
		l.Entries = append(l.Entries, entry)
		if e.MaxEntries > 0 && len(l.Entries) > e.MaxEntries {
			return Listing{}, task.Permanentf(task.CodeMalformed, "%s: more than %d entries", root, e.MaxEntries)
		}

		if entry.Type != EntryFile || !selected(rel) {
			continue
		}
		limit := selectLimit(rel)
		body, err := io.ReadAll(io.LimitReader(tr, limit+1))
		if err != nil {
			return Listing{}, task.NewPermanent(task.CodeMalformed, errors.Wrapf(err, "read %s", rel))
		}
		if int64(len(body)) > limit {
			body = body[:limit]
			l.Truncated = append(l.Truncated, rel)
		}
		l.Selected[rel] = body
	}
	if len(l.Entries) == 0 {
		return Listing{}, task.Permanentf(task.CodeMalformed, "%s: archive has no entries under %s/", root, root)
	}
	return l, nil
}

func selectLimit(rel string) int64 {
	if rel == manifestName {
		return MaxManifestBytes
	}
	return MaxSelectedBytes
}

// relativePath strips the archive root. Entries outside it, and the root
// itself, are dropped.
func relativePath(name, root string) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	rest, ok := strings.CutPrefix(name, root+"/")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

func entryType(flag byte) string {
	switch flag {
	case tar.TypeReg:
		return EntryFile
	case tar.TypeDir:
		return EntryDir
	case tar.TypeSymlink, tar.TypeLink:
		return EntrySymlink
	default:
		return EntryOther
	}
}

// selected reports whether a root-level file is kept verbatim.
func selected(rel string) bool {
	if strings.Contains(rel, "/") {
		return false
	}
	switch rel {
	case manifestName, "Cargo.lock":
		return true
	}
	upper := strings.ToUpper(rel)
	return strings.HasPrefix(upper, "README") || strings.HasPrefix(upper, "LICENSE")
}
