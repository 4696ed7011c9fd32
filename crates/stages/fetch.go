package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/pulse/task"
)

// FetchMetadata retrieves the registry API record for a version.
type FetchMetadata struct {
	Registry Fetcher
}

func (*FetchMetadata) Stage() task.StageKind { return task.FetchMetadata }

// Run stores the raw API object as the stage artifact and merges its
// authors, size and license into the version metadata.
func (e *FetchMetadata) Run(ctx context.Context, in task.Input) (task.Output, error) {
	raw, err := e.Registry.FetchVersion(ctx, in.Crate, in.Version)
	if err != nil {
		return task.Output{}, err
	}
	published, err := crates.ParsePublished(raw)
	if err != nil {
		return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
	}
	meta, err := decodeMetadata(in)
	if err != nil {
		return task.Output{}, err
	}
	meta.Published = published
	merged, err := json.Marshal(meta)
	if err != nil {
		return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
	}
	return task.Output{Data: raw, MediaType: MediaTypeJSON, Metadata: merged}, nil
}

func decodeMetadata(in task.Input) (crates.Metadata, error) {
	var meta crates.Metadata
	if len(in.Metadata) > 0 {
		if err := json.Unmarshal(in.Metadata, &meta); err != nil {
			return crates.Metadata{}, task.NewPermanent(task.CodeMalformed, err)
		}
	}
	meta.Name, meta.Version = in.Crate, in.Version
	return meta, nil
}

// DownloadArchive fetches the .crate archive, verified against the index
// checksum recorded at discovery and the size FetchMetadata recorded.
type DownloadArchive struct {
	Registry Fetcher
	Logger   *zap.SugaredLogger
}

func (*DownloadArchive) Stage() task.StageKind { return task.DownloadArchive }

func (e *DownloadArchive) Run(ctx context.Context, in task.Input) (task.Output, error) {
	meta, err := decodeMetadata(in)
	if err != nil {
		return task.Output{}, err
	}
	dl, err := e.Registry.Download(ctx, in.Crate, in.Version, meta.Checksum)
	if err != nil {
		return task.Output{}, err
	}
	if meta.Size > 0 && int64(len(dl.Data)) != meta.Size {
		return task.Output{}, task.Permanentf(task.CodeChecksum,
			"%s: archive is %d bytes, registry reports crate_size %d", dl.URL, len(dl.Data), meta.Size)
	}
	if e.Logger != nil {
		e.Logger.Debugw("archive downloaded",
			"crate", in.Crate, "version", in.Version, "url", dl.URL,
			"size", len(dl.Data), "sha256", dl.SHA256)
	}
	mediaType := dl.ContentType
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = MediaTypeCrate
	}
	return task.Output{Data: dl.Data, MediaType: mediaType}, nil
}
