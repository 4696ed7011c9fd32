// Package stages implements the executors for each pipeline stage.
//
// Executors read only their task.Input and return a task.Output; the engine
// owns persistence. Outputs are JSON except the downloaded archive, which is
// stored as the raw .crate blob.
package stages

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/crates/registry"
	"github.com/teranos/cratemine/pulse/task"
)

const (
	MediaTypeJSON  = "application/json"
	MediaTypeCrate = "application/x-tar"
)

// Fetcher is the registry surface the network stages need.
type Fetcher interface {
	FetchVersion(ctx context.Context, crate, version string) (json.RawMessage, error)
	Download(ctx context.Context, crate, version, checksum string) (registry.Download, error)
}

// Register adds every stage executor to r.
func Register(r *task.Registry, f Fetcher, logger *zap.SugaredLogger) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("stages")
	r.Register(&FetchMetadata{Registry: f})
	r.Register(&DownloadArchive{Registry: f, Logger: logger})
	r.Register(&ExtractArchive{})
	r.Register(ComputeWasteReport{})
	r.Register(AggregateReport{})
}

// predecessorJSON decodes the output of stage k into v.
func predecessorJSON(in task.Input, k task.StageKind, v any) error {
	a, ok := in.Artifact(k)
	if !ok {
		return task.Permanentf(task.CodeMalformed, "%s: missing %s output", crates.Key(in.Crate, in.Version), k)
	}
	if err := json.Unmarshal(a.Data, v); err != nil {
		return task.NewPermanent(task.CodeMalformed, err)
	}
	return nil
}

func jsonOutput(v any) (task.Output, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
	}
	return task.Output{Data: data, MediaType: MediaTypeJSON}, nil
}
