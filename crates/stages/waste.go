package stages

import (
	"context"
	"encoding/json"
	"slices"
	"sort"

	"github.com/teranos/cratemine/crates/waste"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// ComputeWasteReport classifies the extracted listing against the package's
// own Cargo.toml.
type ComputeWasteReport struct{}

func (ComputeWasteReport) Stage() task.StageKind { return task.ComputeWasteReport }

func (ComputeWasteReport) Run(_ context.Context, in task.Input) (task.Output, error) {
	var l Listing
	if err := predecessorJSON(in, task.ExtractArchive, &l); err != nil {
		return task.Output{}, err
	}
	raw, ok := l.Selected[manifestName]
	if !ok {
		return task.Output{}, task.Permanentf(task.CodeMalformed, "%s: archive has no Cargo.toml", l.Root)
	}
	if slices.Contains(l.Truncated, manifestName) {
		return task.Output{}, task.Permanentf(task.CodeMalformed, "%s: Cargo.toml exceeds %d bytes", l.Root, MaxManifestBytes)
	}
	m, err := waste.ParseManifest(raw)
	if err != nil {
		return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
	}
	return jsonOutput(waste.Analyze(l.Files(), m))
}

// topWasted is how many of the largest wasted files a summary lists.
const topWasted = 10

// Summary is the output of AggregateReport.
type Summary struct {
	Crate       string             `json:"crate"`
	Version     string             `json:"version"`
	TotalBytes  int64              `json:"total_bytes"`
	WastedBytes int64              `json:"wasted_bytes"`
	TotalFiles  int                `json:"total_files"`
	WastedFiles int                `json:"wasted_files"`
	WastedRatio float64            `json:"wasted_ratio"`
	TopWasted   []waste.Classified `json:"top_wasted,omitempty"`
	Suggestion  *waste.Fix         `json:"suggestion,omitempty"`
}

// AggregateReport condenses a waste report into the figures kept per
// version and the summary reports render.
type AggregateReport struct{}

func (AggregateReport) Stage() task.StageKind { return task.AggregateReport }

func (AggregateReport) Run(_ context.Context, in task.Input) (task.Output, error) {
	var r waste.Report
	if err := predecessorJSON(in, task.ComputeWasteReport, &r); err != nil {
		return task.Output{}, err
	}
	s := Summarize(in.Crate, in.Version, r)

	out, err := jsonOutput(s)
	if err != nil {
		return task.Output{}, err
	}
	var suggestion []byte
	if s.Suggestion != nil {
		if suggestion, err = json.Marshal(s.Suggestion); err != nil {
			return task.Output{}, errors.Wrap(err, "encode suggestion")
		}
	}
	out.Waste = &task.WasteFigures{
		TotalBytes:  s.TotalBytes,
		WastedBytes: s.WastedBytes,
		TotalFiles:  s.TotalFiles,
		WastedFiles: s.WastedFiles,
		Suggestion:  suggestion,
	}
	return out, nil
}

// Summarize builds the per-version summary of a waste report.
func Summarize(crate, version string, r waste.Report) Summary {
	s := Summary{
		Crate:       crate,
		Version:     version,
		TotalBytes:  r.TotalBytes,
		WastedBytes: r.WastedBytes,
		TotalFiles:  r.TotalFiles,
		WastedFiles: r.WastedFiles,
		Suggestion:  r.Suggestion,
	}
	if r.TotalBytes > 0 {
		s.WastedRatio = float64(r.WastedBytes) / float64(r.TotalBytes)
	}
	for _, e := range r.Entries {
		if e.Class == waste.Wasted {
			s.TopWasted = append(s.TopWasted, e)
		}
	}
	sort.SliceStable(s.TopWasted, func(i, j int) bool { return s.TopWasted[i].Size > s.TopWasted[j].Size })
	if len(s.TopWasted) > topWasted {
		s.TopWasted = s.TopWasted[:topWasted]
	}
	return s
}
