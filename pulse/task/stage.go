// Package task defines the unit of work the mining engine schedules: the
// closed set of pipeline stages, their precedence, the per-stage state
// machine, leases, stage errors and the executor contract.
package task

import (
	"github.com/teranos/cratemine/errors"
)

// StageKind identifies one step of the per-crate-version pipeline.
// The string value is what the store persists.
type StageKind string

const (
	FetchMetadata      StageKind = "fetch_metadata"
	DownloadArchive    StageKind = "download_archive"
	ExtractArchive     StageKind = "extract_archive"
	ComputeWasteReport StageKind = "compute_waste_report"
	AggregateReport    StageKind = "aggregate_report"
)

// Stages lists every stage in pipeline order.
var Stages = []StageKind{
	FetchMetadata,
	DownloadArchive,
	ExtractArchive,
	ComputeWasteReport,
	AggregateReport,
}

// precedence maps a stage to the stages that must be Done before it may run.
// Adding a stage means adding it to Stages, here, and to resources.
var precedence = map[StageKind][]StageKind{
	FetchMetadata:      nil,
	DownloadArchive:    {FetchMetadata},
	ExtractArchive:     {DownloadArchive},
	ComputeWasteReport: {ExtractArchive},
	AggregateReport:    {ComputeWasteReport},
}

// Resource is the bottleneck a stage consumes; pools are sized per resource.
type Resource string

const (
	ResourceNetwork Resource = "network"
	ResourceCPU     Resource = "cpu"
	ResourceDisk    Resource = "disk"
)

var resources = map[StageKind]Resource{
	FetchMetadata:      ResourceNetwork,
	DownloadArchive:    ResourceNetwork,
	ExtractArchive:     ResourceCPU,
	ComputeWasteReport: ResourceCPU,
	AggregateReport:    ResourceDisk,
}

// ParseStage converts a persisted or user-supplied name into a StageKind.
func ParseStage(s string) (StageKind, error) {
	k := StageKind(s)
	if !k.Valid() {
		return "", errors.NewInvalidRequestError("unknown stage %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the known stages.
func (k StageKind) Valid() bool {
	_, ok := precedence[k]
	return ok
}

func (k StageKind) String() string { return string(k) }

// Predecessors returns the stages that must be Done before k is eligible.
func (k StageKind) Predecessors() []StageKind {
	return precedence[k]
}

// Successors returns the stages that list k as a predecessor.
func (k StageKind) Successors() []StageKind {
	var out []StageKind
	for _, s := range Stages {
		for _, p := range precedence[s] {
			if p == k {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// IsRoot reports whether k has no predecessors.
func (k StageKind) IsRoot() bool {
	return len(precedence[k]) == 0
}

// Resource returns the resource class k is bound by.
func (k StageKind) Resource() Resource {
	return resources[k]
}

// ValidatePrecedence checks the precedence table is complete and acyclic.
func ValidatePrecedence() error {
	for _, s := range Stages {
		if _, ok := precedence[s]; !ok {
			return errors.Newf("stage %s missing from precedence table", s)
		}
		if _, ok := resources[s]; !ok {
			return errors.Newf("stage %s has no resource class", s)
		}
		for _, p := range precedence[s] {
			if !p.Valid() {
				return errors.Newf("stage %s depends on unknown stage %s", s, p)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[StageKind]int, len(Stages))
	var visit func(StageKind) error
	visit = func(k StageKind) error {
		switch marks[k] {
		case visiting:
			return errors.Newf("precedence cycle through %s", k)
		case visited:
			return nil
		}
		marks[k] = visiting
		for _, p := range precedence[k] {
			if err := visit(p); err != nil {
				return err
			}
		}
		marks[k] = visited
		return nil
	}
	for _, s := range Stages {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}
