package task

import (
	"context"
	"sort"
	"sync"
)

// Artifact is a persisted stage output as handed to a successor stage.
type Artifact struct {
	Digest    string
	MediaType string
	Size      int64
	Data      []byte
}

// Input is everything an executor may read. The engine assembles it from
// the store: the version's registry metadata plus the outputs of the
// stage's predecessors.
type Input struct {
	VersionID int64
	Crate     string
	Version   string
	Attempt   int
	Metadata  []byte
	Artifacts map[StageKind]Artifact
}

// Artifact returns the output of predecessor stage k.
func (in Input) Artifact(k StageKind) (Artifact, bool) {
	a, ok := in.Artifacts[k]
	return a, ok
}

// WasteFigures are derived rows committed alongside an aggregate stage.
type WasteFigures struct {
	TotalBytes  int64
	WastedBytes int64
	TotalFiles  int
	WastedFiles int
	Suggestion  []byte
}

// Output is what a successful executor returns. Data is stored as a
// content-addressed artifact in the same transaction that marks the stage Done.
// A non-empty Metadata replaces the version's stored metadata in that
// transaction too.
type Output struct {
	Data      []byte
	MediaType string
	Waste     *WasteFigures
	Metadata  []byte
}

// Executor runs one pipeline stage. Executors never touch the store: they
// read Input and return Output, so each can be tested on its own.
//
// Context cancellation: executors must return promptly once ctx is done.
// Errors should be *StageError; anything else is classified as Transient.
type Executor interface {
	Stage() StageKind
	Run(ctx context.Context, in Input) (Output, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc struct {
	Kind StageKind
	Fn   func(ctx context.Context, in Input) (Output, error)
}

func (f ExecutorFunc) Stage() StageKind { return f.Kind }

func (f ExecutorFunc) Run(ctx context.Context, in Input) (Output, error) {
	return f.Fn(ctx, in)
}

// Registry maps each stage to its executor.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	executors map[StageKind]Executor
	mu        sync.RWMutex
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[StageKind]Executor)}
}

// Register adds an executor for its stage.
// Panics on an unknown stage or a second executor for the same stage.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := e.Stage()
	if !k.Valid() {
		panic("task: register executor for unknown stage " + string(k))
	}
	if _, exists := r.executors[k]; exists {
		panic("task: executor already registered for stage " + string(k))
	}
	r.executors[k] = e
}

// Get returns the executor for stage k.
func (r *Registry) Get(k StageKind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[k]
	return e, ok
}

// Stages lists registered stages in pipeline order.
func (r *Registry) Stages() []StageKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StageKind, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	order := make(map[StageKind]int, len(Stages))
	for i, s := range Stages {
		order[s] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
