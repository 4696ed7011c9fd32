package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/errors"
	cmtest "github.com/teranos/cratemine/internal/testing"
	"github.com/teranos/cratemine/pulse/budget"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/pulse/telemetry"
)

var fastPolicy = task.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func testConfig() Config {
	stages := make(map[task.StageKind]StageConfig, len(task.Stages))
	for _, s := range task.Stages {
		stages[s] = StageConfig{Workers: 2}
	}
	return Config{
		Mode:         ModeOnce,
		Stages:       stages,
		LeaseTTL:     10 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

// pipeline is a set of deterministic executors with per-stage call counts.
type pipeline struct {
	calls    sync.Map // task.StageKind -> *atomic.Int32
	download func(in task.Input, attempt int32) (task.Output, error)
}

func (p *pipeline) count(k task.StageKind) *atomic.Int32 {
	v, _ := p.calls.LoadOrStore(k, new(atomic.Int32))
	return v.(*atomic.Int32)
}

func (p *pipeline) registry() *task.Registry {
	r := task.NewRegistry()
	r.Register(task.ExecutorFunc{Kind: task.FetchMetadata, Fn: func(_ context.Context, in task.Input) (task.Output, error) {
		p.count(task.FetchMetadata).Add(1)
		api := []byte(`{"crate_size":19,"license":"MIT","published_by":{"login":"octo","name":"Octo Cat"}}`)
		published, err := crates.ParsePublished(api)
		if err != nil {
			return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
		}
		var meta crates.Metadata
		if err := json.Unmarshal(in.Metadata, &meta); err != nil {
			return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
		}
		meta.Published = published
		merged, err := json.Marshal(meta)
		if err != nil {
			return task.Output{}, err
		}
		return task.Output{Data: api, MediaType: "application/json", Metadata: merged}, nil
	}})
	r.Register(task.ExecutorFunc{Kind: task.DownloadArchive, Fn: func(_ context.Context, in task.Input) (task.Output, error) {
		n := p.count(task.DownloadArchive).Add(1)
		if p.download != nil {
			return p.download(in, n)
		}
		return task.Output{Data: []byte("fixed archive bytes"), MediaType: "application/gzip"}, nil
	}})
	r.Register(task.ExecutorFunc{Kind: task.ExtractArchive, Fn: func(_ context.Context, in task.Input) (task.Output, error) {
		p.count(task.ExtractArchive).Add(1)
		if _, ok := in.Artifact(task.DownloadArchive); !ok {
			return task.Output{}, task.Permanentf(task.CodeMalformed, "missing archive")
		}
		return task.Output{Data: []byte(`["src/lib.rs","benches/huge.bin"]`)}, nil
	}})
	r.Register(task.ExecutorFunc{Kind: task.ComputeWasteReport, Fn: func(_ context.Context, in task.Input) (task.Output, error) {
		p.count(task.ComputeWasteReport).Add(1)
		return task.Output{Data: []byte(`{"total_bytes":100,"wasted_bytes":42}`)}, nil
	}})
	r.Register(task.ExecutorFunc{Kind: task.AggregateReport, Fn: func(_ context.Context, in task.Input) (task.Output, error) {
		p.count(task.AggregateReport).Add(1)
		a, ok := in.Artifact(task.ComputeWasteReport)
		if !ok {
			return task.Output{}, task.Permanentf(task.CodeMalformed, "missing waste report")
		}
		var w struct {
			TotalBytes  int64 `json:"total_bytes"`
			WastedBytes int64 `json:"wasted_bytes"`
		}
		if err := json.Unmarshal(a.Data, &w); err != nil {
			return task.Output{}, task.NewPermanent(task.CodeMalformed, err)
		}
		return task.Output{
			Data:  a.Data,
			Waste: &task.WasteFigures{TotalBytes: w.TotalBytes, WastedBytes: w.WastedBytes},
		}, nil
	}})
	return r
}

type harness struct {
	store  *store.Store
	coord  *shutdown.Coordinator
	engine *Engine
	bus    *telemetry.Bus
}

func newHarness(t *testing.T, p *pipeline, cfg Config, versions ...string) *harness {
	t.Helper()
	s := store.NewStore(cmtest.CreateTestDB(t), fastPolicy)
	for _, key := range versions {
		crate, version, err := crates.SplitKey(key)
		require.NoError(t, err)
		_, err = s.UpsertMetadata(context.Background(), crate, version, crates.Metadata{})
		require.NoError(t, err)
	}
	log := zaptest.NewLogger(t).Sugar()
	coord := shutdown.New(log)
	bus := telemetry.NewBus(256)
	busCtx, stopBus := context.WithCancel(context.Background())
	t.Cleanup(stopBus)
	go bus.Run(busCtx, nil)
	e, err := New(s, p.registry(), coord, cfg, log,
		WithEmitter(bus), WithLimiter(budget.NewLimiter(0, 1)))
	require.NoError(t, err)
	return &harness{store: s, coord: coord, engine: e, bus: bus}
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := h.engine.Run(ctx)
	require.NoError(t, ctx.Err(), "engine did not finish")
	return err
}

func TestEngine_MinesVersionToAggregate(t *testing.T) {
	p := &pipeline{}
	h := newHarness(t, p, testConfig(), "foo:1.0.0")

	require.NoError(t, h.run(t))
	assert.Equal(t, shutdown.Stopped, h.coord.State())
	assert.Equal(t, shutdown.ExitClean, h.coord.ExitCode(nil))

	v, err := h.store.GetVersion(context.Background(), "foo", "1.0.0")
	require.NoError(t, err)
	for _, stage := range task.Stages {
		rec := v.Stage(stage)
		assert.Equal(t, task.StateDone, rec.State, stage)
		assert.Equal(t, 1, rec.AttemptCount, stage)
	}
	assert.Equal(t, []string{"Octo Cat"}, v.Metadata.Authors, "fetched metadata is merged into the version")
	assert.Equal(t, int64(19), v.Metadata.Size)
	assert.Equal(t, "octo", v.Metadata.PublishedBy)

	rows, err := h.store.WasteReports(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "foo", rows[0].Crate)
	assert.Equal(t, int64(42), rows[0].WastedBytes)
}

func TestEngine_PermanentDownloadFailureExhaustsOnce(t *testing.T) {
	p := &pipeline{download: func(task.Input, int32) (task.Output, error) {
		return task.Output{}, task.Permanentf(task.CodeChecksum, "checksum mismatch")
	}}
	h := newHarness(t, p, testConfig(), "bar:2.0.0")

	require.NoError(t, h.run(t))

	v, err := h.store.GetVersion(context.Background(), "bar", "2.0.0")
	require.NoError(t, err)
	download := v.Stage(task.DownloadArchive)
	assert.Equal(t, task.StateExhausted, download.State)
	assert.Equal(t, 1, download.AttemptCount)
	assert.Equal(t, int32(1), p.count(task.DownloadArchive).Load())

	for _, stage := range []task.StageKind{task.ExtractArchive, task.ComputeWasteReport, task.AggregateReport} {
		assert.Equal(t, task.StatePending, v.Stage(stage).State, stage)
		assert.Equal(t, int32(0), p.count(stage).Load(), stage)
	}
}

func TestEngine_TransientDownloadRetriesThenSucceeds(t *testing.T) {
	p := &pipeline{download: func(_ task.Input, n int32) (task.Output, error) {
		if n <= 2 {
			return task.Output{}, task.Transientf(task.CodeNetwork, "connection reset (call %d)", n)
		}
		return task.Output{Data: []byte("fixed archive bytes")}, nil
	}}
	h := newHarness(t, p, testConfig(), "baz:3.0.0")

	require.NoError(t, h.run(t))

	v, err := h.store.GetVersion(context.Background(), "baz", "3.0.0")
	require.NoError(t, err)
	download := v.Stage(task.DownloadArchive)
	assert.Equal(t, task.StateDone, download.State)
	assert.Equal(t, 3, download.AttemptCount)
	assert.Equal(t, task.StateDone, v.Stage(task.AggregateReport).State)

	entries, err := h.store.RecentErrors(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.Eventually(t, func() bool {
		return h.bus.Count(telemetry.Failed, task.DownloadArchive) == 2 &&
			h.bus.Count(telemetry.Completed, task.AggregateReport) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_ManyVersions(t *testing.T) {
	p := &pipeline{}
	var versions []string
	for i := 0; i < 20; i++ {
		versions = append(versions, crates.Key("many", fmt.Sprintf("1.0.%d", i)))
	}
	h := newHarness(t, p, testConfig(), versions...)

	require.NoError(t, h.run(t))

	tally, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	for _, stage := range task.Stages {
		assert.Equal(t, 20, tally.Get(stage, task.StateDone), stage)
		assert.Equal(t, int32(20), p.count(stage).Load(), "each stage runs once per version: %s", stage)
	}
}

func TestEngine_ExecutorPanicLeavesLease(t *testing.T) {
	p := &pipeline{download: func(task.Input, int32) (task.Output, error) {
		panic("boom")
	}}
	cfg := testConfig()
	cfg.Mode = ModeDuration
	cfg.Duration = 200 * time.Millisecond
	h := newHarness(t, p, cfg, "qux:1.0.0")

	require.NoError(t, h.run(t))

	rec, err := h.store.GetVersion(context.Background(), "qux", "1.0.0")
	require.NoError(t, err)
	download := rec.Stage(task.DownloadArchive)
	assert.Equal(t, task.StateInProgress, download.State, "lease is left to expire")
	assert.Equal(t, int32(1), p.count(task.DownloadArchive).Load())
}

func TestEngine_CrashedFinalAttemptExhaustsInOnceMode(t *testing.T) {
	p := &pipeline{download: func(task.Input, int32) (task.Output, error) {
		panic("crash mid-download")
	}}
	cfg := testConfig()
	cfg.LeaseTTL = 60 * time.Millisecond
	h := newHarness(t, p, cfg, "crash:1.0.0")

	start := time.Now()
	require.NoError(t, h.run(t))
	assert.Less(t, time.Since(start), 5*time.Second, "once mode must go idle")
	assert.Equal(t, shutdown.ExitClean, h.coord.ExitCode(nil))

	v, err := h.store.GetVersion(context.Background(), "crash", "1.0.0")
	require.NoError(t, err)
	download := v.Stage(task.DownloadArchive)
	assert.Equal(t, task.StateExhausted, download.State)
	assert.Equal(t, task.Abandoned, download.LastErrorKind)
	assert.Equal(t, fastPolicy.MaxRetries+1, download.AttemptCount)
	assert.Equal(t, int32(fastPolicy.MaxRetries+1), p.count(task.DownloadArchive).Load())

	n, err := h.store.CountRunnable(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_ContextCancelDrains(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	p := &pipeline{download: func(task.Input, int32) (task.Output, error) {
		close(started)
		<-unblock
		return task.Output{Data: []byte("late but committed")}, nil
	}}
	cfg := testConfig()
	cfg.Mode = ModeContinuous
	h := newHarness(t, p, cfg, "slow:1.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	<-started
	cancel()
	require.Eventually(t, func() bool { return h.coord.State() == shutdown.Draining }, time.Second, 5*time.Millisecond)
	close(unblock)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop after drain")
	}

	v, err := h.store.GetVersion(context.Background(), "slow", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, task.StateDone, v.Stage(task.DownloadArchive).State, "in-flight work commits during drain")
	assert.Equal(t, task.StatePending, v.Stage(task.ExtractArchive).State, "nothing new is admitted")
}

func TestEngine_AbortAbandonsInFlight(t *testing.T) {
	started := make(chan struct{})
	p := &pipeline{download: func(task.Input, int32) (task.Output, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return task.Output{Data: []byte("too late")}, nil
	}}
	cfg := testConfig()
	cfg.Mode = ModeContinuous
	h := newHarness(t, p, cfg, "abort:1.0.0")

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background()) }()

	<-started
	h.coord.Signal()
	h.coord.Signal()
	require.NoError(t, <-done)
	assert.Equal(t, shutdown.ExitAborted, h.coord.ExitCode(nil))

	v, err := h.store.GetVersion(context.Background(), "abort", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, task.StateInProgress, v.Stage(task.DownloadArchive).State)
}

func TestEngine_ReportModeDoesNotMine(t *testing.T) {
	p := &pipeline{}
	cfg := testConfig()
	cfg.Mode = ModeReport
	h := newHarness(t, p, cfg, "foo:1.0.0")

	require.NoError(t, h.run(t))
	assert.Equal(t, int32(0), p.count(task.FetchMetadata).Load())
}

func TestNew_RequiresExecutors(t *testing.T) {
	s := store.NewStore(cmtest.CreateTestDB(t), fastPolicy)
	_, err := New(s, task.NewRegistry(), shutdown.New(nil), testConfig(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}
