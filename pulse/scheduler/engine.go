// Package scheduler runs the mining pipeline: one worker pool per stage,
// each pulling eligible work from the store, claiming it under a lease and
// committing the executor's result.
//
// Pools share nothing in memory except the shutdown coordinator and wake
// channels; all coordination goes through the store's claim and commit.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/budget"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/pulse/telemetry"
	"github.com/teranos/cratemine/sym"
)

// Engine owns the per-stage pools for one run.
type Engine struct {
	store    *store.Store
	registry *task.Registry
	coord    *shutdown.Coordinator
	limiter  *budget.Limiter
	events   telemetry.Emitter
	cfg      Config
	logger   *zap.SugaredLogger

	wake map[task.StageKind]chan struct{}

	fatalMu  sync.Mutex
	fatalErr error

	workers sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

// WithLimiter paces network-bound stages through l.
func WithLimiter(l *budget.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithEmitter sends scheduler events to em.
func WithEmitter(em telemetry.Emitter) Option {
	return func(e *Engine) { e.events = em }
}

// New creates an engine. Every stage with workers configured must have an
// executor in registry.
func New(s *store.Store, registry *task.Registry, coord *shutdown.Coordinator, cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeReport {
		for _, stage := range task.Stages {
			if cfg.Workers(stage) == 0 {
				continue
			}
			if _, ok := registry.Get(stage); !ok {
				return nil, errors.NewInvalidRequestError("no executor registered for stage %s", stage)
			}
		}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	e := &Engine{
		store:    s,
		registry: registry,
		coord:    coord,
		events:   telemetry.Nop{},
		cfg:      cfg,
		logger:   logger.Named("pulse"),
		wake:     make(map[task.StageKind]chan struct{}, len(task.Stages)),
	}
	for _, stage := range task.Stages {
		e.wake[stage] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run mines until the coordinator stops, then waits for workers. It returns
// the storage failure that stopped the run, if any. The coordinator's
// ExitCode maps the result to a process status.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.RecoverOrphans {
		expired, exhausted, err := e.store.RecoverOrphans(ctx)
		if err != nil {
			return errors.Wrap(err, "recover orphaned leases")
		}
		if expired > 0 || exhausted > 0 {
			e.logger.Infow(sym.PulseOpen+" recovered orphaned work", "expired_leases", expired, "exhausted", exhausted)
		}
	}
	if e.cfg.Mode == ModeReport {
		return nil
	}

	cpuWorkers := 0
	for _, stage := range task.Stages {
		if stage.Resource() == task.ResourceCPU {
			cpuWorkers += e.cfg.Workers(stage)
		}
	}
	if warning := checkMemoryPressure(cpuWorkers); warning != "" {
		e.logger.Warnw("Memory pressure warning", "warning", warning)
	}

	var feeders sync.WaitGroup
	for _, stage := range task.Stages {
		n := e.cfg.Workers(stage)
		if n == 0 {
			continue
		}
		exec, _ := e.registry.Get(stage)
		p := newPool(e, stage, exec, n)
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			p.feed(ctx)
		}()
		e.logger.Debugw(sym.PulseOpen+" pool started", "stage", string(stage), "workers", n)
	}
	e.logger.Infow(sym.PulseOpen+" mining", "mode", string(e.cfg.Mode))

	monitorCtx, stopMonitors := context.WithCancel(context.Background())
	defer stopMonitors()
	go e.watchRun(ctx, monitorCtx)

	<-e.coord.Done()
	stopMonitors()
	feeders.Wait()

	if e.coord.Aborted() {
		e.waitWorkers(e.cfg.AbortGrace)
	} else {
		e.workers.Wait()
	}
	e.logger.Infow(sym.PulseClose+" mining stopped", "reason", e.coord.Reason(), "aborted", e.coord.Aborted())
	return e.Err()
}

// Err returns the storage failure that stopped the run, if any.
func (e *Engine) Err() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

// watchRun drains the coordinator when the run's end condition is met.
func (e *Engine) watchRun(ctx, monitorCtx context.Context) {
	var deadline <-chan time.Time
	if e.cfg.Mode == ModeDuration {
		timer := time.NewTimer(e.cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	var idle <-chan time.Time
	if e.cfg.Mode == ModeOnce {
		ticker := time.NewTicker(e.idleInterval())
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		select {
		case <-monitorCtx.Done():
			return
		case <-ctx.Done():
			e.coord.Drain("context canceled")
			return
		case <-deadline:
			e.coord.Drain("duration elapsed")
			return
		case <-idle:
			if e.isIdle(monitorCtx) {
				e.coord.Drain("no runnable work")
				return
			}
		}
	}
}

func (e *Engine) idleInterval() time.Duration {
	d := e.cfg.PollInterval / 4
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// isIdle holds when nothing is admitted and the store has nothing that is
// or will become claimable.
func (e *Engine) isIdle(ctx context.Context) bool {
	if e.coord.InFlight() > 0 {
		return false
	}
	n, err := e.store.CountRunnable(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.fail(err)
		}
		return false
	}
	return n == 0 && e.coord.InFlight() == 0
}

// fail records the first storage failure and drains.
func (e *Engine) fail(err error) {
	e.fatalMu.Lock()
	first := e.fatalErr == nil
	if first {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	if !first {
		return
	}
	e.logger.Errorw("storage failure, draining", "error", err)
	e.coord.Drain("storage failure")
}

// wakeStage nudges a pool that may be sleeping on an empty pass.
func (e *Engine) wakeStage(stage task.StageKind) {
	select {
	case e.wake[stage] <- struct{}{}:
	default:
	}
}

func (e *Engine) emit(kind telemetry.Kind, lease task.Lease, code string) {
	e.events.Emit(telemetry.Event{
		Kind:    kind,
		Crate:   lease.Crate,
		Version: lease.Version,
		Stage:   lease.Stage,
		Attempt: lease.Attempt,
		Code:    code,
		At:      time.Now(),
	})
}

func (e *Engine) waitWorkers(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warnw(sym.PulseClose+" workers still running after abort; their leases will expire", "grace", grace)
	}
}
