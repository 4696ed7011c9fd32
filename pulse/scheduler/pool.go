package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/pulse/telemetry"
)

// pool feeds one stage's executor. A single feeder goroutine claims work;
// each claim runs in its own goroutine, bounded by the slot semaphore.
type pool struct {
	e      *Engine
	stage  task.StageKind
	exec   task.Executor
	slots  chan struct{}
	logger *zap.SugaredLogger
}

func newPool(e *Engine, stage task.StageKind, exec task.Executor, workers int) *pool {
	return &pool{
		e:      e,
		stage:  stage,
		exec:   exec,
		slots:  make(chan struct{}, workers),
		logger: e.logger.With(logger.FieldStage, string(stage)),
	}
}

// feed claims eligible work until the coordinator leaves Running.
func (p *pool) feed(ctx context.Context) {
	coord := p.e.coord
	for {
		if coord.State() != shutdown.Running {
			return
		}
		claimed, stop := p.pass(ctx)
		if stop {
			return
		}
		if claimed > 0 {
			continue
		}
		if !p.sleep(ctx) {
			return
		}
	}
}

// pass walks the current eligible set once, claiming what it can. It
// returns the number of claims and whether the feeder should stop.
func (p *pool) pass(ctx context.Context) (claimed int, stop bool) {
	coord := p.e.coord
	for item, err := range p.e.store.IterEligible(ctx, p.stage) {
		if err != nil {
			if ctx.Err() == nil {
				p.e.fail(err)
			}
			return claimed, true
		}

		select {
		case p.slots <- struct{}{}:
		case <-coord.DrainingC():
			return claimed, true
		}

		release, ok := coord.Admit()
		if !ok {
			<-p.slots
			return claimed, true
		}

		lease, err := p.e.store.TryClaim(ctx, item.Crate, item.Version, p.stage, p.e.cfg.LeaseTTL)
		if err != nil {
			release()
			<-p.slots
			switch {
			case errors.IsLeaseConflict(err), errors.IsNotFoundError(err):
				p.logger.Debugw("claim lost", logger.FieldCrate, item.Crate, logger.FieldVersion, item.Version)
				p.e.emit(telemetry.Conflict, task.Lease{Crate: item.Crate, Version: item.Version, Stage: p.stage}, "")
				continue
			case ctx.Err() != nil:
				return claimed, true
			default:
				p.e.fail(err)
				return claimed, true
			}
		}

		claimed++
		p.e.workers.Add(1)
		go p.work(lease, release)
	}
	return claimed, false
}

// sleep waits for a wake signal, the next backoff or lease expiry, or the
// poll interval. Returns false if the feeder should stop.
func (p *pool) sleep(ctx context.Context) bool {
	wait := p.e.cfg.PollInterval
	next, err := p.e.store.NextWakeup(ctx, p.stage)
	if err != nil {
		if ctx.Err() == nil {
			p.e.fail(err)
		}
		return false
	}
	if !next.IsZero() {
		if d := time.Until(next); d < wait {
			wait = max(d, time.Millisecond)
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.e.wake[p.stage]:
	case <-p.e.coord.DrainingC():
		return false
	}
	return true
}

// work runs one claimed stage and commits its result. Store calls use a
// context that survives a drain so the result is still committed.
func (p *pool) work(lease task.Lease, release func()) {
	defer p.e.workers.Done()
	defer func() { <-p.slots }()
	defer release()

	log := logger.StageLogger(p.e.logger, lease.Crate, lease.Version, string(p.stage)).
		With(logger.FieldAttempt, lease.Attempt, logger.FieldLease, lease.ShortToken())
	p.e.emit(telemetry.Claimed, lease, "")
	storeCtx := context.WithoutCancel(p.e.coord.AbortContext())

	in, err := p.e.store.LoadInput(storeCtx, lease)
	if err != nil {
		p.e.fail(err)
		return
	}

	out, runErr, panicked := p.run(lease, in, log)
	if panicked {
		// Leave the lease to expire; the next claim counts it as an attempt.
		return
	}
	if p.e.coord.Aborted() {
		log.Debugw("abandoning result after abort")
		return
	}

	if runErr == nil {
		ok, err := p.e.store.CommitDone(storeCtx, lease, out)
		switch {
		case err != nil:
			p.e.fail(err)
		case !ok:
			log.Debugw("lease superseded, result discarded")
			p.e.emit(telemetry.Conflict, lease, "")
		default:
			log.Debugw("stage done", logger.FieldSize, len(out.Data))
			p.e.emit(telemetry.Completed, lease, "")
			for _, succ := range p.stage.Successors() {
				p.e.wakeStage(succ)
			}
		}
		return
	}

	stageErr := task.Classify(runErr)
	state, ok, err := p.e.store.CommitFailed(storeCtx, lease, stageErr)
	switch {
	case err != nil:
		p.e.fail(err)
	case !ok:
		log.Debugw("lease superseded, failure discarded", logger.FieldError, stageErr.Error())
		p.e.emit(telemetry.Conflict, lease, stageErr.Code)
	case state == task.StateExhausted:
		log.Warnw("stage exhausted", logger.FieldErrorKind, string(stageErr.Kind),
			logger.FieldErrorCode, stageErr.Code, logger.FieldError, stageErr.Error())
		p.e.emit(telemetry.Exhausted, lease, stageErr.Code)
	default:
		log.Infow("stage failed, will retry", logger.FieldErrorCode, stageErr.Code, logger.FieldError, stageErr.Error())
		p.e.emit(telemetry.Failed, lease, stageErr.Code)
		// Our own pool may be asleep past the backoff.
		p.e.wakeStage(p.stage)
	}
}

// run executes the stage under the executor timeout while a heartbeat
// renews the lease. A lost lease cancels the executor.
func (p *pool) run(lease task.Lease, in task.Input, log *zap.SugaredLogger) (out task.Output, runErr error, panicked bool) {
	execCtx, cancel := context.WithTimeout(p.e.coord.AbortContext(), p.e.cfg.ExecTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	hbStop := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(lease, cancel, hbStop, log)
	}()
	defer func() {
		close(hbStop)
		<-hbDone
	}()

	if p.exec.Stage().Resource() == task.ResourceNetwork && p.e.limiter != nil {
		if err := p.e.limiter.Wait(execCtx); err != nil {
			return task.Output{}, task.NewTransient(task.CodeRateLimited, err), false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("executor panicked", "panic", fmt.Sprint(r))
			panicked = true
		}
	}()
	start := time.Now()
	out, runErr = p.exec.Run(execCtx, in)
	log.Debugw("executor returned", logger.FieldDurationMS, time.Since(start).Milliseconds(), "ok", runErr == nil)
	return out, runErr, false
}

func (p *pool) heartbeat(lease task.Lease, cancel context.CancelFunc, stop <-chan struct{}, log *zap.SugaredLogger) {
	ticker := time.NewTicker(p.e.cfg.Heartbeat)
	defer ticker.Stop()
	ctx := context.WithoutCancel(p.e.coord.AbortContext())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewed, ok, err := p.e.store.RenewLease(ctx, lease, p.e.cfg.LeaseTTL)
			if err != nil {
				p.e.fail(err)
				cancel()
				return
			}
			if !ok {
				log.Warnw("lease lost during execution, cancelling")
				cancel()
				return
			}
			lease = renewed
			p.e.emit(telemetry.Renewed, lease, "")
		}
	}
}
