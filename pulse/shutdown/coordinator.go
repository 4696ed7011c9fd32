// Package shutdown coordinates a graceful stop of the mining engine.
//
// The Coordinator is a three-state flag, Running -> Draining -> Stopped.
// Pools ask it for admission before claiming work; once Draining, nothing
// new is admitted and in-flight work is left to commit. The last release
// moves the flag to Stopped. A second termination request aborts: the
// abort context is cancelled and leases are left to expire.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/sym"
)

// State is the process-wide shutdown state.
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Process exit codes.
const (
	ExitClean   = 0
	ExitStorage = 1
	ExitAborted = 2
)

// Coordinator owns the shutdown state and the in-flight count.
type Coordinator struct {
	state   atomic.Int32
	aborted atomic.Bool
	signals atomic.Int32

	mu       sync.Mutex
	inflight int
	reason   string

	draining chan struct{}
	stopped  chan struct{}

	abortCtx context.Context
	abort    context.CancelFunc

	logger *zap.SugaredLogger
}

// New returns a Running coordinator.
func New(logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		draining: make(chan struct{}),
		stopped:  make(chan struct{}),
		abortCtx: ctx,
		abort:    cancel,
		logger:   logger.Named("shutdown"),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Admit reserves a slot for one unit of work. It fails once the coordinator
// has left Running. The returned release must be called exactly once when
// the work is committed or abandoned; extra calls are ignored.
func (c *Coordinator) Admit() (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Running {
		return nil, false
	}
	c.inflight++

	var once sync.Once
	return func() {
		once.Do(c.release)
	}, true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 && c.State() == Draining {
		c.stopLocked()
	}
}

// InFlight returns the number of admitted, unreleased units of work.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Drain moves Running to Draining. Later calls have no effect and return
// false. With nothing in flight the coordinator stops at once.
func (c *Coordinator) Drain(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return false
	}
	c.reason = reason
	close(c.draining)
	c.logger.Warnw(sym.PulseClose+" draining", "reason", reason, "in_flight", c.inflight)
	if c.inflight == 0 {
		c.stopLocked()
	}
	return true
}

// Signal handles one termination request. The first drains, or joins a
// drain already under way for another reason; the second aborts.
// Requests after Stopped are ignored.
func (c *Coordinator) Signal() {
	if c.signals.Add(1) == 1 {
		c.Drain("signal")
		return
	}
	if c.State() == Draining {
		c.Abort()
	}
}

// Abort stops immediately. In-flight work keeps its leases until they
// expire; the abort context is cancelled so executors can return early.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == Stopped {
		return
	}
	if c.State() == Running {
		close(c.draining)
	}
	c.aborted.Store(true)
	c.logger.Warnw(sym.PulseClose+" aborting", "abandoned", c.inflight)
	c.abort()
	c.stopLocked()
}

func (c *Coordinator) stopLocked() {
	c.state.Store(int32(Stopped))
	close(c.stopped)
	c.logger.Infow(sym.PulseClose+" stopped", "aborted", c.aborted.Load())
}

// Aborted reports whether the stop was forced.
func (c *Coordinator) Aborted() bool {
	return c.aborted.Load()
}

// Reason returns why draining started, or "" while Running.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// AbortContext is cancelled on a forced abort and never otherwise.
// Executors run under it so a drain lets them finish.
func (c *Coordinator) AbortContext() context.Context {
	return c.abortCtx
}

// DrainingC is closed when the coordinator leaves Running.
func (c *Coordinator) DrainingC() <-chan struct{} {
	return c.draining
}

// Done is closed when the coordinator reaches Stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Wait blocks until Stopped or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch forwards OS signals to Signal until the coordinator stops or the
// returned cancel func is called.
func (c *Coordinator) Watch(sigs ...os.Signal) (cancel func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		c.Listen(ch, quit)
		signal.Stop(ch)
	}()
	var once sync.Once
	return func() { once.Do(func() { close(quit) }) }
}

// Listen calls Signal for each value received on ch. It returns when quit
// is closed or the coordinator stops.
func (c *Coordinator) Listen(ch <-chan os.Signal, quit <-chan struct{}) {
	for {
		select {
		case sig := <-ch:
			c.logger.Infow("received signal", "signal", sig.String(), "state", c.State().String())
			c.Signal()
		case <-quit:
			return
		case <-c.stopped:
			return
		}
	}
}

// ExitCode maps the engine's final error and the coordinator's outcome to a
// process exit status.
func (c *Coordinator) ExitCode(err error) int {
	switch {
	case errors.IsStorage(err):
		return ExitStorage
	case c.Aborted():
		return ExitAborted
	case err != nil:
		return ExitStorage
	default:
		return ExitClean
	}
}
