// Package telemetry carries scheduler events to observers without ever
// blocking the scheduler. A full buffer drops the event and counts it.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/pulse/task"
)

// Kind names what happened to a stage.
type Kind string

const (
	Discovered Kind = "discovered" // version upserted by discovery
	Claimed    Kind = "claimed"
	Completed  Kind = "completed"
	Failed     Kind = "failed"    // transient, will retry after backoff
	Exhausted  Kind = "exhausted" // permanent or out of attempts
	Conflict   Kind = "conflict"  // lost a claim or commit race
	Renewed    Kind = "renewed"
)

// Event is one observation from the scheduler.
type Event struct {
	Kind    Kind
	Crate   string
	Version string
	Stage   task.StageKind
	Attempt int
	Code    string
	At      time.Time
}

// Emitter receives events. Implementations must not block.
type Emitter interface {
	Emit(Event) bool
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) bool { return true }

// Bus is a bounded, drop-if-full event channel with running tallies.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64

	mu     sync.Mutex
	counts map[Kind]map[task.StageKind]int64
}

// NewBus creates a bus buffering up to size events.
func NewBus(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		ch:     make(chan Event, size),
		counts: make(map[Kind]map[task.StageKind]int64),
	}
}

// Emit queues e, or drops it if the buffer is full. Returns false on drop.
func (b *Bus) Emit(e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case b.ch <- e:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run consumes events until ctx is done, tallying each one and passing it
// to the optional observers. Events still buffered at cancellation are
// tallied before returning.
func (b *Bus) Run(ctx context.Context, logger *zap.SugaredLogger, observers ...func(Event)) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	handle := func(e Event) {
		b.tally(e)
		logger.Debugw(string(e.Kind),
			"crate", e.Crate, "version", e.Version, "stage", string(e.Stage),
			"attempt", e.Attempt, "code", e.Code)
		for _, obs := range observers {
			obs(e)
		}
	}
	for {
		select {
		case e := <-b.ch:
			handle(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					handle(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) tally(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byStage, ok := b.counts[e.Kind]
	if !ok {
		byStage = make(map[task.StageKind]int64)
		b.counts[e.Kind] = byStage
	}
	byStage[e.Stage]++
}

// Count returns how many events of kind were tallied for stage. An empty
// stage sums across stages.
func (b *Bus) Count(kind Kind, stage task.StageKind) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stage != "" {
		return b.counts[kind][stage]
	}
	var n int64
	for _, c := range b.counts[kind] {
		n += c
	}
	return n
}

// Totals returns per-kind sums across stages.
func (b *Bus) Totals() map[Kind]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Kind]int64, len(b.counts))
	for kind, byStage := range b.counts {
		for _, n := range byStage {
			out[kind] += n
		}
	}
	return out
}
