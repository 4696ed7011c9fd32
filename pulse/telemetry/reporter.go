package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cratemine/pulse/budget"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/sym"
)

// StatsSource is the part of the store the reporter reads.
type StatsSource interface {
	Stats(ctx context.Context) (store.Tally, error)
}

// Reporter periodically logs stage counts from the store.
type Reporter struct {
	source   StatsSource
	bus      *Bus
	limiter  *budget.Limiter
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewReporter creates a reporter. bus and limiter may be nil.
func NewReporter(source StatsSource, bus *Bus, limiter *budget.Limiter, interval time.Duration, logger *zap.SugaredLogger) *Reporter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reporter{
		source:   source,
		bus:      bus,
		limiter:  limiter,
		interval: interval,
		logger:   logger.Named("telemetry"),
	}
}

// Run reports every interval until ctx is done. A non-positive interval
// disables periodic reports.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Report(ctx, "progress"); err != nil && ctx.Err() == nil {
				r.logger.Warnw("stats query failed", "error", err)
			}
		}
	}
}

// Report logs one tally line under msg and returns the tally.
func (r *Reporter) Report(ctx context.Context, msg string) (store.Tally, error) {
	tally, err := r.source.Stats(ctx)
	if err != nil {
		return nil, err
	}
	byState := tally.ByState()
	fields := []interface{}{
		"pending", byState[task.StatePending],
		"in_progress", byState[task.StateInProgress],
		"done", byState[task.StateDone],
		"failed", byState[task.StateFailed],
		"exhausted", byState[task.StateExhausted],
	}
	if r.bus != nil {
		totals := r.bus.Totals()
		fields = append(fields,
			"claimed", totals[Claimed],
			"completed", totals[Completed],
			"retried", totals[Failed],
			"dropped_events", r.bus.Dropped())
	}
	if r.limiter != nil {
		st := r.limiter.Stats()
		fields = append(fields, "requests", st.Allowed, "throttled", st.Waited)
	}
	r.logger.Infow(sym.Pulse+" "+msg, fields...)
	return tally, nil
}
