// Package budget paces requests to the remote registry.
//
// Network-bound stages share one Limiter so the combined request rate stays
// under what the registry tolerates, however many workers are configured.
package budget

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/cratemine/errors"
)

// Limiter is a token bucket over golang.org/x/time/rate with an injectable
// clock for the non-blocking path and counters for telemetry.
type Limiter struct {
	lim     *rate.Limiter
	timeNow func() time.Time // Injectable for testing

	allowed atomic.Int64
	denied  atomic.Int64
	waited  atomic.Int64
}

// NewLimiter creates a limiter allowing perSecond requests with the given
// burst. perSecond <= 0 means unlimited.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return NewLimiterWithClock(perSecond, burst, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewLimiterWithClock(perSecond float64, burst int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		lim:     rate.NewLimiter(toLimit(perSecond), normalizeBurst(burst)),
		timeNow: timeNow,
	}
}

func toLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 || math.IsInf(perSecond, 1) {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}

// Allow takes a token without blocking.
// Returns error if rate limit exceeded
func (l *Limiter) Allow() error {
	now := l.timeNow()
	if l.lim.AllowN(now, 1) {
		l.allowed.Add(1)
		return nil
	}
	l.denied.Add(1)

	err := errors.Newf("rate limit exceeded: %.2f requests per second (burst %d)",
		float64(l.lim.Limit()), l.lim.Burst())
	err = errors.WithDetail(err, fmt.Sprintf("Tokens available: %.2f", l.lim.TokensAt(now)))
	return err
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for request budget")
	}
	l.allowed.Add(1)
	if time.Since(start) > time.Millisecond {
		l.waited.Add(1)
	}
	return nil
}

// SetRate changes the rate and burst in place. Waiters pick up the new
// values; used when configuration is reloaded.
func (l *Limiter) SetRate(perSecond float64, burst int) {
	now := l.timeNow()
	l.lim.SetLimitAt(now, toLimit(perSecond))
	l.lim.SetBurstAt(now, normalizeBurst(burst))
}

// Stats is a snapshot of limiter configuration and counters.
type Stats struct {
	PerSecond float64 `json:"per_second"` // 0 when unlimited
	Unlimited bool    `json:"unlimited"`
	Burst     int     `json:"burst"`
	Tokens    float64 `json:"tokens"`
	Allowed   int64   `json:"allowed"`
	Denied    int64   `json:"denied"`
	Waited    int64   `json:"waited"` // requests that had to block
}

// Stats returns current rate limiter statistics
func (l *Limiter) Stats() Stats {
	limit := l.lim.Limit()
	perSecond := float64(limit)
	if limit == rate.Inf {
		perSecond = 0
	}
	return Stats{
		PerSecond: perSecond,
		Unlimited: limit == rate.Inf,
		Burst:     l.lim.Burst(),
		Tokens:    l.lim.TokensAt(l.timeNow()),
		Allowed:   l.allowed.Load(),
		Denied:    l.denied.Load(),
		Waited:    l.waited.Load(),
	}
}
