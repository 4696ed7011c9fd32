package db

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls retries of transient SQLite lock errors.
// busy_timeout covers most contention; this handles what falls through it.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is used for store write operations.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// Retry runs fn, retrying with exponential backoff plus jitter while it
// returns a busy/locked error. Other errors and success return immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !IsBusy(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(retryDelay(cfg, attempt)):
		}
	}
	return lastErr
}

// retryDelay = baseDelay * 2^attempt, capped, plus jitter in [0, baseDelay).
func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	}
	return delay
}
