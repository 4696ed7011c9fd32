package task

import (
	"time"

	"github.com/teranos/cratemine/errors"
)

// RetryPolicy bounds how often and how soon a failing stage is retried.
// A stage gets MaxRetries retries after its first attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is used when configuration leaves retry settings unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  30 * time.Second,
	MaxDelay:   30 * time.Minute,
}

// Validate rejects negative values and a base delay above the cap.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.NewInvalidRequestError("max retries must be >= 0, got %d", p.MaxRetries)
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return errors.NewInvalidRequestError("backoff delays must be >= 0")
	case p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay:
		return errors.NewInvalidRequestError("base delay %s exceeds max delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Exhausted reports whether a stage that has used attempt attempts may not run again.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}

// Delay is the backoff after the given (1-based) failed attempt:
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && delay > p.MaxDelay/2 {
			delay = p.MaxDelay
			break
		}
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// NextEligible is when a stage that failed at lastAttempt may be claimed again.
func (p RetryPolicy) NextEligible(lastAttempt time.Time, attempt int) time.Time {
	return lastAttempt.Add(p.Delay(attempt))
}

// FailureState derives the state a failed attempt leaves behind.
func (p RetryPolicy) FailureState(kind ErrorKind, attempt int) StageState {
	if kind != Transient || p.Exhausted(attempt) {
		return StateExhausted
	}
	return StateFailed
}
