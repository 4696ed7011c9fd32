package task

import (
	"context"
	"fmt"

	"github.com/teranos/cratemine/errors"
)

// ErrorKind says whether a failed attempt may be retried.
type ErrorKind string

const (
	// Transient failures (network hiccup, rate limit, timeout) are retried with backoff.
	Transient ErrorKind = "transient"
	// Permanent failures (malformed archive, checksum mismatch) exhaust the stage immediately.
	Permanent ErrorKind = "permanent"
	// Abandoned is recorded by the store when an expired lease had no attempts left.
	Abandoned ErrorKind = "abandoned"
)

// Common error codes. Executors may use their own.
const (
	CodeTimeout     = "timeout"
	CodeCanceled    = "canceled"
	CodeRateLimited = "rate_limited"
	CodeNetwork     = "network"
	CodeNotFound    = "not_found"
	CodeChecksum    = "checksum_mismatch"
	CodeMalformed   = "malformed"
	CodeUnknown     = "unknown"
)

// StageError is the error an executor returns to describe a failed attempt.
type StageError struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be retried.
func (e *StageError) Retryable() bool { return e.Kind == Transient }

// NewTransient wraps err as a retryable stage failure.
func NewTransient(code string, err error) *StageError {
	return &StageError{Kind: Transient, Code: code, Err: err}
}

// NewPermanent wraps err as a non-retryable stage failure.
func NewPermanent(code string, err error) *StageError {
	return &StageError{Kind: Permanent, Code: code, Err: err}
}

// Transientf builds a retryable stage failure from a format string.
func Transientf(code, format string, args ...interface{}) *StageError {
	return NewTransient(code, errors.Newf(format, args...))
}

// Permanentf builds a non-retryable stage failure from a format string.
func Permanentf(code, format string, args ...interface{}) *StageError {
	return NewPermanent(code, errors.Newf(format, args...))
}

// Classify turns any executor error into a StageError.
// Errors that are not StageErrors are treated as transient: an unknown
// failure gets another chance, bounded by the retry ceiling.
func Classify(err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransient(CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewTransient(CodeCanceled, err)
	default:
		return NewTransient(CodeUnknown, err)
	}
}
