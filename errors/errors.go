// Package errors provides error handling for cratemine.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, hints and details from a single import, and defines the sentinels
// the mining engine uses to classify failures.
//
// Usage:
//
//	if err := tx.Commit(); err != nil {
//	    return errors.MarkStorage(errors.Wrap(err, "commit stage transition"))
//	}
//
//	if errors.IsStorage(err) {
//	    // fatal: stop admitting work
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	Mark           = crdb.Mark
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinels. Match with errors.Is; wrap with errors.Wrap or errors.Mark to
// add context while keeping the identity.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (bad version string, unknown stage)
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrStorage marks any failure to read or write the persistent store.
	// Storage failures are fatal to the engine.
	ErrStorage = New("storage failure")

	// ErrLeaseConflict is the expected outcome of losing a claim race.
	ErrLeaseConflict = New("lease conflict")
)

// MarkStorage tags err as a storage failure. Nil stays nil.
func MarkStorage(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrStorage)
}

// IsStorage reports whether err is or wraps a storage failure.
func IsStorage(err error) bool {
	return err != nil && Is(err, ErrStorage)
}

// IsLeaseConflict reports whether err is a lost claim race.
func IsLeaseConflict(err error) bool {
	return err != nil && Is(err, ErrLeaseConflict)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
