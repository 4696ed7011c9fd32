package logger

import (
	"go.uber.org/zap"
)

// Standard field names for structured logging across cratemine.
const (
	// Mining
	FieldCrate   = "crate"
	FieldVersion = "version"
	FieldStage   = "stage"
	FieldAttempt = "attempt"
	FieldLease   = "lease"
	FieldState   = "state"

	// Components
	FieldComponent = "component"
	FieldWorker    = "worker"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Files and network
	FieldPath = "path"
	FieldURL  = "url"

	FieldSymbol = "symbol" // glyph from package sym
)

// ComponentLogger returns a named child of the global logger.
//
// Example:
//
//	pool := scheduler.New(st, coord, logger.ComponentLogger("pulse.scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// StageLogger returns a child logger carrying crate, version and stage fields.
func StageLogger(parent *zap.SugaredLogger, crate, version, stage string) *zap.SugaredLogger {
	return parent.With(FieldCrate, crate, FieldVersion, version, FieldStage, stage)
}
