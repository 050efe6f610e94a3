// Package types: error taxonomy shared by all engine components.
//
// The engine branches on error class: configuration and invariant errors
// are fatal, everything else is a per-tick or per-cycle condition the run
// survives.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError is a fatal pre-run validation failure. A run with a
// configuration error never starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// UnknownInstrumentError reports a reference to an instrument outside the
// run's subscribed universe.
type UnknownInstrumentError struct {
	Instrument InstrumentKey
}

func (e *UnknownInstrumentError) Error() string {
	return fmt.Sprintf("unknown instrument %q: not in subscribed universe", e.Instrument)
}

// MissingPriceError reports a subscribed instrument with nonzero position
// that has no price in the given market snapshot.
type MissingPriceError struct {
	Instrument InstrumentKey
	Timestamp  time.Time
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("missing price for %q at %s", e.Instrument, e.Timestamp.Format(time.RFC3339))
}

// DataUnavailableError is the per-tick recoverable wrapper for missing
// market data. The tick is skipped; Consecutive counts the unbroken streak
// of such ticks, which escalates to fatal past the configured limit.
type DataUnavailableError struct {
	Timestamp   time.Time
	Consecutive int
	Cause       error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("market data unavailable at %s (consecutive=%d): %v",
		e.Timestamp.Format(time.RFC3339), e.Consecutive, e.Cause)
}

func (e *DataUnavailableError) Unwrap() error { return e.Cause }

// InvalidDecisionError reports a strategy decision referencing instruments
// outside the subscribed universe. The cycle is aborted before execution.
type InvalidDecisionError struct {
	Instrument InstrumentKey
	Reason     string
}

func (e *InvalidDecisionError) Error() string {
	return fmt.Sprintf("invalid decision: instrument %q: %s", e.Instrument, e.Reason)
}

// ExecutionError reports a per-instruction execution failure. Partial
// failure is a first-class result; the run continues.
type ExecutionError struct {
	Venue         string
	InstructionID string
	Reason        string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failure on %s (instruction %s): %s", e.Venue, e.InstructionID, e.Reason)
}

// InvariantViolationError is fatal: internal state diverged from its
// defining invariant. The run halts and surfaces diagnostic detail.
type InvariantViolationError struct {
	Component string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// IsFatal reports whether an error must halt the run rather than be
// absorbed as a per-tick condition.
func IsFatal(err error) bool {
	var cfg *ConfigurationError
	var inv *InvariantViolationError
	return errors.As(err, &cfg) || errors.As(err, &inv)
}

// ErrorCode returns the standardized code tag used when logging an error
// event.
func ErrorCode(err error) string {
	var (
		cfg  *ConfigurationError
		unk  *UnknownInstrumentError
		mp   *MissingPriceError
		du   *DataUnavailableError
		dec  *InvalidDecisionError
		exec *ExecutionError
		inv  *InvariantViolationError
	)
	switch {
	case errors.As(err, &cfg):
		return "ConfigurationError"
	case errors.As(err, &du):
		return "DataUnavailableError"
	case errors.As(err, &mp):
		return "MissingPriceError"
	case errors.As(err, &unk):
		return "UnknownInstrumentError"
	case errors.As(err, &dec):
		return "InvalidDecisionError"
	case errors.As(err, &exec):
		return "ExecutionFailure"
	case errors.As(err, &inv):
		return "InvariantViolation"
	default:
		return "InternalError"
	}
}
