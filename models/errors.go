package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for reconciliation operations.
//
// ValidationError        bad input (mapping, out-of-range index, malformed
//                        config). Reported to the caller, never retried.
// TerminalStateError     mutating a COMPLETE or FAILED run. Always rejected.
// UnrecoverableLoadError corrupt file or total extraction failure. Moves the
//                        run to FAILED; the run stays inspectable but a new
//                        run is required to retry.
//
// Parse warnings are plain string lists on results, not errors.

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type TerminalStateError struct {
	RunId  int
	Status ReconciliationRunStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("reconciliation run %d is %s and cannot be modified", e.RunId, e.Status)
}

func IsTerminalStateError(err error) bool {
	var te *TerminalStateError
	return errors.As(err, &te)
}

type UnrecoverableLoadError struct {
	Reason string
	Cause  error
}

func (e *UnrecoverableLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unrecoverable load failure: %s: %v", e.Reason, e.Cause)
	}
	return "unrecoverable load failure: " + e.Reason
}

func (e *UnrecoverableLoadError) Unwrap() error { return e.Cause }

func IsUnrecoverableLoadError(err error) bool {
	var le *UnrecoverableLoadError
	return errors.As(err, &le)
}

// ErrPartitionViolation guards the matched/unmatched partition invariant.
// Mutations that would violate it are rolled back and fail with this error.
var ErrPartitionViolation = errors.New("run partition invariant violated")
