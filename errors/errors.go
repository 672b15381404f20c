// Package errors provides error handling for Parchmint.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrJobNotFound) {
//	    // handle not found
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
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection and marking
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// Common sentinel errors for use across Parchmint.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrJobNotFound indicates the requested job row does not exist
	ErrJobNotFound = New("job not found")

	// ErrDocumentNotFound indicates the document entity no longer exists
	ErrDocumentNotFound = New("document not found")

	// ErrDuplicateSingleton indicates an eligible job with the same singleton
	// key already exists. Callers enqueuing pipeline stages treat this as a
	// success-no-op.
	ErrDuplicateSingleton = New("duplicate singleton job")

	// ErrCircuitOpen indicates a protected dependency's breaker is open and
	// the call was rejected without being attempted.
	ErrCircuitOpen = New("circuit open")

	// ErrValidation indicates malformed or unsupported document content.
	// Validation errors are fatal for the document's pipeline; no retry.
	ErrValidation = New("validation error")

	// ErrTransient indicates a transient external failure (network, timeout,
	// rate limit). Transient errors are retryable under backoff.
	ErrTransient = New("transient external error")

	// ErrInvalidTransition indicates a document status change the state
	// machine does not permit.
	ErrInvalidTransition = New("invalid status transition")
)

// IsRetryable reports whether the pipeline may retry after err.
// Circuit-open errors are retryable (scheduled past the breaker cooldown);
// validation errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrValidation) {
		return false
	}
	return Is(err, ErrTransient) || Is(err, ErrCircuitOpen)
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsCircuitOpen checks if an error is or wraps ErrCircuitOpen
func IsCircuitOpen(err error) bool {
	return err != nil && Is(err, ErrCircuitOpen)
}

// NewValidationError creates a fatal validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// WrapTransient wraps an error as a transient external error with context
func WrapTransient(err error, context string) error {
	return Wrap(Wrap(ErrTransient, err.Error()), context)
}
