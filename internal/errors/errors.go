// Package errors defines the stable error taxonomy shared by every
// coach subsystem. Callers branch on Code, not on message text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// ValidationFailed indicates a caller mistake: malformed criterion,
	// weights not summing to 100, bad dimension list. Never retryable.
	ValidationFailed ErrorCode = "VALIDATION_FAILED"
	// NotFound indicates a missing rubric, criterion, call, transcript,
	// or cache entry.
	NotFound ErrorCode = "NOT_FOUND"
	// ProducerFailed indicates the analysis producer failed or timed out.
	// Retryable by the caller with backoff; never retried internally.
	ProducerFailed ErrorCode = "PRODUCER_FAILED"
	// ReviewConflict indicates a duplicate manager review for the same
	// (call, manager) pair on a create-only path.
	ReviewConflict ErrorCode = "REVIEW_CONFLICT"
	// LockTimeout indicates the per-key compute lock was not acquired
	// within the configured budget. Retryable.
	LockTimeout ErrorCode = "LOCK_TIMEOUT"
	// Internal indicates an unexpected error.
	Internal ErrorCode = "INTERNAL_ERROR"
)

// CoachError carries a stable code alongside the human-readable message.
type CoachError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error       // underlying error, not exported to JSON
}

// New creates a CoachError with the given code and message.
func New(code ErrorCode, message string) *CoachError {
	return &CoachError{Code: code, Message: message}
}

// Newf creates a CoachError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CoachError {
	return &CoachError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a CoachError that records cause for errors.Is/As chains.
func Wrap(code ErrorCode, message string, cause error) *CoachError {
	return &CoachError{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *CoachError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *CoachError) Unwrap() error {
	return e.cause
}

// WithDetails adds structured details to the error
func (e *CoachError) WithDetails(details interface{}) *CoachError {
	e.Details = details
	return e
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Non-taxonomy errors report Internal.
func CodeOf(err error) ErrorCode {
	var ce *CoachError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry with backoff.
// Validation and conflict errors are caller mistakes and must not be
// retried; producer and lock failures are transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ProducerFailed, LockTimeout:
		return true
	default:
		return false
	}
}
