package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrValidation marks bad input (missing/invalid timestamp, malformed
	// query). Surfaced immediately, never retried.
	ErrValidation ErrorCode = "VALIDATION"

	// ErrEmbedding marks an external embedding call that exhausted retries.
	ErrEmbedding ErrorCode = "EMBEDDING"

	// ErrStorage marks a durable-store I/O or constraint failure. Never
	// silently dropped: it implies potential memory loss.
	ErrStorage ErrorCode = "STORAGE"

	// ErrRetrieval marks a retrieval with no usable query signal or an
	// unavailable backend.
	ErrRetrieval ErrorCode = "RETRIEVAL"

	// ErrContextOverflow marks a single turn that exceeds the usable token
	// budget on its own; a usage error, flagged rather than truncated.
	ErrContextOverflow ErrorCode = "CONTEXT_OVERFLOW"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return GetErrorCode(err) == ErrValidation }

// IsEmbedding reports whether err is an embedding error.
func IsEmbedding(err error) bool { return GetErrorCode(err) == ErrEmbedding }

// IsStorage reports whether err is a storage error.
func IsStorage(err error) bool { return GetErrorCode(err) == ErrStorage }

// IsRetrieval reports whether err is a retrieval error.
func IsRetrieval(err error) bool { return GetErrorCode(err) == ErrRetrieval }
