package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrNotConfigured means a required backend was never wired up.
	// Read paths degrade to empty on this; explicit writes surface it.
	ErrNotConfigured ErrorCode = "NOT_CONFIGURED"

	// ErrValidation means a record was rejected before persistence.
	ErrValidation ErrorCode = "VALIDATION"

	// ErrTransientIO covers store/embedding/judgment timeouts and
	// connection failures. Retryable.
	ErrTransientIO ErrorCode = "TRANSIENT_IO"

	// ErrStoreUnavailable means the durable store rejected or dropped
	// the operation.
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// ErrEmbeddingFailed means the embedding provider returned no vector.
	ErrEmbeddingFailed ErrorCode = "EMBEDDING_FAILED"

	// ErrJudgmentUnavailable means the judgment provider could not answer.
	// Automatic merges and promotions simply happen less often.
	ErrJudgmentUnavailable ErrorCode = "JUDGMENT_UNAVAILABLE"

	ErrTimeout  ErrorCode = "TIMEOUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrInternal ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and cause.
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
func (e *Error) Unwrap() error { return e.Cause }

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

// CodeOf extracts the error code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable || e.Code == ErrTransientIO || e.Code == ErrTimeout
	}
	return false
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }

// ErrMemoryNotFound is the sentinel for missing memory records.
var ErrMemoryNotFound = NewError(ErrNotFound, "memory not found")
