// Package types holds the shared error taxonomy used across the engine.
package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Caller-facing error codes.
const (
	// ErrValidation marks bad input. Never retried.
	ErrValidation ErrorCode = "VALIDATION"

	// ErrProviderUnavailable marks an unreachable embedding or model backend.
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"

	// ErrGenerationFailed marks a generation call that failed after retries.
	ErrGenerationFailed ErrorCode = "GENERATION_FAILED"

	// ErrDimensionMismatch marks a query vector whose dimensionality disagrees
	// with the store collection. Fatal configuration inconsistency.
	ErrDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"

	// ErrModelVersionMismatch marks a configured embedding model whose output
	// disagrees with the collection dimensionality. Fatal.
	ErrModelVersionMismatch ErrorCode = "MODEL_VERSION_MISMATCH"

	// ErrCacheUnavailable marks a cache backend failure. Logged and bypassed,
	// never surfaced to callers.
	ErrCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"
)

// Transport-level error codes used by the HTTP adapters.
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Component  string    `json:"component,omitempty"`
	Cause      error     `json:"-"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithComponent sets the originating component name.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
