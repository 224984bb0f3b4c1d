// Package errors defines the service error taxonomy surfaced by the REST API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeInternal     ErrorCode = "INTERNAL"
	CodeUpstream     ErrorCode = "UPSTREAM_FAILURE"
)

// ServiceError is an error with an HTTP status and a client-safe message.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair to the error and returns it.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, cause: cause}
}

// BadRequest reports invalid client input (400).
func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

// BadRequestf reports invalid client input with a formatted message (400).
func BadRequestf(format string, args ...interface{}) *ServiceError {
	return BadRequest(fmt.Sprintf(format, args...))
}

// Unauthorized reports missing or invalid credentials (401).
func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// Forbidden reports an identity/ownership mismatch (403).
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "Not authorized for this resource"
	}
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// NotFound reports an entity that does not resolve (404).
func NotFound(message string) *ServiceError {
	if message == "" {
		message = "Resource not found"
	}
	return newError(CodeNotFound, http.StatusNotFound, message, nil)
}

// Conflict reports a state conflict such as an immutable line item (409).
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

// Internal reports an unexpected failure (500). The cause is logged, never
// surfaced to clients.
func Internal(message string, cause error) *ServiceError {
	if message == "" {
		message = "Internal server error"
	}
	return newError(CodeInternal, http.StatusInternalServerError, message, cause)
}

// Upstream reports a protocol-level anomaly from an external collaborator (500).
func Upstream(message string, cause error) *ServiceError {
	if message == "" {
		message = "Upstream service failure"
	}
	return newError(CodeUpstream, http.StatusInternalServerError, message, cause)
}

// GetServiceError extracts a ServiceError from err, or nil when err carries none.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// FromError maps any error onto the taxonomy, defaulting to Internal.
func FromError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if svcErr := GetServiceError(err); svcErr != nil {
		return svcErr
	}
	return Internal("", err)
}
