package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a boundary error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"   // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"         // 404
	ErrConflict         ErrorCode = "CONFLICT"          // 409
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED" // 409
	ErrInternal         ErrorCode = "INTERNAL"          // 500
)

// AppError represents a structured error with code, status, and details.
// It is returned synchronously at the HTTP, MCP and CLI boundaries.
type AppError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *AppError {
	return &AppError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidField creates a 400 error naming the offending field.
func NewInvalidField(field, msg string) *AppError {
	return &AppError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: fmt.Sprintf("%s: %s", field, msg),
		Details: map[string]any{"field": field},
	}
}

// NewNotFound creates a 404 error for a missing resource.
func NewNotFound(resource, identifier string) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", resource, identifier),
		Details: map[string]any{"resource": resource, "identifier": identifier},
	}
}

// NewConflict creates a 409 error for state conflicts.
func NewConflict(msg string) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewRetriesExhausted creates a 409 error when a failed lineage may not re-enter generation.
func NewRetriesExhausted(subject string, attempt, max int) *AppError {
	return &AppError{
		Code:    ErrRetriesExhausted,
		Status:  409,
		Message: fmt.Sprintf("research for %s already used %d of %d retries", subject, attempt, max),
		Details: map[string]any{"subject": subject, "attempt": attempt, "max_retries": max},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *AppError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &AppError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// HasCode checks if err is (or wraps) an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// ErrRateLimited is returned by research providers that throttled the call.
var ErrRateLimited = stderrors.New("rate limit exceeded")
