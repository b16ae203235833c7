// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrConfiguration marks malformed pipeline definitions. Always fatal
	// before any job dispatch.
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	// ErrArtifactMissing is raised by an upload step whose declared output
	// path matched no files.
	ErrArtifactMissing = errors.New("artifact missing")
	// ErrSinkRejected is raised when the reporting sink rejects a payload.
	ErrSinkRejected = errors.New("sink rejected payload")
	ErrInternal     = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For configuration/validation errors (e.g., "matrix.axes")
	Resource string // For not found/conflict (e.g., "run", "pipeline")
	Op       string // Operation that failed (e.g., "sink.send")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Configuration creates a configuration error for a pipeline definition field.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Field:    field,
	}
}

// Validation creates a validation error for a specific request field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// ArtifactMissing creates an error for an upload step with no matching files.
func ArtifactMissing(pattern string) error {
	return &Error{
		Sentinel: ErrArtifactMissing,
		Message:  fmt.Sprintf("no files match artifact path %q", pattern),
		Field:    "path",
	}
}

// SinkRejected creates an error for a rejected sink delivery.
func SinkRejected(op string, cause error) error {
	return &Error{
		Sentinel: ErrSinkRejected,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
