// Package apperrors classifies failures so every layer can map them to a
// status without knowing where they came from.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrLengthRequired = errors.New("length required")
	ErrUnavailable    = errors.New("unavailable")
	ErrInternal       = errors.New("internal error")
)

// Error is a classified failure. Message is safe to show to callers.
type Error struct {
	Sentinel error
	Message  string
	Field    string // offending request field, for validation errors
	Resource string // kind of thing missing or conflicting ("job", "allocation")
	Op       string // failing operation, for dependency errors
	Cause    error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the sentinel and, when set, the cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation rejects one request field.
func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

// BadRequest rejects a request as a whole, typically asking for something
// the callee does not offer.
func BadRequest(message string) error {
	return &Error{Sentinel: ErrValidation, Message: message}
}

// Unauthorized is a failed authentication.
func Unauthorized(message string) error {
	return &Error{Sentinel: ErrUnauthorized, Message: message}
}

// Forbidden is an authenticated caller reaching for something not theirs.
func Forbidden(message string) error {
	return &Error{Sentinel: ErrForbidden, Message: message}
}

func NotFound(resource, id string) error {
	return &Error{Sentinel: ErrNotFound, Message: fmt.Sprintf("%s %s not found", resource, id), Resource: resource}
}

func Conflict(resource, id, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource}
}

// LengthRequired rejects a streamed upload without a declared size.
func LengthRequired(message string) error {
	return &Error{Sentinel: ErrLengthRequired, Message: message}
}

// Unavailable wraps a dependency that cannot be reached right now.
func Unavailable(op string, cause error) error {
	return wrap(ErrUnavailable, op, cause)
}

// Internal wraps an unexpected failure of op.
func Internal(op string, cause error) error {
	return wrap(ErrInternal, op, cause)
}

func wrap(sentinel error, op string, cause error) error {
	return &Error{Sentinel: sentinel, Message: fmt.Sprintf("%s: %v", op, cause), Op: op, Cause: cause}
}
