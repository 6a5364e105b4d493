package provider

import (
	"errors"
	"fmt"
	"net/http"

	"computeplane/internal/apperrors"
)

// Error is a typed plugin failure. Status is HTTP-style so the orchestrator
// and the RPC layer can relay it without guessing intent.
type Error struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s (%d)", e.Reason, e.Status)
}

// Unwrap maps the status onto the apperrors sentinels so apperrors.HTTPStatus works.
func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return apperrors.ErrValidation
	case http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case http.StatusForbidden:
		return apperrors.ErrForbidden
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return apperrors.ErrUnavailable
	}
	return apperrors.ErrInternal
}

// Reasons shared by the default implementations.
const (
	ReasonNotSupported            = "Not supported by this provider"
	ReasonInteractiveNotSupported = "Interactive sessions are not supported by this cluster"
)

func BadRequest(reason string) *Error   { return &Error{Status: http.StatusBadRequest, Reason: reason} }
func NotFound(reason string) *Error     { return &Error{Status: http.StatusNotFound, Reason: reason} }
func Unauthorized(reason string) *Error { return &Error{Status: http.StatusUnauthorized, Reason: reason} }
func Forbidden(reason string) *Error    { return &Error{Status: http.StatusForbidden, Reason: reason} }

// NotSupported is the answer for an operation a plugin does not implement.
func NotSupported() *Error { return BadRequest(ReasonNotSupported) }

// AsError extracts a typed plugin error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsNotSupported reports whether err means the capability is absent.
func IsNotSupported(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Status == http.StatusBadRequest && pe.Reason == ReasonNotSupported
}
