package apperrors

import (
	"errors"
	"net/http"
)

// statuses pairs each sentinel with the status it is served as. Order
// matters for errors that match more than one sentinel.
var statuses = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrLengthRequired, http.StatusLengthRequired},
	{ErrUnavailable, http.StatusServiceUnavailable},
}

// HTTPStatus maps err to the status it should be served as. Unclassified
// errors are 500.
func HTTPStatus(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.sentinel) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// FromStatus rebuilds a classified error from a status a remote peer
// answered with. Gateway failures count as unavailable.
func FromStatus(status int, message string) error {
	sentinel := ErrInternal
	switch status {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		sentinel = ErrUnavailable
	default:
		for _, s := range statuses {
			if s.status == status {
				sentinel = s.sentinel
				break
			}
		}
	}
	return &Error{Sentinel: sentinel, Message: message}
}
