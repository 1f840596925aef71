package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/data-retrieval/internal/api/shared"
	"github.com/phrazzld/data-retrieval/internal/service"
)

// MapErrorToStatusCode maps service errors to HTTP status codes without
// exposing the internal error types to clients.
func MapErrorToStatusCode(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	switch service.Classify(err) {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInvalidState, service.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a message that is safe to show to a client.
// Business errors carry messages written for callers; anything else is
// reduced to a generic message.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch service.Classify(err) {
	case service.KindNotFound, service.KindInvalidState, service.KindValidation:
		return err.Error()
	case service.KindUnpublished:
		return "The change was saved but its events could not be delivered"
	}

	switch {
	case errors.Is(err, service.ErrCompensationFailed):
		return "Image could not be deleted"
	case errors.Is(err, service.ErrSinkUnavailable):
		return "Image storage is unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and message derived from err and logs the
// redacted error. customMessage replaces the derived message when set.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, customMessage string) {
	status := MapErrorToStatusCode(err)
	message := customMessage
	if message == "" || status < http.StatusInternalServerError {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
