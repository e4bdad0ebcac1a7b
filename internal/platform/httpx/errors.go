// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/baseline-engine/internal/shared"
)

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrPrecondition), errors.Is(err, shared.ErrInvalidPeriod), errors.Is(err, shared.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrBusy), errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, shared.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	RespondErrorWith(w, err, nil)
}

// RespondErrorWith renders err and attaches extension members to the problem document.
func RespondErrorWith(w http.ResponseWriter, err error, extensions map[string]any) {
	status := StatusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	if errors.Is(err, shared.ErrBusy) {
		w.Header().Set("Retry-After", "5")
	}
	ProblemWith(w, status, http.StatusText(status), detail, extensions)
}
