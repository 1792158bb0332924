// Package httpapi is the HTTP surface (C7): a thin net/http dispatcher that
// translates REST calls into component operations and is the single place
// typed component errors are pattern-matched into status codes (spec.md §7).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelforge/controlplane/internal/app/apperrors"
)

var errTooManyRequests = errors.New("rate limit exceeded")

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// handleError is the single error→status pattern-match point described by
// spec.md §7: lower components only raise the typed errors in
// internal/app/apperrors; this is the only place they are converted.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	var engineErr *apperrors.EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case apperrors.EngineInput:
			return http.StatusBadRequest
		case apperrors.EngineInvariantViolation:
			return http.StatusInternalServerError
		case apperrors.EngineLoad, apperrors.EngineRuntime:
			return http.StatusInternalServerError
		case apperrors.EngineValidation:
			return http.StatusBadRequest
		}
	}

	var catalogErr *apperrors.CatalogError
	if errors.As(err, &catalogErr) {
		switch catalogErr.Kind {
		case apperrors.CatalogNotFound:
			return http.StatusNotFound
		case apperrors.CatalogConflict:
			return http.StatusConflict
		case apperrors.CatalogBadState:
			return http.StatusBadRequest
		case apperrors.CatalogMissingInput:
			return http.StatusBadRequest
		}
	}

	var storageErr *apperrors.StorageError
	if errors.As(err, &storageErr) {
		switch storageErr.Kind {
		case apperrors.StorageFull:
			return http.StatusRequestEntityTooLarge
		case apperrors.StorageNotFound:
			return http.StatusNotFound
		default:
			return http.StatusInternalServerError
		}
	}

	var jobErr *apperrors.JobError
	if errors.As(err, &jobErr) {
		switch jobErr.Kind {
		case apperrors.JobNotFound:
			return http.StatusNotFound
		case apperrors.JobBadState:
			return http.StatusBadRequest
		case apperrors.JobOutOfRange:
			return http.StatusUnprocessableEntity
		}
	}

	if errors.Is(err, errTooManyRequests) {
		return http.StatusTooManyRequests
	}

	return http.StatusInternalServerError
}

// badRequest is a convenience constructor for request-shape errors raised
// directly by the HTTP layer (decoding failures, missing query params) that
// never touch a component's typed error hierarchy.
func badRequest(format string, args ...any) error {
	return apperrors.NewCatalogError(apperrors.CatalogMissingInput, fmt.Sprintf(format, args...))
}
