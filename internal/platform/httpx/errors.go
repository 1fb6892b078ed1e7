// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = shared.ErrValidation
)

// ErrorMapper translates a domain error into a problem response. It returns
// false for errors it does not recognise.
type ErrorMapper func(err error) (ProblemDetail, bool)

// RespondError maps domain errors to HTTP responses using RFC7807. Mappers
// are consulted in order before the generic sentinels.
func RespondError(w http.ResponseWriter, err error, mappers ...ErrorMapper) {
	for _, m := range mappers {
		if p, ok := m(err); ok {
			WriteProblem(w, p)
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
