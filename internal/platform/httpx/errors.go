// Package httpx maps domain errors onto RFC7807 problem responses.
package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RespondError is the fallback mapping for errors a handler has not already
// translated. Unknown errors become an opaque 500 so internals never leak
// to API clients.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrBatchUnavailable):
		Problem(w, http.StatusUnprocessableEntity, "Batch Unavailable", err.Error())
	case errors.Is(err, shared.ErrBatchStateConflict):
		Problem(w, http.StatusConflict, "Batch State Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
