package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/strata-lab/strata/pkg/ingest"
	"github.com/strata-lab/strata/pkg/types"
)

// errorBody is the JSON error shape returned by every endpoint
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError converts a pipeline error to its HTTP shape. The mapping is
// the only place domain errors and status codes meet.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""

	switch {
	case errors.Is(err, types.ErrAuthInvalid):
		status = http.StatusUnauthorized
		kind = "auth_invalid"
	case errors.Is(err, types.ErrForbidden):
		status = http.StatusForbidden
		kind = "forbidden"
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
		kind = "not_found"
	case errors.Is(err, types.ErrAmbiguousIdentifier):
		status = http.StatusBadRequest
		kind = "ambiguous_identifier"
	case errors.Is(err, types.ErrChunkHashMismatch):
		status = http.StatusUnprocessableEntity
		kind = "chunk_hash_mismatch"
	case errors.Is(err, types.ErrOverallHashMismatch):
		status = http.StatusUnprocessableEntity
		kind = "overall_hash_mismatch"
	case errors.Is(err, types.ErrStaleState):
		status = http.StatusConflict
		kind = "stale_state"
	case errors.Is(err, types.ErrSessionExpired), errors.Is(err, types.ErrSessionNotOpen):
		status = http.StatusConflict
		kind = "session_state"
	case errors.Is(err, types.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		kind = "storage_unavailable"
	case errors.Is(err, ingest.ErrUseChunked):
		status = http.StatusBadRequest
		kind = "use_chunked"
	case types.IsValidation(err):
		status = http.StatusBadRequest
		kind = "validation"
	}

	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

// writeJSON writes v as the JSON response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
