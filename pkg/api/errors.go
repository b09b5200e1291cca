package api

import (
	"encoding/json"
	"net/http"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// statusFor maps an error kind to its HTTP status code. Every handler
// funnels failures through writeError, so the mapping lives in one place.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.ErrBadRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict:
		return http.StatusConflict
	case types.ErrResourceExhausted:
		return http.StatusConflict
	case types.ErrRunnerUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string          `json:"error"`
	Kind  types.ErrorKind `json:"kind"`
}

// writeError renders an error as JSON. Internal errors are surfaced as an
// opaque message; everything else carries its text verbatim.
func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	msg := err.Error()
	if kind == types.ErrInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewError(types.ErrBadRequest, "malformed request body: %v", err)
	}
	return nil
}
