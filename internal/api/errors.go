package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/septivank/water-telemetry-worker/internal/adapters"
	"github.com/septivank/water-telemetry-worker/internal/resolver"
	"github.com/septivank/water-telemetry-worker/internal/telemetry"
	"github.com/septivank/water-telemetry-worker/internal/validator"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errMalformedRequest marks bodies that are not valid JSON for the route
var errMalformedRequest = errors.New("malformed request")

// classify maps an ingest error to its status and error code
func classify(err error) (int, string) {
	var verr *validator.ValidationError
	switch {
	case errors.Is(err, resolver.ErrDeviceNotFound):
		return http.StatusNotFound, "device_not_found"
	case errors.Is(err, resolver.ErrDeviceUnlinked):
		return http.StatusConflict, "device_unlinked"
	case errors.Is(err, adapters.ErrMalformedUplink):
		return http.StatusBadRequest, "malformed_uplink"
	case errors.Is(err, telemetry.ErrUnsupportedTechnology):
		return http.StatusBadRequest, "unsupported_technology"
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, errMalformedRequest):
		return http.StatusBadRequest, "malformed_request"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
