package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade/pkg/hub"
	"github.com/lemonade-sdk/lemonade/pkg/inference/backends/flm"
	"github.com/lemonade-sdk/lemonade/pkg/proxy"
	"github.com/lemonade-sdk/lemonade/pkg/routing"
)

// Error kinds surfaced in the JSON envelope.
const (
	kindBadRequest  = "bad_request"
	kindNotFound    = "not_found"
	kindUnavailable = "unavailable"
	kindInternal    = "internal"
)

// errorEnvelope is the wire shape of every gateway error.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Path    string `json:"path,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeErrorPath(w, status, kind, message, "")
}

func writeErrorPath(w http.ResponseWriter, status int, kind, message, path string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Message: message,
		Type:    kind,
		Path:    path,
	}})
}

// writeMappedError translates a typed error from the lower layers into an
// HTTP status and envelope.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routing.ErrModelNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, routing.ErrNoModelLoaded):
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
	case errors.Is(err, routing.ErrModelInvalidated):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
			Message: err.Error(),
			Type:    kindUnavailable,
			Code:    "model_invalidated",
		}})
	case errors.Is(err, hub.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
	case errors.Is(err, flm.ErrNotInstalled):
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
	case errors.Is(err, routing.ErrBackendStartFailed):
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
	case errors.Is(err, proxy.ErrBackendUnreachable):
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
	case errors.Is(err, routing.ErrBackendCrashed):
		writeError(w, http.StatusInternalServerError, "backend_crashed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
