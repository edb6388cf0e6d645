package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/catalystcommunity/gflowd/internal/scheduler"
	"github.com/catalystcommunity/gflowd/internal/store"
)

// errorEnvelope is the JSON shape of every non-2xx response (spec.md §7:
// "user-facing errors from the API are rendered as structured JSON").
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// respondJSON writes payload as a JSON body with the given status code,
// mirroring the teacher's base_handler.go respondWithJSON.
func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already sent; the encode error is dropped.
		return
	}
}

// respondError maps err to one of the structured failure kinds in
// spec.md §7 and writes the matching HTTP status and envelope.
func respondError(w http.ResponseWriter, err error) {
	var (
		code    int
		errType string
	)

	switch {
	case errors.Is(err, scheduler.ErrValidation):
		code, errType = http.StatusBadRequest, "validation_error"
	case errors.Is(err, scheduler.ErrNotFound):
		code, errType = http.StatusNotFound, "not_found"
	case errors.Is(err, scheduler.ErrConflict):
		code, errType = http.StatusConflict, "conflict"
	case errors.Is(err, scheduler.ErrServiceUnavailable), errors.Is(err, store.ErrServiceUnavailable):
		code, errType = http.StatusServiceUnavailable, "service_unavailable"
	default:
		code, errType = http.StatusInternalServerError, "internal_error"
	}

	respondJSON(w, code, errorEnvelope{Error: errType, Message: err.Error()})
}
