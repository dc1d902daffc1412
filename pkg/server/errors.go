package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/openai"
	"github.com/lemonade-run/gateway/pkg/orchestrator"
	"github.com/lemonade-run/gateway/pkg/router"
)

// writeJSON marshals v and writes it with status, matching the teacher's
// convention of setting Content-Type before WriteHeader.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the structured {"error":{message,type,code}} envelope
// spec.md §7 requires in place of the teacher's plain http.Error text.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, openai.ErrorResponse{
		Error: openai.ErrorBody{
			Message: message,
			Type:    errType,
			Code:    strconv.Itoa(status),
		},
	})
}

// writeForError inspects err and picks the HTTP status/type the
// structured envelope reports, unwrapping the sentinel and typed errors
// each collaborator package defines rather than guessing from err.Error().
func writeForError(w http.ResponseWriter, err error) {
	var backendErr *backend.BackendError
	if errors.As(err, &backendErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(backendErr.Status)
		if len(backendErr.Body) > 0 {
			_, _ = w.Write(backendErr.Body)
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ErrorResponse{
			Error: openai.ErrorBody{
				Message: backendErr.Error(),
				Type:    "backend_error",
				Code:    strconv.Itoa(backendErr.Status),
			},
		})
		return
	}

	var cfgErr *orchestrator.ConfigurationError
	if errors.As(err, &cfgErr) {
		writeError(w, http.StatusBadRequest, "configuration_error", cfgErr.Error())
		return
	}

	switch {
	case errors.Is(err, router.ErrUnknownModel):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, router.ErrCapabilityMismatch):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// writeNotFound writes a 404 for plain "model not found" errors from
// catalog.Manager lookups, which return fmt.Errorf rather than a sentinel.
func writeNotFound(w http.ResponseWriter, err error) {
	writeError(w, http.StatusNotFound, "not_found", err.Error())
}
