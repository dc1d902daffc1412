package server

import (
	"net/http"

	"github.com/lemonade-run/gateway/pkg/orchestrator"
)

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"messages\" is required")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusUnprocessableEntity, "unsupported_capability", "orchestration is not available")
		return
	}

	resp, err := s.orchestrator.Orchestrate(r.Context(), req)
	if err != nil {
		writeForError(w, err)
		return
	}
	if resp == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "orchestrator produced no response")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
