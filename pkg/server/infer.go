package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/router"
)

// modelField extracts just the "model" key from an OpenAI-shaped request
// body so dispatch can pick a backend without caring about the rest of
// the payload, which is forwarded verbatim.
type modelField struct {
	Model string `json:"model"`
}

// readBodyWithModel reads the bounded request body and extracts its
// "model" field, writing the error response itself on failure.
func (s *Server) readBodyWithModel(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error())
		return nil, "", false
	}
	var mf modelField
	if err := json.Unmarshal(body, &mf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return nil, "", false
	}
	if mf.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model\" is required")
		return nil, "", false
	}
	return body, mf.Model, true
}

// forwardTo POSTs body to the backend URL and relays status and payload,
// echoing backend failures in the structured error shape.
func (s *Server) forwardTo(w http.ResponseWriter, r *http.Request, url string, body []byte) {
	resp, err := s.client.Post(r.Context(), url, body, nil, 0)
	if err != nil {
		writeError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		return
	}
	if resp.Status >= 400 {
		writeForError(w, &backend.BackendError{Status: resp.Status, Body: resp.Body})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, model, ok := s.readBodyWithModel(w, r)
	if !ok {
		return
	}
	capable, err := router.Dispatch[backend.EmbeddingsCapable](r.Context(), s.router, model, backend.LoadOptions{})
	if err != nil {
		writeForError(w, err)
		return
	}
	s.forwardTo(w, r, capable.Endpoint()+capable.EmbeddingsPath(), body)
}

func (s *Server) handleReranking(w http.ResponseWriter, r *http.Request) {
	body, model, ok := s.readBodyWithModel(w, r)
	if !ok {
		return
	}
	capable, err := router.Dispatch[backend.RerankingCapable](r.Context(), s.router, model, backend.LoadOptions{})
	if err != nil {
		writeForError(w, err)
		return
	}
	s.forwardTo(w, r, capable.Endpoint()+capable.RerankingPath(), body)
}

// handleResponses serves the OpenAI Responses API passthrough. Only the
// onnx family's runtime speaks it natively; any other recipe is refused
// with a 422 before a load is attempted.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body, model, ok := s.readBodyWithModel(w, r)
	if !ok {
		return
	}

	d, err := s.cat.GetModelInfo(model)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	if !strings.HasPrefix(string(d.Recipe), "onnx-") {
		writeError(w, http.StatusUnprocessableEntity, "unsupported_capability",
			"the responses API is only available for onnx-family models; "+model+" uses recipe "+string(d.Recipe))
		return
	}

	capable, err := router.Dispatch[backend.ResponsesCapable](r.Context(), s.router, model, backend.LoadOptions{})
	if err != nil {
		writeForError(w, err)
		return
	}
	s.forwardTo(w, r, capable.Endpoint()+capable.ResponsesPath(), body)
}
