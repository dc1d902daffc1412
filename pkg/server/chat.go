package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/openai"
	"github.com/lemonade-run/gateway/pkg/router"
	"github.com/lemonade-run/gateway/pkg/streamproxy"
)

// noThinkTag is prepended to the last user message when a caller sets
// "enable_thinking": false, matching the Qwen3-style reasoning-toggle
// convention the gguf-runtime/onnx backends understand in-band.
const noThinkTag = "/no_think"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletionRequest(w, r, true)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletionRequest(w, r, false)
}

// handleCompletionRequest implements both "/chat/completions" and the
// legacy "/completions" alias: both forward an OpenAI-shaped completion
// request to whichever loaded backend advertises CompletionCapable.
func (s *Server) handleCompletionRequest(w http.ResponseWriter, r *http.Request, applyThinkingToggle bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error())
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model\" is required")
		return
	}

	if applyThinkingToggle && req.EnableThinking != nil && !*req.EnableThinking {
		applyNoThink(&req)
	}

	ctx := r.Context()
	capable, err := router.Dispatch[backend.CompletionCapable](ctx, s.router, req.Model, backend.LoadOptions{})
	if err != nil {
		writeForError(w, err)
		return
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	url := capable.Endpoint() + capable.CompletionPath()

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		result, err := streamproxy.Forward(ctx, s.client, url, reqBody, nil, w, streamproxy.SSE)
		if err != nil {
			s.log.Warnf("streaming %s to %s: %v", req.Model, url, err)
			return
		}
		capable.Telemetry().Update(result.Record)
		if s.metrics != nil {
			s.metrics.TokensTotal.WithLabelValues(req.Model, "input").Add(float64(result.Record.InputTokens))
			s.metrics.TokensTotal.WithLabelValues(req.Model, "output").Add(float64(result.Record.OutputTokens))
		}
		return
	}

	resp, err := s.client.Post(ctx, url, reqBody, nil, 0)
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

// applyNoThink prepends noThinkTag to the last user message's content,
// or adds a new trailing user message carrying only the tag if the
// conversation has none.
func applyNoThink(req *openai.ChatCompletionRequest) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			req.Messages[i].Content = noThinkTag + " " + req.Messages[i].Content
			return
		}
	}
	req.Messages = append(req.Messages, openai.Message{Role: "user", Content: noThinkTag})
}
