package server

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/router"
)

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodyBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "parsing multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	model := r.FormValue("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model\" is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"file\" is required: "+err.Error())
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "reading audio upload: "+err.Error())
		return
	}

	capable, err := router.Dispatch[backend.TranscriptionCapable](r.Context(), s.router, model, backend.LoadOptions{})
	if err != nil {
		writeForError(w, err)
		return
	}

	text, err := capable.Transcribe(r.Context(), audio, header.Filename, r.FormValue("language"), r.FormValue("prompt"))
	if err != nil {
		writeForError(w, err)
		return
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(text))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

type imageGenerationRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	N              int     `json:"n,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
}

type imageDatum struct {
	B64JSON string `json:"b64_json,omitempty"`
	URL     string `json:"url,omitempty"`
}

type imageGenerationResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Data    []imageDatum `json:"data"`
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var req imageGenerationRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Model == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model\" and \"prompt\" are required")
		return
	}
	if s.imageGen == nil {
		writeError(w, http.StatusUnprocessableEntity, "unsupported_capability", "image generation backend is not available")
		return
	}

	d, err := s.cat.GetModelInfo(req.Model)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	if !d.Downloaded {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model "+req.Model+" is not downloaded")
		return
	}

	n := req.N
	if n <= 0 {
		n = 1
	}

	data := make([]imageDatum, 0, n)
	for i := 0; i < n; i++ {
		result, err := s.imageGen.GenerateImage(r.Context(), d, backend.ImageRequest{
			Prompt: req.Prompt,
			Width:  req.Width,
			Height: req.Height,
			Steps:  req.Steps,
			CFG:    req.CFGScale,
			Seed:   req.Seed,
		})
		if err != nil {
			writeForError(w, err)
			return
		}
		datum := imageDatum{B64JSON: result.B64JSON}
		if req.ResponseFormat == "url" && result.FilePath != "" {
			datum = imageDatum{URL: "file://" + result.FilePath}
		}
		data = append(data, datum)
	}

	writeJSON(w, http.StatusOK, imageGenerationResponse{
		ID:      "imggen-" + uuid.NewString(),
		Created: time.Now().Unix(),
		Data:    data,
	})
}
