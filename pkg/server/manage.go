package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/fetcher"
	"github.com/lemonade-run/gateway/pkg/internal/utils"
	"github.com/lemonade-run/gateway/pkg/puller"
)

// deleteRetries and deleteBackoff implement the /delete contract: retry
// up to 3 times with 5 s backoff when the model's files are still held
// open.
const (
	deleteRetries = 3
	deleteBackoff = 5 * time.Second
)

type pullRequest struct {
	Model        string   `json:"model"`
	Checkpoint   string   `json:"checkpoint,omitempty"`
	Recipe       string   `json:"recipe,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	MMProj       string   `json:"mmproj,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
	DoNotUpgrade bool     `json:"do_not_upgrade,omitempty"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model\" is required")
		return
	}

	// A pull may register a new user model on the fly when the request
	// carries enough to describe it.
	exists, err := s.cat.ModelExists(req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !exists {
		if req.Checkpoint == "" || req.Recipe == "" {
			writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("unknown model %q; registering it requires \"checkpoint\" and \"recipe\"", req.Model))
			return
		}
		if err := s.cat.RegisterUserModel(req.Model, req.Checkpoint, catalog.Recipe(req.Recipe), req.Labels, req.MMProj); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
	}

	s.log.Infof("pulling model %s", utils.SanitizeForLog(req.Model))
	opts := puller.Options{
		Checkpoint:   req.Checkpoint,
		Recipe:       catalog.Recipe(req.Recipe),
		Labels:       req.Labels,
		DoNotUpgrade: req.DoNotUpgrade,
	}

	if !req.Stream {
		if err := s.pull.Pull(r.Context(), req.Model, opts, nil); err != nil {
			writeError(w, http.StatusBadGateway, "download_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "model": req.Model})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by connection")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Returning false on a failed write propagates the client's
	// disconnect into a download abort, leaving the partial files and
	// manifest sidecar on disk for a later resume.
	onProgress := func(p fetcher.Progress) bool {
		return writeSSEEvent(w, flusher, map[string]any{"type": "progress", "progress": p})
	}

	if err := s.pull.Pull(r.Context(), req.Model, opts, onProgress); err != nil {
		writeSSEEvent(w, flusher, map[string]any{
			"type":  "error",
			"error": map[string]string{"message": err.Error(), "type": "download_error"},
		})
		return
	}
	writeSSEEvent(w, flusher, map[string]any{"type": "complete", "model": req.Model})
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, event map[string]any) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

type loadRequest struct {
	ModelName string   `json:"model_name"`
	CtxSize   int      `json:"ctx_size,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.ModelName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model_name\" is required")
		return
	}

	s.log.Infof("loading model %s", utils.SanitizeForLog(req.ModelName))
	_, err := s.router.EnsureLoaded(r.Context(), req.ModelName, backend.LoadOptions{
		CtxSize:   req.CtxSize,
		ExtraArgs: req.ExtraArgs,
	})
	if err != nil {
		writeForError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "model": req.ModelName})
}

type unloadRequest struct {
	ModelName string `json:"model_name,omitempty"`
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req unloadRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	var err error
	if req.ModelName == "" {
		err = s.router.UnloadAll(r.Context())
	} else {
		err = s.router.Unload(r.Context(), req.ModelName)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type deleteRequest struct {
	ModelName string `json:"model_name"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.ModelName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model_name\" is required")
		return
	}

	// First unload, then delete; a backend still serving the model holds
	// its files open.
	if err := s.router.Unload(r.Context(), req.ModelName); err != nil {
		s.log.Warnf("unloading %s before delete: %v", utils.SanitizeForLog(req.ModelName), err)
	}

	var err error
	for attempt := 0; attempt < deleteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.Context().Done():
				writeError(w, http.StatusInternalServerError, "internal_error", r.Context().Err().Error())
				return
			case <-time.After(deleteBackoff):
			}
		}
		err = s.cat.DeleteModel(req.ModelName)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
			return
		}
		if !errors.Is(err, catalog.ErrFileInUse) {
			break
		}
		s.log.Warnf("delete of %s hit in-use files (attempt %d/%d): %v",
			utils.SanitizeForLog(req.ModelName), attempt+1, deleteRetries, err)
	}

	if strings.Contains(err.Error(), "model not found") {
		writeNotFound(w, err)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// uploadsDirName is the hub-cache-relative directory /add-local-model
// stores uploaded model files under, one subdirectory per registration.
const uploadsDirName = "user-uploads"

func (s *Server) handleAddLocalModel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodyBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "parsing multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	name := r.FormValue("model_name")
	recipe := r.FormValue("recipe")
	if name == "" || recipe == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "\"model_name\" and \"recipe\" are required")
		return
	}
	var labels []string
	if raw := r.FormValue("labels"); raw != "" {
		for _, l := range strings.Split(raw, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
	}

	files := r.MultipartForm.File["model_files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "at least one \"model_files\" part is required")
		return
	}

	cleanName := strings.TrimPrefix(name, "user.")
	destDir := filepath.Join(s.cat.HubCacheDir(), uploadsDirName, cleanName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	var firstGGUF string
	for _, fh := range files {
		base := path.Base(fh.Filename)
		if base == "." || base == "/" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid filename "+fh.Filename)
			return
		}
		if firstGGUF == "" && strings.HasSuffix(strings.ToLower(base), ".gguf") {
			firstGGUF = base
		}
		if err := saveUploadedFile(fh, filepath.Join(destDir, base)); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
	}

	// The stored checkpoint is hub-cache-relative; GGUF recipes carry the
	// uploaded filename as the variant so resolution picks the exact file.
	checkpoint := path.Join(uploadsDirName, cleanName)
	if catalog.Recipe(recipe) == catalog.RecipeGGUFRuntime {
		if firstGGUF == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "gguf-runtime uploads must include a .gguf file")
			return
		}
		checkpoint += ":" + firstGGUF
	}

	if err := s.cat.RegisterUserModel(name, checkpoint, catalog.Recipe(recipe), labels, r.FormValue("mmproj")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	s.cat.Invalidate()

	d, err := s.cat.GetModelInfo(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "model": d})
}

func saveUploadedFile(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("opening uploaded %s: %w", fh.Filename, err)
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// decodeJSONBody reads and unmarshals a bounded JSON request body,
// writing the structured error response itself on failure.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error())
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
