// Package server wires every endpoint in spec.md §6's HTTP API table to
// the inference control plane (catalog, router, puller, orchestrator),
// following the teacher's pkg/inference/scheduling/http_handler.go shape:
// a struct wrapping an http.ServeMux, a routeHandlers() map keyed by Go
// 1.22 "METHOD /path" pattern strings, io.ReadAll behind
// http.MaxBytesReader for request bodies, and r.PathValue for path
// parameters. Unlike the teacher (which uses plain http.Error), every
// outward-facing failure here is written through writeError's structured
// {"error":{message,type,code}} envelope, which spec.md §6/§7 requires.
package server

import (
	"net/http"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/metrics"
	"github.com/lemonade-run/gateway/pkg/middleware"
	"github.com/lemonade-run/gateway/pkg/orchestrator"
	"github.com/lemonade-run/gateway/pkg/puller"
	"github.com/lemonade-run/gateway/pkg/router"
)

// maxJSONBodyBytes bounds ordinary JSON request bodies to guard against a
// client streaming an unbounded body at the server, mirroring the
// teacher's maximumOpenAIInferenceRequestSize guard.
const maxJSONBodyBytes = 32 << 20 // 32 MiB

// maxUploadBodyBytes bounds multipart bodies (audio clips, uploaded model
// files), which are legitimately large.
const maxUploadBodyBytes = 4 << 30 // 4 GiB

// Server holds every collaborator the HTTP surface dispatches to.
type Server struct {
	log          logging.Logger
	cat          *catalog.Manager
	router       *router.Router
	client       *httpclient.Client
	pull         *puller.Puller
	orchestrator *orchestrator.Orchestrator
	imageGen     backend.ImageGenCapable
	realtime     http.Handler
	metrics      *metrics.Registry
	startedAt    time.Time
}

// New creates a Server. metricsRegistry may be nil to disable the
// "/metrics" endpoint; realtime may be nil to disable the websocket
// transcription endpoint.
func New(
	log logging.Logger,
	cat *catalog.Manager,
	r *router.Router,
	client *httpclient.Client,
	pull *puller.Puller,
	orch *orchestrator.Orchestrator,
	imageGen backend.ImageGenCapable,
	realtime http.Handler,
	metricsRegistry *metrics.Registry,
) *Server {
	return &Server{
		log:          log,
		cat:          cat,
		router:       r,
		client:       client,
		pull:         pull,
		orchestrator: orch,
		imageGen:     imageGen,
		realtime:     realtime,
		metrics:      metricsRegistry,
		startedAt:    time.Now(),
	}
}

// Handler builds the full http.Handler: CORS, the "/api/v0"/"/api/v1"
// prefix-stripping alias, and the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for route, handler := range s.routeHandlers() {
		mux.HandleFunc(route, s.instrument(route, handler))
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.realtime != nil {
		mux.Handle("GET /realtime/transcription", s.realtime)
	}

	var h http.Handler = &middleware.APIPrefixStrippingHandler{Next: mux}
	h = middleware.CorsMiddleware(h)
	return h
}

// instrument wraps handler with a status-capturing response writer so
// s.metrics (when present) observes every request's latency and status
// without each handler having to report it itself.
func (s *Server) instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		s.metrics.ObserveRequest(route, sw.status, time.Since(start).Seconds())
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeHandlers returns the full "METHOD /path" route table for spec.md
// §6's HTTP API.
func (s *Server) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		// A "GET" pattern also serves HEAD requests, so /health answers
		// both per the API table.
		"GET /health": s.handleHealth,

		"GET /models":      s.handleListModels,
		"GET /models/{id}": s.handleGetModel,

		"POST /chat/completions": s.handleChatCompletions,
		"POST /completions":      s.handleCompletions,
		"POST /responses":        s.handleResponses,
		"POST /embeddings":       s.handleEmbeddings,
		"POST /reranking":        s.handleReranking,

		"POST /audio/transcriptions": s.handleTranscriptions,
		"POST /images/generations":   s.handleImageGenerations,

		"POST /pull":            s.handlePull,
		"POST /load":            s.handleLoad,
		"POST /unload":          s.handleUnload,
		"POST /delete":          s.handleDelete,
		"POST /add-local-model": s.handleAddLocalModel,

		"GET /stats":       s.handleStats,
		"GET /system-info": s.handleSystemInfo,

		"POST /orchestrate": s.handleOrchestrate,
	}
}
