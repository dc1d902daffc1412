package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/openai"
	"github.com/lemonade-run/gateway/pkg/router"
	"github.com/lemonade-run/gateway/pkg/telemetry"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

// fakeAdapter is a backend stub whose Endpoint points wherever the test
// wants requests forwarded (typically an httptest server).
type fakeAdapter struct {
	name     string
	endpoint string
	sink     *telemetry.Sink
	running  bool
}

func newFake(name, endpoint string) *fakeAdapter {
	return &fakeAdapter{name: name, endpoint: endpoint, sink: telemetry.NewSink()}
}

func (f *fakeAdapter) Name() string                  { return f.name }
func (f *fakeAdapter) Install(context.Context) error { return nil }
func (f *fakeAdapter) Endpoint() string              { return f.endpoint }
func (f *fakeAdapter) Telemetry() *telemetry.Sink    { return f.sink }
func (f *fakeAdapter) IsRunning() bool               { return f.running }
func (f *fakeAdapter) Unload(context.Context) error {
	f.running = false
	return nil
}

func (f *fakeAdapter) Load(ctx context.Context, name string, d *catalog.Descriptor, opts backend.LoadOptions) error {
	f.running = true
	return nil
}

type completionFake struct{ *fakeAdapter }

func (completionFake) CompletionPath() string { return "/v1/chat/completions" }

type embeddingsFake struct{ *fakeAdapter }

func (embeddingsFake) EmbeddingsPath() string { return "/v1/embeddings" }

// testGateway is the assembled server under test plus the knobs tests
// reach for.
type testGateway struct {
	srv     *Server
	handler http.Handler
	cat     *catalog.Manager
}

// backendURL, when non-empty, is where fake adapters point their
// Endpoint; adapterFor picks the capability mix per model name.
func newTestGateway(t *testing.T, models map[string]map[string]any, downloaded []string, adapterFor func(d *catalog.Descriptor) backend.Adapter) *testGateway {
	t.Helper()
	dir := t.TempDir()
	hubDir := filepath.Join(dir, "hub")
	t.Setenv("LEMONADE_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("HF_HUB_CACHE", hubDir)

	serverPath := filepath.Join(dir, "server_models.json")
	data, err := json.Marshal(models)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(serverPath, data, 0o644))

	for _, name := range downloaded {
		checkpoint := models[name]["checkpoint"].(string)
		repo, variant, _ := strings.Cut(checkpoint, ":")
		snapshot := filepath.Join(hubDir, "models--"+strings.ReplaceAll(repo, "/", "--"))
		require.NoError(t, os.MkdirAll(snapshot, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(snapshot, variant), []byte("gguf"), 0o644))
	}

	log := testLogger()
	cat, err := catalog.NewManager(log, serverPath)
	require.NoError(t, err)

	factory := func(d *catalog.Descriptor) (backend.Adapter, error) {
		if adapterFor == nil {
			return newFake(string(d.Recipe), "http://127.0.0.1:0"), nil
		}
		return adapterFor(d), nil
	}
	rt := router.New(log, cat, factory, nil, nil)
	client := httpclient.New(log, nil, "test")

	srv := New(log, cat, rt, client, nil, nil, nil, nil, nil)
	return &testGateway{srv: srv, handler: srv.Handler(), cat: cat}
}

func (g *testGateway) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) openai.ErrorResponse {
	t.Helper()
	var resp openai.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthReportsStatusAndPools(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	w := g.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Contains(t, resp.PoolLimits, string(catalog.TypeLLM))
	require.Empty(t, resp.ModelsLoaded)
}

func TestAPIPrefixesAreSynonyms(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	for _, path := range []string{"/health", "/api/v0/health", "/api/v1/health"} {
		w := g.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}

func TestCORSPreflightReturns204(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	w := g.do(t, http.MethodOptions, "/chat/completions", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestListModelsFiltersUndownloaded(t *testing.T) {
	g := newTestGateway(t, map[string]map[string]any{
		"present": {"checkpoint": "me/present:model.gguf", "recipe": "gguf-runtime"},
		"absent":  {"checkpoint": "me/absent:model.gguf", "recipe": "gguf-runtime"},
	}, []string{"present"}, nil)

	w := g.do(t, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list modelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	require.Equal(t, "present", list.Data[0].ID)

	w = g.do(t, http.MethodGet, "/models?show_all=true", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
}

func TestGetModelNotFound(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	w := g.do(t, http.MethodGet, "/models/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	require.Equal(t, "not_found", resp.Error.Type)
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	w := g.do(t, http.MethodPost, "/chat/completions",
		`{"model":"ghost","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", decodeError(t, w).Error.Type)
}

func TestChatCompletionsCapabilityMismatch(t *testing.T) {
	g := newTestGateway(t, map[string]map[string]any{
		"embedder": {"checkpoint": "me/embedder:model.gguf", "recipe": "gguf-runtime", "labels": []string{"embeddings"}},
	}, []string{"embedder"}, func(d *catalog.Descriptor) backend.Adapter {
		return embeddingsFake{newFake("embed-only", "http://127.0.0.1:0")}
	})

	w := g.do(t, http.MethodPost, "/chat/completions",
		`{"model":"embedder","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request_error", decodeError(t, w).Error.Type)
}

func TestChatCompletionsForwardsToBackend(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"hey"}}]}`)
	}))
	defer backendSrv.Close()

	g := newTestGateway(t, map[string]map[string]any{
		"chatty": {"checkpoint": "me/chatty:model.gguf", "recipe": "gguf-runtime"},
	}, []string{"chatty"}, func(d *catalog.Descriptor) backend.Adapter {
		return completionFake{newFake("chat", backendSrv.URL)}
	})

	w := g.do(t, http.MethodPost, "/chat/completions",
		`{"model":"chatty","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "hey", resp.Choices[0].Message.Content)
}

func TestStreamingChatEndsWithDone(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"y\"}}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		// Close without a DONE sentinel; the proxy must inject one.
	}))
	defer backendSrv.Close()

	g := newTestGateway(t, map[string]map[string]any{
		"chatty": {"checkpoint": "me/chatty:model.gguf", "recipe": "gguf-runtime"},
	}, []string{"chatty"}, func(d *catalog.Descriptor) backend.Adapter {
		return completionFake{newFake("chat", backendSrv.URL)}
	})

	w := g.do(t, http.MethodPost, "/chat/completions",
		`{"model":"chatty","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasSuffix(strings.TrimSpace(w.Body.String()), "data: [DONE]"))

	// Telemetry sniffed off the stream lands in /stats.
	statsW := g.do(t, http.MethodGet, "/stats", "")
	var stats statsResponse
	require.NoError(t, json.Unmarshal(statsW.Body.Bytes(), &stats))
	require.Equal(t, 2, stats.TotalOutputTokens)
	require.Equal(t, 3, stats.TotalInputTokens)
}

func TestEnableThinkingFalsePrependsTag(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Messages: []openai.Message{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "hello"},
		},
	}
	applyNoThink(&req)
	require.Equal(t, "/no_think hello", req.Messages[1].Content)

	empty := openai.ChatCompletionRequest{}
	applyNoThink(&empty)
	require.Len(t, empty.Messages, 1)
	require.Equal(t, "/no_think", empty.Messages[0].Content)
}

func TestLoadEndpoint(t *testing.T) {
	g := newTestGateway(t, map[string]map[string]any{
		"tiny": {"checkpoint": "me/tiny:model.gguf", "recipe": "gguf-runtime"},
	}, []string{"tiny"}, func(d *catalog.Descriptor) backend.Adapter {
		return completionFake{newFake("chat", "http://127.0.0.1:0")}
	})

	w := g.do(t, http.MethodPost, "/load", `{"model_name":"tiny","ctx_size":2048}`)
	require.Equal(t, http.StatusOK, w.Code)

	health := g.do(t, http.MethodGet, "/health", "")
	var resp healthResponse
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &resp))
	require.Len(t, resp.ModelsLoaded, 1)
	require.Equal(t, "tiny", resp.ModelsLoaded[0].ModelName)
	require.Equal(t, 2048, resp.ModelsLoaded[0].ContextSize)
	require.True(t, resp.ModelsLoaded[0].IsRunning)

	w = g.do(t, http.MethodPost, "/load", `{"model_name":"ghost"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnloadEmptyNameUnloadsAll(t *testing.T) {
	g := newTestGateway(t, map[string]map[string]any{
		"tiny": {"checkpoint": "me/tiny:model.gguf", "recipe": "gguf-runtime"},
	}, []string{"tiny"}, func(d *catalog.Descriptor) backend.Adapter {
		return completionFake{newFake("chat", "http://127.0.0.1:0")}
	})

	require.Equal(t, http.StatusOK, g.do(t, http.MethodPost, "/load", `{"model_name":"tiny"}`).Code)
	require.Equal(t, http.StatusOK, g.do(t, http.MethodPost, "/unload", `{}`).Code)

	health := g.do(t, http.MethodGet, "/health", "")
	var resp healthResponse
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &resp))
	require.Empty(t, resp.ModelsLoaded)
}

func TestResponsesRefusesNonONNXRecipes(t *testing.T) {
	g := newTestGateway(t, map[string]map[string]any{
		"chatty": {"checkpoint": "me/chatty:model.gguf", "recipe": "gguf-runtime"},
	}, []string{"chatty"}, nil)

	w := g.do(t, http.MethodPost, "/responses", `{"model":"chatty","input":"hi"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "unsupported_capability", decodeError(t, w).Error.Type)
}

func TestPullUnknownModelWithoutRegistration(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	w := g.do(t, http.MethodPost, "/pull", `{"model":"ghost"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestImageGenerationsUnavailableWithoutBackend(t *testing.T) {
	g := newTestGateway(t, map[string]map[string]any{
		"sd": {"checkpoint": "me/sd:model.gguf", "recipe": "image-gen"},
	}, []string{"sd"}, nil)

	w := g.do(t, http.MethodPost, "/images/generations", `{"model":"sd","prompt":"a lemon"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDeleteRequiresModelName(t *testing.T) {
	g := newTestGateway(t, nil, nil, nil)

	w := g.do(t, http.MethodPost, "/delete", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request_error", decodeError(t, w).Error.Type)
}
