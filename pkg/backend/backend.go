// Package backend defines the contract every per-recipe adapter
// implements (install / load / forward / unload) plus the small
// capability interfaces the router queries with a type assertion
// instead of a deep inheritance hierarchy, per the "capability-interface
// polymorphism" design note. Concrete adapters live in sibling packages
// (gguf, onnx, whisper, imagegen, tts, dockergpu); this package only
// holds the shared contract and the process-plumbing base type they
// embed.
package backend

import (
	"context"

	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/telemetry"
)

// LoadOptions carries the per-load tuning knobs a caller may supply,
// generalized across recipes (not every field applies to every adapter).
type LoadOptions struct {
	CtxSize int
	// ExtraArgs are appended verbatim to the spawned process's argument
	// list, for recipes that accept passthrough flags.
	ExtraArgs []string
}

// Adapter is the contract every backend family implements: ensure the
// engine binary or image is present, spawn/attach it for one model, and
// report whether it is still alive. Request methods live on the
// capability interfaces below so a caller never invokes a method an
// adapter doesn't actually support.
type Adapter interface {
	// Name identifies the backend family in logs and telemetry
	// ("gguf-runtime", "onnx-npu", "whisper-cpu", ...).
	Name() string
	// Install ensures the backend's executable (or, for docker-gpu, its
	// pinned image) is present, downloading it if necessary.
	Install(ctx context.Context) error
	// Load spawns (or attaches to) the backend serving model d under the
	// logical name, and blocks until it is ready to accept requests.
	Load(ctx context.Context, name string, d *catalog.Descriptor, opts LoadOptions) error
	// Unload tears down the running instance. It must be safe to call on
	// an adapter that never successfully loaded.
	Unload(ctx context.Context) error
	// IsRunning reports whether the backend's process (or container) is
	// still alive.
	IsRunning() bool
	// Endpoint returns the base URL to forward requests to.
	Endpoint() string
	// Telemetry returns the per-instance telemetry accumulator. Adapters
	// and the router both hold only this sink, never each other, so
	// there is no adapter<->router pointer cycle.
	Telemetry() *telemetry.Sink
}

// CompletionCapable is implemented by adapters that can serve chat and
// text completions. CompletionPath is the backend-relative path to POST
// an OpenAI-shaped completion request to (every adapter here uses
// "/v1/chat/completions"; the Responses API goes through ResponsesCapable).
type CompletionCapable interface {
	Adapter
	CompletionPath() string
}

// ResponsesCapable is implemented by adapters whose runtime natively
// serves the OpenAI Responses API. Only the onnx family qualifies; the
// gateway's /responses endpoint refuses every other recipe.
type ResponsesCapable interface {
	Adapter
	ResponsesPath() string
}

// EmbeddingsCapable is implemented by adapters that can compute
// embedding vectors.
type EmbeddingsCapable interface {
	Adapter
	EmbeddingsPath() string
}

// RerankingCapable is implemented by adapters that can score
// query/document pairs.
type RerankingCapable interface {
	Adapter
	RerankingPath() string
}

// ImageResult is the outcome of one image-generation request.
type ImageResult struct {
	// B64JSON is the base64-encoded image payload.
	B64JSON string
	// FilePath is set when the adapter is configured to persist output
	// files rather than delete them after returning base64.
	FilePath string
}

// ImageRequest describes one image-generation request. Width/Height/Steps
// zero means "use the adapter's default".
type ImageRequest struct {
	Prompt string
	Width  int
	Height int
	Steps  int
	CFG    float64
	Seed   int64
}

// ImageGenCapable is implemented by the stateless, per-request image
// generation adapter. Unlike the other capabilities, image generation
// never enters the router's loaded-backend table: every call spawns its
// own short-lived process.
type ImageGenCapable interface {
	Name() string
	GenerateImage(ctx context.Context, d *catalog.Descriptor, req ImageRequest) (ImageResult, error)
}

// TranscriptionCapable is implemented by adapters that transcribe audio.
type TranscriptionCapable interface {
	Adapter
	// Transcribe posts the given audio file through the backend's
	// multipart transcription endpoint.
	Transcribe(ctx context.Context, audio []byte, filename, language, prompt string) (string, error)
}

// SpeechCapable is implemented by adapters that synthesize audio from
// text.
type SpeechCapable interface {
	Adapter
	Synthesize(ctx context.Context, input, voice string) ([]byte, error)
}
