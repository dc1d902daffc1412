// Package gguf implements the gguf-runtime backend adapter: a
// llama.cpp-server-style binary that serves one GGUF checkpoint (plus an
// optional vision mmproj) over an OpenAI-compatible HTTP API. It is
// grounded on the teacher's llamacpp adapter
// (pkg/inference/backends/llamacpp/llamacpp.go) — same spawn/readiness
// shape, generalized from a Unix-socket transport to the gateway's
// TCP-port-per-backend model.
package gguf

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
)

// Name is the backend family name.
const Name = "gguf-runtime"

const readyTimeout = 120 * time.Second

// Adapter runs a llama.cpp-server-style binary for one GGUF model.
type Adapter struct {
	backend.Base
	binPath string
}

// New creates a gguf-runtime Adapter.
func New(log logging.Logger, client *httpclient.Client) *Adapter {
	return &Adapter{Base: backend.NewBase(log, client)}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return Name }

// CompletionPath implements backend.CompletionCapable.
func (a *Adapter) CompletionPath() string { return "/v1/chat/completions" }

// EmbeddingsPath implements backend.EmbeddingsCapable.
func (a *Adapter) EmbeddingsPath() string { return "/v1/embeddings" }

// RerankingPath implements backend.RerankingCapable.
func (a *Adapter) RerankingPath() string { return "/v1/reranking" }

// Install ensures the llama-server binary is present, pinned to the
// version recorded for "gguf-runtime" in the bundled version manifest.
func (a *Adapter) Install(ctx context.Context) error {
	path, err := backend.EnsureExecutable(ctx, a.Client, "GGUF", Name, "default", "llama-server")
	if err != nil {
		return err
	}
	a.binPath = path
	return nil
}

// Load spawns llama-server bound to a free port, serving d.ResolvedPath
// (and, for vision models, d.MMProj), and waits for it to answer /health.
func (a *Adapter) Load(ctx context.Context, name string, d *catalog.Descriptor, opts backend.LoadOptions) error {
	if a.binPath == "" {
		if err := a.Install(ctx); err != nil {
			return err
		}
	}

	port, err := procmanager.FindFreePort(8700)
	if err != nil {
		return fmt.Errorf("choosing a port for %s: %w", name, err)
	}

	ctxSize := opts.CtxSize
	if ctxSize == 0 {
		ctxSize = 4096
	}

	args := []string{
		"--model", d.ResolvedPath,
		"--port", strconv.Itoa(port),
		"--host", "127.0.0.1",
		"--ctx-size", strconv.Itoa(ctxSize),
	}
	if d.MMProj != "" {
		args = append(args, "--mmproj", d.MMProj)
	}
	if d.HasLabel("embeddings") {
		args = append(args, "--embeddings")
	}
	if d.HasLabel("reranking") {
		args = append(args, "--reranking")
	}
	args = append(args, opts.ExtraArgs...)

	// Suppress the server's self-polling health-check chatter, which
	// would otherwise drown out genuinely interesting log lines.
	filtered := procmanager.NewLineFilterWriter(a.Log.Writer(), func(line string) bool {
		return !isHealthPollLine(line)
	})

	h, err := procmanager.Start(procmanager.Config{
		Name:       Name,
		BinaryPath: a.binPath,
		Args:       args,
		Stdout:     filtered,
		Stderr:     filtered,
		Log:        a.Log,
	})
	if err != nil {
		return fmt.Errorf("starting llama-server for %s: %w", name, err)
	}
	a.AttachProcess(h, port)

	if err := a.WaitReady(ctx, "/health", readyTimeout); err != nil {
		_ = h.Stop(backend.StopGrace)
		return fmt.Errorf("%s did not become ready: %w", name, err)
	}
	return nil
}

// Unload implements backend.Adapter.
func (a *Adapter) Unload(ctx context.Context) error {
	return a.StopProcess(ctx)
}

func isHealthPollLine(line string) bool {
	return strings.Contains(line, "GET /health") || strings.Contains(line, "self-check")
}
