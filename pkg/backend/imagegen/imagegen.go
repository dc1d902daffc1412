// Package imagegen implements the image-gen backend: unlike the other
// recipes there is no long-running server. Each request spawns a
// diffusion-model CLI with a per-request output path and reads back the
// resulting PNG, grounded on the teacher's diffusers backend being a
// per-process (not server-socket) adapter
// (pkg/inference/backends/diffusers/diffusers.go) generalized from its
// DDUF-bundle model source to this spec's checkpoint resolution.
package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
)

// Name is the backend family name.
const Name = "image-gen"

const runTimeout = 5 * time.Minute

// Adapter spawns a per-request diffusion CLI process. It is stateless:
// no instance of it ever enters the router's loaded-backend table.
type Adapter struct {
	log        logging.Logger
	client     *httpclient.Client
	binPath    string
	outputDir  string
	persistOut bool
}

// New creates an image-gen Adapter. outputDir is where generated PNGs
// are written; persistOutput controls whether they are kept on disk
// after being returned as base64 or deleted.
func New(log logging.Logger, client *httpclient.Client, outputDir string, persistOutput bool) *Adapter {
	return &Adapter{log: log, client: client, outputDir: outputDir, persistOut: persistOutput}
}

// Name implements the minimal contract ImageGenCapable requires.
func (a *Adapter) Name() string { return Name }

// Install ensures the image-gen CLI is present.
func (a *Adapter) Install(ctx context.Context) error {
	path, err := backend.EnsureExecutable(ctx, a.client, "IMAGEGEN", Name, "default", "sd-cli")
	if err != nil {
		return err
	}
	a.binPath = path
	return nil
}

// GenerateImage implements backend.ImageGenCapable: spawns the CLI with
// a per-request output path, waits for it to exit, and reads the result.
func (a *Adapter) GenerateImage(ctx context.Context, d *catalog.Descriptor, req backend.ImageRequest) (backend.ImageResult, error) {
	if a.binPath == "" {
		if err := a.Install(ctx); err != nil {
			return backend.ImageResult{}, err
		}
	}
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return backend.ImageResult{}, fmt.Errorf("creating image output dir: %w", err)
	}

	outPath := filepath.Join(a.outputDir, fmt.Sprintf("gen-%d.png", time.Now().UnixNano()))

	width, height, steps := req.Width, req.Height, req.Steps
	if width == 0 {
		width = 512
	}
	if height == 0 {
		height = 512
	}
	if steps == 0 {
		steps = 20
	}

	args := []string{
		"--model", d.ResolvedPath,
		"--prompt", req.Prompt,
		"--width", strconv.Itoa(width),
		"--height", strconv.Itoa(height),
		"--steps", strconv.Itoa(steps),
		"--output", outPath,
	}
	if req.CFG > 0 {
		args = append(args, "--cfg-scale", strconv.FormatFloat(req.CFG, 'f', 2, 64))
	}
	if req.Seed != 0 {
		args = append(args, "--seed", strconv.FormatInt(req.Seed, 10))
	}

	h, err := procmanager.Start(procmanager.Config{
		Name:       Name,
		BinaryPath: a.binPath,
		Args:       args,
		Stdout:     a.log.Writer(),
		Stderr:     a.log.Writer(),
		Log:        a.log,
	})
	if err != nil {
		return backend.ImageResult{}, fmt.Errorf("starting image generation: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if err := h.WaitForExit(runCtx); err != nil {
		_ = h.Stop(backend.StopGrace)
		return backend.ImageResult{}, fmt.Errorf("image generation timed out or was cancelled: %w", err)
	}
	if code, ok := h.ExitCode(); ok && code != 0 {
		return backend.ImageResult{}, fmt.Errorf("image generation exited with code %d", code)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return backend.ImageResult{}, fmt.Errorf("reading generated image: %w", err)
	}
	result := backend.ImageResult{B64JSON: base64.StdEncoding.EncodeToString(data)}
	if a.persistOut {
		result.FilePath = outPath
	} else {
		_ = os.Remove(outPath)
	}
	return result, nil
}
