// Package tts implements the tts backend adapter: a long-running
// text-to-speech server exposing a single synthesize endpoint, spawned
// and health-checked the same way as the other long-running adapters.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
)

// Name is the backend family name.
const Name = "tts"

const readyTimeout = 60 * time.Second

// Adapter runs a text-to-speech server for one voice model.
type Adapter struct {
	backend.Base
	binPath string
}

// New creates a tts Adapter.
func New(log logging.Logger, client *httpclient.Client) *Adapter {
	return &Adapter{Base: backend.NewBase(log, client)}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return Name }

// Install ensures the tts-server binary is present.
func (a *Adapter) Install(ctx context.Context) error {
	path, err := backend.EnsureExecutable(ctx, a.Client, "TTS", Name, "default", "tts-server")
	if err != nil {
		return err
	}
	a.binPath = path
	return nil
}

// Load spawns tts-server against d.ResolvedPath.
func (a *Adapter) Load(ctx context.Context, name string, d *catalog.Descriptor, opts backend.LoadOptions) error {
	if a.binPath == "" {
		if err := a.Install(ctx); err != nil {
			return err
		}
	}

	port, err := procmanager.FindFreePort(9000)
	if err != nil {
		return fmt.Errorf("choosing a port for %s: %w", name, err)
	}

	args := []string{
		"--model", d.ResolvedPath,
		"--port", strconv.Itoa(port),
		"--host", "127.0.0.1",
	}
	args = append(args, opts.ExtraArgs...)

	h, err := procmanager.Start(procmanager.Config{
		Name:       Name,
		BinaryPath: a.binPath,
		Args:       args,
		Stdout:     a.Log.Writer(),
		Stderr:     a.Log.Writer(),
		Log:        a.Log,
	})
	if err != nil {
		return fmt.Errorf("starting tts-server for %s: %w", name, err)
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

type speechRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice,omitempty"`
}

type speechResponse struct {
	AudioB64 string `json:"audio_b64"`
}

// Synthesize implements backend.SpeechCapable.
func (a *Adapter) Synthesize(ctx context.Context, input, voice string) ([]byte, error) {
	reqBody, err := json.Marshal(speechRequest{Input: input, Voice: voice})
	if err != nil {
		return nil, err
	}
	body, err := a.ForwardJSON(ctx, "/v1/audio/speech", reqBody, 0)
	if err != nil {
		return nil, err
	}
	var resp speechResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing speech response: %w", err)
	}
	return base64.StdEncoding.DecodeString(resp.AudioB64)
}
