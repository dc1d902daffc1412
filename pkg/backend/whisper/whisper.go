// Package whisper implements the whisper-cpu backend adapter: a
// whisper.cpp-server-style binary that accepts multipart audio uploads
// and returns a transcript, grounded on the same spawn/readiness
// machinery as the gguf adapter.
package whisper

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
const Name = "whisper-cpu"

const readyTimeout = 60 * time.Second

// Adapter runs a whisper.cpp-server-style binary for one model.
type Adapter struct {
	backend.Base
	binPath string
}

// New creates a whisper-cpu Adapter.
func New(log logging.Logger, client *httpclient.Client) *Adapter {
	return &Adapter{Base: backend.NewBase(log, client)}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return Name }

// Install ensures the whisper-server binary is present.
func (a *Adapter) Install(ctx context.Context) error {
	path, err := backend.EnsureExecutable(ctx, a.Client, "WHISPER", Name, "default", "whisper-server")
	if err != nil {
		return err
	}
	a.binPath = path
	return nil
}

// Load spawns whisper-server against d.ResolvedPath (the first .bin
// model file).
func (a *Adapter) Load(ctx context.Context, name string, d *catalog.Descriptor, opts backend.LoadOptions) error {
	if a.binPath == "" {
		if err := a.Install(ctx); err != nil {
			return err
		}
	}

	port, err := procmanager.FindFreePort(8900)
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
		return fmt.Errorf("starting whisper-server for %s: %w", name, err)
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

// transcriptionResponse mirrors whisper.cpp server's JSON response
// shape; it is a superset so either default or verbose_json formats
// parse without error.
type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe implements backend.TranscriptionCapable, posting the audio
// as multipart form data (file + optional language/prompt fields) and
// returning the plain-text transcript.
func (a *Adapter) Transcribe(ctx context.Context, audio []byte, filename, language, prompt string) (string, error) {
	fields := []backend.MultipartField{
		{Name: "file", Filename: filename, Base64Data: base64.StdEncoding.EncodeToString(audio)},
		{Name: "response_format", Value: "json"},
	}
	if language != "" {
		fields = append(fields, backend.MultipartField{Name: "language", Value: language})
	}
	if prompt != "" {
		fields = append(fields, backend.MultipartField{Name: "prompt", Value: prompt})
	}

	body, err := a.ForwardMultipart(ctx, "/inference", fields, 0)
	if err != nil {
		return "", err
	}
	var resp transcriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing transcription response: %w", err)
	}
	return resp.Text, nil
}
