// Package onnx implements the onnx-{cpu,npu,hybrid} backend family: a
// single ONNX Runtime GenAI server binary whose invocation differs only
// by which compute provider flag is passed, grounded on the same
// spawn/readiness shape as the gguf adapter but resolving a snapshot
// directory (genai_config.json's parent) instead of a single file, per
// spec.md §4.4's onnx resolution rule.
package onnx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
)

const readyTimeout = 180 * time.Second

// Device selects which ONNX Runtime execution provider flag Load passes.
type Device string

const (
	DeviceCPU    Device = "cpu"
	DeviceNPU    Device = "npu"
	DeviceHybrid Device = "hybrid"
)

// Adapter runs the shared ONNX Runtime GenAI server for one of the three
// onnx-family recipes, distinguished only by Device.
type Adapter struct {
	backend.Base
	device  Device
	binPath string
}

// New creates an onnx Adapter for the given execution provider.
func New(log logging.Logger, client *httpclient.Client, device Device) *Adapter {
	return &Adapter{Base: backend.NewBase(log, client), device: device}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return "onnx-" + string(a.device) }

// CompletionPath implements backend.CompletionCapable.
func (a *Adapter) CompletionPath() string { return "/v1/chat/completions" }

// ResponsesPath implements backend.ResponsesCapable; the ONNX Runtime
// GenAI server is the only backend family that serves the Responses API
// natively.
func (a *Adapter) ResponsesPath() string { return "/v1/responses" }

// Install ensures the onnx-runtime server binary for this device is
// present.
func (a *Adapter) Install(ctx context.Context) error {
	envName := "ONNX_" + ascii(a.device)
	path, err := backend.EnsureExecutable(ctx, a.Client, envName, "onnx-runtime", string(a.device), "onnxruntime-genai-server")
	if err != nil {
		return err
	}
	a.binPath = path
	return nil
}

func ascii(d Device) string {
	switch d {
	case DeviceNPU:
		return "NPU"
	case DeviceHybrid:
		return "HYBRID"
	default:
		return "CPU"
	}
}

// Load spawns the server against d.ResolvedPath (the snapshot directory
// containing genai_config.json) on a free port.
func (a *Adapter) Load(ctx context.Context, name string, d *catalog.Descriptor, opts backend.LoadOptions) error {
	if a.binPath == "" {
		if err := a.Install(ctx); err != nil {
			return err
		}
	}

	port, err := procmanager.FindFreePort(8800)
	if err != nil {
		return fmt.Errorf("choosing a port for %s: %w", name, err)
	}

	args := []string{
		"--model_path", d.ResolvedPath,
		"--port", strconv.Itoa(port),
		"--execution_provider", string(a.device),
	}
	args = append(args, opts.ExtraArgs...)

	h, err := procmanager.Start(procmanager.Config{
		Name:       a.Name(),
		BinaryPath: a.binPath,
		Args:       args,
		Stdout:     a.Log.Writer(),
		Stderr:     a.Log.Writer(),
		Log:        a.Log,
	})
	if err != nil {
		return fmt.Errorf("starting %s for %s: %w", a.Name(), name, err)
	}
	a.AttachProcess(h, port)

	// NPU/hybrid engines can take minutes to warm up their compiled
	// graph cache on first load of a given model.
	if err := a.WaitReady(ctx, "/v1/models", readyTimeout); err != nil {
		_ = h.Stop(backend.StopGrace)
		return fmt.Errorf("%s did not become ready: %w", name, err)
	}
	return nil
}

// Unload implements backend.Adapter.
func (a *Adapter) Unload(ctx context.Context) error {
	return a.StopProcess(ctx)
}
