// Package dockergpu implements the docker-gpu backend: an externally
// packaged, container-hosted inference engine started and stopped
// through the docker CLI rather than a direct containerd/OCI client,
// grounded on the teacher's nim adapter
// (pkg/inference/backends/nim/nim.go) — an external, container-hosted
// engine reached over HTTP with its own long readiness timeout —
// generalized from nim's "assume already running" placeholder to
// actually driving `docker run`/`docker stop`/`docker rm`.
package dockergpu

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mattn/go-shellwords"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
)

// Name is the backend family name.
const Name = "docker-gpu"

const readyTimeout = 5 * time.Minute

// Adapter drives a GPU-accelerated inference container through the
// docker CLI. Unlike the other adapters it has no local child process
// to supervise directly; the container itself is the "process", tracked
// by name so Unload can stop and remove it even across a gateway
// restart.
type Adapter struct {
	backend.Base
	client      *httpclient.Client
	image       string
	extraArgs   string
	container   string
	memoryLimit string
}

// New creates a docker-gpu Adapter. image is the container image
// reference to run (e.g. from the catalog descriptor's recipe metadata);
// extraArgs is a shell-style string of additional `docker run` flags
// (e.g. "--gpus all --device /dev/kfd"), split with go-shellwords so
// users can configure it as one environment variable.
func New(log logging.Logger, client *httpclient.Client, image, extraArgs string) *Adapter {
	return &Adapter{Base: backend.NewBase(log, client), client: client, image: image, extraArgs: extraArgs}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return Name }

// CompletionPath implements backend.CompletionCapable.
func (a *Adapter) CompletionPath() string { return "/v1/chat/completions" }

// Install verifies the docker CLI is reachable and pulls the configured
// image, so the first real Load is not also a slow first-pull.
func (a *Adapter) Install(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker-gpu backend requires the docker CLI on PATH: %w", err)
	}
	if a.image == "" {
		return fmt.Errorf("docker-gpu backend has no configured container image")
	}
	cmd := exec.CommandContext(ctx, "docker", "pull", a.image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling %s: %w: %s", a.image, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Load starts the container bound to a free host port, with the model
// checkpoint directory bind-mounted read-only, and waits for the
// container's OpenAI-compatible endpoint to answer /v1/models.
func (a *Adapter) Load(ctx context.Context, name string, d *catalog.Descriptor, opts backend.LoadOptions) error {
	port, err := procmanager.FindFreePort(9100)
	if err != nil {
		return fmt.Errorf("choosing a port for %s: %w", name, err)
	}

	containerName := fmt.Sprintf("gateway-docker-gpu-%d", port)

	args := []string{
		"run", "--rm", "-d",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:8000", port),
		"-v", fmt.Sprintf("%s:/models/model:ro", d.ResolvedPath),
	}
	if a.memoryLimit != "" {
		args = append(args, "--memory", a.memoryLimit)
	}
	if a.extraArgs != "" {
		extra, err := shellwords.Parse(a.extraArgs)
		if err != nil {
			return fmt.Errorf("parsing docker-gpu extra args %q: %w", a.extraArgs, err)
		}
		args = append(args, extra...)
	}
	args = append(args, a.image)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("starting container for %s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	a.container = containerName
	a.SetHost("127.0.0.1")
	a.AttachProcess(nil, port)

	if err := a.waitContainerReady(ctx); err != nil {
		a.forceRemove(context.Background())
		a.container = ""
		return fmt.Errorf("%s did not become ready: %w", name, err)
	}
	return nil
}

func (a *Adapter) waitContainerReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		if !a.containerRunning(ctx) {
			return fmt.Errorf("container %s exited before becoming ready", a.container)
		}
		if a.client.IsReachable(ctx, a.Endpoint()+"/v1/models", 2*time.Second) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("timed out waiting for container %s", a.container)
}

func (a *Adapter) containerRunning(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", a.container)
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// IsRunning reports whether the backing container is still running,
// overriding Base.IsRunning since this adapter never attaches a
// procmanager.Handle — the container is supervised by the docker
// daemon, not by this process.
func (a *Adapter) IsRunning() bool {
	if a.container == "" {
		return false
	}
	return a.containerRunning(context.Background())
}

// Unload stops and force-removes the container.
func (a *Adapter) Unload(ctx context.Context) error {
	if a.container == "" {
		return nil
	}
	a.forceRemove(ctx)
	a.container = ""
	a.AttachProcess(nil, 0)
	return nil
}

func (a *Adapter) forceRemove(ctx context.Context) {
	stopCmd := exec.CommandContext(ctx, "docker", "stop", "-t", "10", a.container)
	_ = stopCmd.Run()
	rmCmd := exec.CommandContext(ctx, "docker", "rm", "-f", a.container)
	_ = rmCmd.Run()
}

// MemoryLimitString renders a byte quantity (e.g. from hardware
// inventory) as a docker --memory value using the same human-readable
// unit formatting the catalog uses for model sizes.
func MemoryLimitString(byteCount int64) string {
	return units.BytesSize(float64(byteCount))
}

// SetMemoryLimit configures the --memory flag passed to `docker run`.
func (a *Adapter) SetMemoryLimit(bytesLimit int64) {
	a.memoryLimit = strconv.FormatInt(bytesLimit, 10)
}
