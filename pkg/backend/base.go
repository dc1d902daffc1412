package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
	"github.com/lemonade-run/gateway/pkg/telemetry"
)

// StopGrace is how long Base.stopProcess waits for a graceful exit
// before escalating to a forceful kill of the process group.
const StopGrace = 5 * time.Second

// Base holds the plumbing shared by every process-spawning adapter: the
// child handle, its assigned host/port, the telemetry sink the streaming
// proxy writes into, and the HTTP client used to forward requests and
// poll readiness. Concrete adapters (gguf, onnx, whisper, tts,
// dockergpu) embed Base and fill in their own Install/Load.
type Base struct {
	Log    logging.Logger
	Client *httpclient.Client
	sink   *telemetry.Sink

	proc *procmanager.Handle
	host string
	port int
}

// NewBase creates a Base with a fresh telemetry sink.
func NewBase(log logging.Logger, client *httpclient.Client) Base {
	return Base{Log: log, Client: client, sink: telemetry.NewSink()}
}

// Endpoint returns the base URL requests should be forwarded to.
func (b *Base) Endpoint() string {
	host := b.host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, b.port)
}

// IsRunning reports whether the spawned child process is still alive.
func (b *Base) IsRunning() bool {
	return b.proc != nil && b.proc.IsRunning()
}

// Telemetry returns this instance's telemetry sink.
func (b *Base) Telemetry() *telemetry.Sink {
	if b.sink == nil {
		b.sink = telemetry.NewSink()
	}
	return b.sink
}

// AttachProcess records the spawned handle and the port it is listening
// on, called by a concrete adapter right after procmanager.Start.
func (b *Base) AttachProcess(h *procmanager.Handle, port int) {
	b.proc = h
	b.port = port
}

// SetHost overrides the default 127.0.0.1, used by the docker-gpu
// variant when the container's published address differs.
func (b *Base) SetHost(host string) {
	b.host = host
}

// Process returns the spawned child handle, or nil if none has been
// attached (or one is attached but for an image-gen-style one-shot
// adapter that never keeps a long-running server).
func (b *Base) Process() *procmanager.Handle {
	return b.proc
}

// StopProcess terminates the spawned child, if any, and clears the sink
// so a subsequent Load on the same adapter instance starts clean.
func (b *Base) StopProcess(ctx context.Context) error {
	if b.proc == nil {
		return nil
	}
	err := b.proc.Stop(StopGrace)
	b.proc = nil
	b.sink.Reset()
	return err
}

// WaitReady polls path on Endpoint() until it returns 200, dying early
// with a descriptive error if the child process exits first.
func (b *Base) WaitReady(ctx context.Context, path string, timeout time.Duration) error {
	url := b.Endpoint() + path
	check := func(ctx context.Context) bool {
		return b.Client.IsReachable(ctx, url, 2*time.Second)
	}
	return procmanager.WaitForReady(ctx, b.proc, check, timeout, 250*time.Millisecond)
}
