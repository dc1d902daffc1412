// Package procmanager starts, supervises, and tears down the backend
// subprocesses the router spawns to serve a loaded model: llama.cpp-style
// servers, ONNX runtimes, and per-request CLI tools. It wraps os/exec with
// the platform process-group semantics needed to kill a whole subprocess
// tree, not just the direct child, and with the poll-until-ready handshake
// the gateway uses before routing traffic to a freshly started backend.
package procmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/lemonade-run/gateway/pkg/logging"
)

// Config describes a subprocess to start.
type Config struct {
	// Name identifies the process in logs (e.g. "llama.cpp", "onnx-npu").
	Name string
	// BinaryPath is the executable to run.
	BinaryPath string
	Args       []string
	Dir        string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
	Log        logging.Logger
}

// Handle supervises one running subprocess.
type Handle struct {
	name     string
	cmd      *exec.Cmd
	log      logging.Logger
	platform platformState

	mu       sync.Mutex
	exited   bool
	exitCode int
	waitErr  error
	waitCh   chan struct{}
}

// Start launches the configured process and begins tracking its exit in
// the background so IsRunning and ExitCode never block.
func Start(cfg Config) (*Handle, error) {
	cmd := exec.Command(cfg.BinaryPath, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	setPlatformAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Name, err)
	}

	h := &Handle{
		name:   cfg.Name,
		cmd:    cmd,
		log:    cfg.Log,
		waitCh: make(chan struct{}),
	}
	if err := h.platform.afterStart(cmd); err != nil {
		cfg.Log.Warnf("%s: process-group setup failed, kill will only reach the direct child: %v", cfg.Name, err)
	}
	go h.supervise()
	return h, nil
}

func (h *Handle) supervise() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.waitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()
	close(h.waitCh)
}

// Pid returns the supervised process's PID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// IsRunning reports whether the process has not yet exited.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// ExitCode returns the process's exit code and whether it has exited.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// WaitForExit blocks until the process exits or ctx is canceled. It
// returns ctx's error on cancellation; a non-zero exit status or a
// terminating signal is not an error here and is reported by ExitCode.
func (h *Handle) WaitForExit(ctx context.Context) error {
	select {
	case <-h.waitCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		var exitErr *exec.ExitError
		if errors.As(h.waitErr, &exitErr) {
			return nil
		}
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop sends a graceful termination signal and escalates to a forceful
// kill of the entire process group/job if the process has not exited
// within grace. It returns once the process has exited or the kill itself
// failed.
func (h *Handle) Stop(grace time.Duration) error {
	if !h.IsRunning() {
		return nil
	}
	if err := terminateGracefully(h.cmd); err != nil {
		h.log.Warnf("%s: graceful termination failed, killing: %v", h.name, err)
	} else {
		select {
		case <-h.waitCh:
			return nil
		case <-time.After(grace):
			h.log.Warnf("%s: did not exit within %s, killing process group", h.name, grace)
		}
	}
	if err := h.platform.kill(h.cmd); err != nil {
		return err
	}
	<-h.waitCh
	return nil
}

// FindFreePort scans upward from start for the first TCP port the process
// can bind, mirroring the original implementation's port-chooser for
// backend servers that must not collide with each other.
func FindFreePort(start int) (int, error) {
	for port := start; port < start+1000; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port found starting at %d", start)
}

// ReadyCheck reports whether the backend at the given URL is reachable.
type ReadyCheck func(ctx context.Context) bool

// WaitForReady polls check every pollInterval until it succeeds, the
// process dies, or timeout elapses.
func WaitForReady(ctx context.Context, h *Handle, check ReadyCheck, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !h.IsRunning() {
			code, _ := h.ExitCode()
			return fmt.Errorf("%s exited before becoming ready (exit code %d)", h.name, code)
		}
		if check(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("%s did not become ready within %s", h.name, timeout)
}
