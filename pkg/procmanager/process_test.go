package procmanager

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func TestStartAndWaitForExit(t *testing.T) {
	var out bytes.Buffer
	h, err := Start(Config{
		Name:       "echo",
		BinaryPath: "/bin/echo",
		Args:       []string{"hello"},
		Stdout:     &out,
		Log:        testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.WaitForExit(ctx))

	code, exited := h.ExitCode()
	require.True(t, exited)
	require.Equal(t, 0, code)
	require.Equal(t, "hello\n", out.String())
}

func TestIsRunningTransitionsToFalse(t *testing.T) {
	h, err := Start(Config{
		Name:       "sleep",
		BinaryPath: "/bin/sleep",
		Args:       []string{"0.1"},
		Log:        testLogger(),
	})
	require.NoError(t, err)
	require.True(t, h.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.WaitForExit(ctx))
	require.False(t, h.IsRunning())
}

func TestStopKillsLongRunningProcess(t *testing.T) {
	h, err := Start(Config{
		Name:       "sleep",
		BinaryPath: "/bin/sleep",
		Args:       []string{"30"},
		Log:        testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, h.Stop(200*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.WaitForExit(ctx))
	require.False(t, h.IsRunning())
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort(18000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, 18000)
}

func TestWaitForReadySucceedsWhenCheckPasses(t *testing.T) {
	h, err := Start(Config{
		Name:       "sleep",
		BinaryPath: "/bin/sleep",
		Args:       []string{"5"},
		Log:        testLogger(),
	})
	require.NoError(t, err)
	defer h.Stop(time.Second)

	attempts := 0
	check := func(ctx context.Context) bool {
		attempts++
		return attempts >= 3
	}
	err = WaitForReady(context.Background(), h, check, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitForReadyFailsWhenProcessExits(t *testing.T) {
	h, err := Start(Config{
		Name:       "true",
		BinaryPath: "/bin/sh",
		Args:       []string{"-c", "exit 1"},
		Log:        testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.WaitForExit(ctx)

	err = WaitForReady(context.Background(), h, func(context.Context) bool { return false }, time.Second, 10*time.Millisecond)
	require.Error(t, err)
}

func TestMain(m *testing.M) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
