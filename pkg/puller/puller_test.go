package puller

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/fetcher"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

// newTestPuller builds a catalog with one gguf model, optionally already
// present in the hub cache, and a Puller over it.
func newTestPuller(t *testing.T, downloaded bool) (*Puller, *catalog.Manager) {
	t.Helper()
	dir := t.TempDir()
	hubDir := filepath.Join(dir, "hub")
	t.Setenv("LEMONADE_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("HF_HUB_CACHE", hubDir)

	serverPath := filepath.Join(dir, "server_models.json")
	entries := map[string]map[string]any{
		"tiny": {"checkpoint": "me/tiny:model.gguf", "recipe": "gguf-runtime"},
	}
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(serverPath, data, 0o644))

	if downloaded {
		snapshot := filepath.Join(hubDir, "models--me--tiny")
		require.NoError(t, os.MkdirAll(snapshot, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(snapshot, "model.gguf"), []byte("gguf"), 0o644))
	}

	log := testLogger()
	cat, err := catalog.NewManager(log, serverPath)
	require.NoError(t, err)

	client := httpclient.New(log, nil, "test")
	hub := fetcher.New(log, client)
	cli := fetcher.NewCLI(log)
	return New(log, cat, hub, cli, ""), cat
}

func TestPullDoNotUpgradeIsNoopWhenDownloaded(t *testing.T) {
	p, _ := newTestPuller(t, true)

	var events []fetcher.Progress
	err := p.Pull(context.Background(), "tiny", Options{DoNotUpgrade: true}, func(pr fetcher.Progress) bool {
		events = append(events, pr)
		return true
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Complete)
	require.Equal(t, 100, events[0].Percent)
}

func TestPullOfflineWithDownloadedModelSucceeds(t *testing.T) {
	p, _ := newTestPuller(t, true)
	t.Setenv("LEMONADE_OFFLINE", "1")

	require.NoError(t, p.Pull(context.Background(), "tiny", Options{}, nil))
}

func TestPullOfflineWithoutFilesFails(t *testing.T) {
	p, _ := newTestPuller(t, false)
	t.Setenv("LEMONADE_OFFLINE", "1")

	err := p.Pull(context.Background(), "tiny", Options{}, nil)
	require.ErrorContains(t, err, "LEMONADE_OFFLINE")
}

func TestPullUnknownModel(t *testing.T) {
	p, _ := newTestPuller(t, false)
	err := p.Pull(context.Background(), "ghost", Options{}, nil)
	require.ErrorContains(t, err, "unknown model")
}

func TestManifestSidecarLifecycle(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, writeManifest(dir, "tiny"))
	manifestPath := filepath.Join(dir, manifestName)

	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var m manifest
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, "tiny", m.Model)
	require.False(t, m.StartedAt.IsZero())

	clearManifest(dir)
	_, err = os.Stat(manifestPath)
	require.True(t, os.IsNotExist(err))
}

func TestSplitCheckpoint(t *testing.T) {
	repo, variant, ok := splitCheckpoint("org/repo:Q4_K_M")
	require.True(t, ok)
	require.Equal(t, "org/repo", repo)
	require.Equal(t, "Q4_K_M", variant)

	repo, variant, ok = splitCheckpoint("org/repo")
	require.False(t, ok)
	require.Equal(t, "org/repo", repo)
	require.Empty(t, variant)
}
