package catalog

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func writeServerModels(t *testing.T, path string, entries map[string]serverModelEntry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newTestManager(t *testing.T, server map[string]serverModelEntry) *Manager {
	t.Helper()
	dir := t.TempDir()
	serverPath := filepath.Join(dir, "server_models.json")
	writeServerModels(t, serverPath, server)

	return &Manager{
		log:              testLogger(),
		serverModelsPath: serverPath,
		userModelsPath:   filepath.Join(dir, "user_models.json"),
		hubCacheDir:      filepath.Join(dir, "hub"),
	}
}

func TestGetSupportedModelsMergesServerAndUser(t *testing.T) {
	m := newTestManager(t, map[string]serverModelEntry{
		"llama-3.2-1b": {Checkpoint: "meta/llama-3.2-1b:Q4_K_M", Recipe: RecipeGGUFRuntime},
	})
	require.NoError(t, m.RegisterUserModel("user.my-model", "me/custom:Q4_K_M", RecipeGGUFRuntime, []string{"vision"}, ""))

	models, err := m.GetSupportedModels()
	require.NoError(t, err)
	require.Contains(t, models, "llama-3.2-1b")
	require.Contains(t, models, "user.my-model")
	require.Equal(t, SourceLocalUpload, models["user.my-model"].Source)
	require.True(t, models["user.my-model"].HasLabel("custom"))
	require.True(t, models["user.my-model"].HasLabel("vision"))
}

func TestRegisterUserModelRequiresPrefix(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.RegisterUserModel("my-model", "me/custom:Q4_K_M", RecipeGGUFRuntime, nil, "")
	require.Error(t, err)
}

func TestRegisterUserModelGGUFRequiresVariant(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.RegisterUserModel("user.my-model", "me/custom", RecipeGGUFRuntime, nil, "")
	require.Error(t, err)
}

func TestGetModelInfoNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.GetModelInfo("does-not-exist")
	require.Error(t, err)
}

func TestIsModelDownloadedDetectsHubCacheDir(t *testing.T) {
	m := newTestManager(t, map[string]serverModelEntry{
		"llama-3.2-1b": {Checkpoint: "meta/llama-3.2-1b:Q4_K_M", Recipe: RecipeGGUFRuntime},
	})
	snapshotDir := filepath.Join(m.hubCacheDir, "models--meta--llama-3.2-1b")
	require.NoError(t, os.MkdirAll(snapshotDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapshotDir, "llama-3.2-1b-Q4_K_M.gguf"), []byte("x"), 0o644))

	downloaded, err := m.IsModelDownloaded("llama-3.2-1b")
	require.NoError(t, err)
	require.True(t, downloaded)

	d, err := m.GetModelInfo("llama-3.2-1b")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(snapshotDir, "llama-3.2-1b-Q4_K_M.gguf"), d.ResolvedPath)
}

func TestDeregisterUserModelRemovesEntry(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.RegisterUserModel("user.temp", "me/temp:Q4_K_M", RecipeGGUFRuntime, nil, ""))
	models, err := m.GetSupportedModels()
	require.NoError(t, err)
	require.Contains(t, models, "user.temp")

	require.NoError(t, m.DeregisterUserModel("user.temp"))
	models, err = m.GetSupportedModels()
	require.NoError(t, err)
	require.NotContains(t, models, "user.temp")
}

func TestResolveONNXDirFindsNestedGenaiConfig(t *testing.T) {
	m := newTestManager(t, map[string]serverModelEntry{
		"phi-3.5-onnx": {Checkpoint: "microsoft/phi-3.5-onnx:cpu", Recipe: RecipeONNXCPU},
	})
	snapshotDir := filepath.Join(m.hubCacheDir, "models--microsoft--phi-3.5-onnx")
	// Hub-native layout: one execution-provider subdir per variant, each
	// with its own genai_config.json.
	cpuDir := filepath.Join(snapshotDir, "cpu", "phi-3.5-mini-int4")
	gpuDir := filepath.Join(snapshotDir, "gpu", "phi-3.5-mini-fp16")
	for _, dir := range []string{cpuDir, gpuDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "genai_config.json"), []byte("{}"), 0o644))
	}

	d, err := m.GetModelInfo("phi-3.5-onnx")
	require.NoError(t, err)
	require.True(t, d.Downloaded)
	require.Equal(t, cpuDir, d.ResolvedPath)
}

func TestResolveONNXDirFlatLayout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "genai_config.json"), []byte("{}"), 0o644))

	resolved, err := resolveONNXDir(dir, "cpu")
	require.NoError(t, err)
	require.Equal(t, dir, resolved)
}

func TestResolveONNXDirMissingConfigIsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0o644))

	_, err := resolveONNXDir(dir, "")
	require.ErrorContains(t, err, "genai_config.json")
}

func TestFilterByBackend64GBFloor(t *testing.T) {
	build := func() map[string]*Descriptor {
		d := &Descriptor{
			Name:       "scout",
			Checkpoint: repoRequiring64GB + ":Q4_K_M",
			Recipe:     RecipeGGUFRuntime,
			SizeGB:     62,
		}
		d.classify()
		return map[string]*Descriptor{"scout": d}
	}

	// Below the floor the model is dropped.
	small := Availability{TotalRAMBytes: 32 * (1 << 30)}
	require.NotContains(t, filterByBackend(build(), small, testLogger()), "scout")

	// At the floor it stays, even though 62 GB exceeds 80% of 64 GB —
	// the dedicated floor replaces the generic rule for this model.
	big := Availability{TotalRAMBytes: 64 * (1 << 30)}
	require.Contains(t, filterByBackend(build(), big, testLogger()), "scout")
}
