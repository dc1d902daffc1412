package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

const presetsFixture = `{
  "presets": [
    {
      "name": "npu-first",
      "description": "NPU machines",
      "match": {"onnx-npu": "required", "gguf-runtime": "required"},
      "orchestrator_model": "big-llm",
      "endpoint_models": {"transcription": "whisper", "embeddings": "embedder"}
    },
    {
      "name": "cpu-fallback",
      "description": "Everything else",
      "match": {"gguf-runtime": "required"},
      "orchestrator_model": "small-llm",
      "endpoint_models": {"embeddings": "embedder"}
    }
  ]
}`

func writePresets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform_presets.json")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPresetsParsesOrderedList(t *testing.T) {
	presets, err := loadPresets(writePresets(t, presetsFixture))
	assert.NilError(t, err)
	assert.Equal(t, 2, len(presets))

	want := Preset{
		Name:              "cpu-fallback",
		Description:       "Everything else",
		Match:             map[string]string{"gguf-runtime": "required"},
		OrchestratorModel: "small-llm",
		EndpointModels:    map[string]string{"embeddings": "embedder"},
	}
	assert.DeepEqual(t, want, presets[1], cmp.AllowUnexported())
}

func TestLoadPresetsMissingFile(t *testing.T) {
	_, err := loadPresets(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "reading platform presets")
}

func TestResolvePresetFirstHitWins(t *testing.T) {
	presets, err := loadPresets(writePresets(t, presetsFixture))
	assert.NilError(t, err)

	// Every recipe available: the NPU preset is listed first and wins.
	preset, matchedOn, ok := resolvePreset(presets, map[string]bool{
		"onnx-npu": true, "gguf-runtime": true,
	})
	assert.Assert(t, ok)
	assert.Equal(t, "npu-first", preset.Name)
	assert.Assert(t, matchedOn != "")

	// Without the NPU recipe the walk falls through to the fallback.
	preset, _, ok = resolvePreset(presets, map[string]bool{"gguf-runtime": true})
	assert.Assert(t, ok)
	assert.Equal(t, "cpu-fallback", preset.Name)

	// No recipe at all: nothing matches.
	_, _, ok = resolvePreset(presets, nil)
	assert.Assert(t, !ok)
}

func TestFindPresetByName(t *testing.T) {
	presets, err := loadPresets(writePresets(t, presetsFixture))
	assert.NilError(t, err)

	p, ok := findPreset(presets, "cpu-fallback")
	assert.Assert(t, ok)
	assert.Equal(t, "small-llm", p.OrchestratorModel)

	_, ok = findPreset(presets, "nonexistent")
	assert.Assert(t, !ok)
}
