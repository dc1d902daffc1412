package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lemonade-run/gateway/pkg/catalog"
)

// Preset is one entry of the bundled platform_presets.json resource: a
// predicate over available backend recipes, the LLM to use as the
// orchestrator, and the model assigned to each tool's endpoint.
//
// Match generalizes the original implementation's
// {"llamacpp_backend": "cpu"}-style per-variant predicate (which assumed
// a single multi-variant llama.cpp binary) into one keyed by this
// gateway's own recipe names, since each recipe here is already its own
// adapter package rather than a single binary with build-time variants:
// a preset matches only if every recipe it names is present among the
// host's available descriptors.
type Preset struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Match             map[string]string `json:"match"`
	OrchestratorModel string            `json:"orchestrator_model"`
	EndpointModels    map[string]string `json:"endpoint_models"`
}

type presetsFile struct {
	Presets []Preset `json:"presets"`
}

func loadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading platform presets: %w", err)
	}
	var pf presetsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing platform presets: %w", err)
	}
	return pf.Presets, nil
}

// availableRecipes is the set of recipe families with at least one
// catalog descriptor the host can actually run (the catalog has already
// applied its own availability filter by the time GetSupportedModels
// returns).
func availableRecipes(cat *catalog.Manager) (map[string]bool, error) {
	models, err := cat.GetSupportedModels()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, d := range models {
		out[string(d.Recipe)] = true
	}
	return out, nil
}

// matches reports whether every recipe named in p.Match is present in
// available, returning the specific matched predicate for diagnostics
// (the first one checked) per SPEC_FULL's "preset override diagnostics"
// supplement.
func (p Preset) matches(available map[string]bool) (bool, string) {
	for recipe := range p.Match {
		if !available[recipe] {
			return false, ""
		}
	}
	for recipe := range p.Match {
		return true, recipe
	}
	return true, "always"
}

// resolvePreset walks presets in order and returns the first whose every
// matched recipe is available, plus the specific predicate key that
// clinched the match (for diagnostics).
func resolvePreset(presets []Preset, available map[string]bool) (Preset, string, bool) {
	for _, p := range presets {
		if ok, matchedOn := p.matches(available); ok {
			return p, matchedOn, true
		}
	}
	return Preset{}, "", false
}

// findPreset looks up a preset by name, used for the request-level
// "preset" override.
func findPreset(presets []Preset, name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
