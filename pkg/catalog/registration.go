package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// userModelEntry is the on-disk shape of one row in user_models.json.
type userModelEntry struct {
	Checkpoint string   `json:"checkpoint"`
	Recipe     Recipe   `json:"recipe"`
	Labels     []string `json:"labels,omitempty"`
	MMProj     string   `json:"mmproj,omitempty"`
}

func loadUserModels(path string) (map[string]userModelEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]userModelEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var entries map[string]userModelEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return entries, nil
}

func saveUserModels(path string, entries map[string]userModelEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RegisterUserModel records a user-supplied model in user_models.json. Name
// must begin with "user."; GGUF recipes require a variant in the
// checkpoint. The registration always carries the "custom" label plus any
// requested capability labels.
func (m *Manager) RegisterUserModel(name, checkpoint string, recipe Recipe, labels []string, mmproj string) error {
	if !strings.HasPrefix(name, "user.") {
		return fmt.Errorf("user model name must begin with %q, got %q", "user.", name)
	}
	if recipe == RecipeGGUFRuntime && !strings.Contains(checkpoint, ":") {
		return fmt.Errorf("gguf-runtime user models require a variant in the checkpoint (repo:variant), got %q", checkpoint)
	}

	cleanName := strings.TrimPrefix(name, "user.")

	allLabels := append([]string{"custom"}, labels...)

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := loadUserModels(m.userModelsPath)
	if err != nil {
		return err
	}
	entries[cleanName] = userModelEntry{
		Checkpoint: checkpoint,
		Recipe:     recipe,
		Labels:     allLabels,
		MMProj:     mmproj,
	}
	if err := saveUserModels(m.userModelsPath, entries); err != nil {
		return err
	}
	m.built = false
	return nil
}

// DeregisterUserModel removes a user model's entry from user_models.json.
func (m *Manager) DeregisterUserModel(name string) error {
	cleanName := strings.TrimPrefix(name, "user.")

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := loadUserModels(m.userModelsPath)
	if err != nil {
		return err
	}
	delete(entries, cleanName)
	if err := saveUserModels(m.userModelsPath, entries); err != nil {
		return err
	}
	m.built = false
	return nil
}
