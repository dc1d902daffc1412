package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileInUse marks a deletion failure caused by the model's on-disk
// files still being held open by a process, which callers should retry
// rather than fail outright, per spec.md §7's delete-retry-on-file-in-use
// contract and the SUPPLEMENTED "recognizes both POSIX EBUSY/ETXTBSY and
// the Windows sharing-violation error text" behavior from model_manager.cpp.
var ErrFileInUse = errors.New("model files are in use")

// DeleteModel removes name's on-disk artifacts and, for a local-upload
// model, its registration entry. Callers are responsible for unloading
// any running backend instance first (spec.md §7: "first unload, then
// delete").
func (m *Manager) DeleteModel(name string) error {
	descr, err := m.GetModelInfo(name)
	if err != nil {
		return err
	}

	if target := deletionTarget(descr, m.hubCacheDir); target != "" {
		if err := os.RemoveAll(target); err != nil {
			if isFileInUseErr(err) {
				return fmt.Errorf("%w: %v", ErrFileInUse, err)
			}
			return fmt.Errorf("deleting %s: %w", target, err)
		}
	}

	if descr.Source == SourceLocalUpload {
		if err := m.DeregisterUserModel(name); err != nil {
			return err
		}
	}

	m.Invalidate()
	return nil
}

// deletionTarget computes the path to remove for a descriptor: the
// directory containing ResolvedPath for recipes whose ResolvedPath names
// one file (gguf-runtime, whisper-cpu), or ResolvedPath itself otherwise.
// It returns "" when the model was never downloaded (ResolvedPath empty),
// so nothing is removed for an undownloaded model.
func deletionTarget(descr *Descriptor, hubCacheDir string) string {
	if descr.ResolvedPath == "" {
		return ""
	}
	switch descr.Recipe {
	case RecipeGGUFRuntime, RecipeWhisperCPU:
		return filepath.Dir(descr.ResolvedPath)
	default:
		return descr.ResolvedPath
	}
}

func isFileInUseErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"resource busy", "text file busy", "being used by another process", "device or resource busy"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
