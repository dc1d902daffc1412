// Package pathutil resolves the canonical on-disk locations the gateway
// reads from and writes to: the cache root, the model-hub cache, the
// downloaded-backend-binary directory, and resource files shipped next to
// the executable. Every lookup is a pure function of the environment; the
// package holds no state of its own.
package pathutil

import (
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// EnvCacheDir overrides the gateway's own cache root.
	EnvCacheDir = "LEMONADE_CACHE_DIR"
	// EnvHubCache overrides the model-hub cache directly.
	EnvHubCache = "HF_HUB_CACHE"
	// EnvHubHome is consulted for a hub-cache root if EnvHubCache is unset;
	// the cache is assumed to live at $EnvHubHome/hub.
	EnvHubHome = "HF_HOME"
	// EnvOffline, when "1", disables all network access for downloads.
	EnvOffline = "LEMONADE_OFFLINE"
	// EnvSkipNPUCheck, when "1", bypasses NPU hardware detection.
	EnvSkipNPUCheck = "RYZENAI_SKIP_PROCESSOR_CHECK"
)

// CacheRoot returns the gateway's cache root: $LEMONADE_CACHE_DIR if set,
// otherwise $HOME/.cache/lemonade.
func CacheRoot() (string, error) {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "lemonade"), nil
}

// HubCacheRoot resolves the model-hub cache directory using the documented
// precedence: HF_HUB_CACHE, then $HF_HOME/hub, then $HOME/.cache/huggingface/hub.
func HubCacheRoot() (string, error) {
	if dir := os.Getenv(EnvHubCache); dir != "" {
		return dir, nil
	}
	if home := os.Getenv(EnvHubHome); home != "" {
		return filepath.Join(home, "hub"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "huggingface", "hub"), nil
}

// DownloadedBinDir returns the directory under which backend executables
// are downloaded, namespaced by backend and variant by the caller.
func DownloadedBinDir() (string, error) {
	root, err := CacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "bin"), nil
}

// UserModelsFile returns the path to the JSON file holding user-registered
// model descriptors.
func UserModelsFile() (string, error) {
	root, err := CacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "user_models.json"), nil
}

// HardwareCacheFile returns the path to the cached hardware-detection JSON.
func HardwareCacheFile() (string, error) {
	root, err := CacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "hardware_info.json"), nil
}

// ExecutableDir returns the directory containing the running executable,
// resolving symlinks so resource lookups are stable even when invoked
// through a shim.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Dir(resolved), nil
}

// ResourcePath resolves a path relative to the executable's directory, for
// locating bundled resources such as server_models.json or
// platform_presets.json.
func ResourcePath(relative string) (string, error) {
	dir, err := ExecutableDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, relative), nil
}

// Offline reports whether network downloads are disabled.
func Offline() bool {
	return os.Getenv(EnvOffline) == "1"
}

// SkipNPUCheck reports whether NPU hardware detection should be bypassed.
func SkipNPUCheck() bool {
	return os.Getenv(EnvSkipNPUCheck) == "1"
}

// BackendBinOverride returns the developer-local override path for a given
// backend (e.g. LEMONADE_GGUF_BIN), or "" if unset.
func BackendBinOverride(backendEnvName string) string {
	return os.Getenv("LEMONADE_" + backendEnvName + "_BIN")
}

// FindHubCLI searches PATH for the named third-party hub CLI, then falls
// back to the downloaded-binaries directory.
func FindHubCLI(name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	binDir, err := DownloadedBinDir()
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(binDir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", os.ErrNotExist
}
