package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/pathutil"
)

// VersionManifest is the bundled resource (version_manifest.json)
// pinning each backend family to a specific release and download URL per
// OS/arch, mirroring how the original implementation pins its vendored
// llama.cpp/whisper.cpp/stable-diffusion.cpp builds.
type VersionManifest struct {
	Backends map[string]BackendVersion `json:"backends"`
}

// BackendVersion is one backend family's pinned release.
type BackendVersion struct {
	Version string            `json:"version"`
	URLs    map[string]string `json:"urls"` // "{GOOS}-{GOARCH}" -> direct binary URL
}

// LoadVersionManifest reads the bundled version-manifest resource.
func LoadVersionManifest() (*VersionManifest, error) {
	path, err := pathutil.ResourcePath("version_manifest.json")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading version manifest: %w", err)
	}
	var m VersionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing version manifest: %w", err)
	}
	return &m, nil
}

// EnsureExecutable resolves the executable for a backend family+variant,
// in priority order: a developer-local LEMONADE_<ENVNAME>_BIN override,
// an already-downloaded binary under the cache's bin dir, or — failing
// both — a fresh download pinned to the version-manifest's URL for this
// OS/arch. binName is the filename within the per-variant bin directory
// (".exe" is appended automatically on Windows if not already present).
func EnsureExecutable(ctx context.Context, client *httpclient.Client, envName, backendFamily, variant, binName string) (string, error) {
	if override := pathutil.BackendBinOverride(envName); override != "" {
		return override, nil
	}

	if runtime.GOOS == "windows" && filepath.Ext(binName) == "" {
		binName += ".exe"
	}

	binDir, err := pathutil.DownloadedBinDir()
	if err != nil {
		return "", err
	}
	dest := filepath.Join(binDir, backendFamily, variant, binName)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if pathutil.Offline() {
		return "", fmt.Errorf("%s not installed and LEMONADE_OFFLINE=1 forbids downloading it", backendFamily)
	}

	manifest, err := LoadVersionManifest()
	if err != nil {
		return "", fmt.Errorf("resolving %s download: %w", backendFamily, err)
	}
	bv, ok := manifest.Backends[backendFamily]
	if !ok {
		return "", fmt.Errorf("no pinned version for backend %q", backendFamily)
	}
	key := runtime.GOOS + "-" + runtime.GOARCH
	url, ok := bv.URLs[key]
	if !ok {
		return "", fmt.Errorf("backend %q has no build for %s", backendFamily, key)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	result := client.Download(ctx, url, dest, nil, nil, httpclient.DownloadOptions{ResumePartial: true})
	if !result.Success {
		return "", fmt.Errorf("downloading %s %s: %w", backendFamily, bv.Version, result.Err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(dest, 0o755); err != nil {
			return "", fmt.Errorf("making %s executable: %w", dest, err)
		}
	}
	return dest, nil
}
