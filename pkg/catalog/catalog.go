package catalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/pathutil"
)

// serverModelEntry is the on-disk shape of one row in the bundled
// server_models.json resource.
type serverModelEntry struct {
	Checkpoint string   `json:"checkpoint"`
	Recipe     Recipe   `json:"recipe"`
	Labels     []string `json:"labels,omitempty"`
	SizeGB     float64  `json:"size_gb,omitempty"`
	Suggested  bool     `json:"suggested,omitempty"`
	MMProj     string   `json:"mmproj,omitempty"`
}

// Manager owns the process-wide model catalog: the bundled server catalog
// merged with user registrations, filtered by backend availability, and
// annotated with on-disk presence. It is built lazily on first read and
// invalidated whenever a registration or download mutates state.
type Manager struct {
	log              logging.Logger
	serverModelsPath string
	userModelsPath   string
	hubCacheDir      string

	mu     sync.Mutex
	built  bool
	models map[string]*Descriptor
}

// NewManager creates a catalog Manager. serverModelsResource is the path
// to the bundled server_models.json (typically resolved via
// pathutil.ResourcePath).
func NewManager(log logging.Logger, serverModelsResource string) (*Manager, error) {
	userModelsPath, err := pathutil.UserModelsFile()
	if err != nil {
		return nil, err
	}
	hubCacheDir, err := pathutil.HubCacheRoot()
	if err != nil {
		return nil, err
	}
	return &Manager{
		log:              log,
		serverModelsPath: serverModelsResource,
		userModelsPath:   userModelsPath,
		hubCacheDir:      hubCacheDir,
	}, nil
}

// Invalidate forces the next read to rebuild the catalog from disk. Used
// after a download or delete changes which models are present.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.built = false
}

func (m *Manager) ensureBuilt() error {
	if m.built {
		return nil
	}

	server, err := loadServerModels(m.serverModelsPath)
	if err != nil {
		return fmt.Errorf("loading server model catalog: %w", err)
	}
	user, err := loadUserModels(m.userModelsPath)
	if err != nil {
		return fmt.Errorf("loading user model registrations: %w", err)
	}

	models := make(map[string]*Descriptor, len(server)+len(user))
	for name, entry := range server {
		d := &Descriptor{
			Name:       name,
			Checkpoint: entry.Checkpoint,
			Recipe:     entry.Recipe,
			MMProj:     entry.MMProj,
			Labels:     entry.Labels,
			SizeGB:     entry.SizeGB,
			Suggested:  entry.Suggested,
			Source:     SourceCatalog,
		}
		d.classify()
		models[name] = d
	}
	for name, entry := range user {
		fullName := "user." + name
		source := SourceLocalUpload
		if filepath.IsAbs(entry.Checkpoint) {
			source = SourceLocalPath
		}
		d := &Descriptor{
			Name:       fullName,
			Checkpoint: entry.Checkpoint,
			Recipe:     entry.Recipe,
			MMProj:     entry.MMProj,
			Labels:     entry.Labels,
			Source:     source,
		}
		d.classify()
		models[fullName] = d
	}

	availability := DetectAvailability(m.log)
	models = filterByBackend(models, availability, m.log)

	annotateDownloaded(models, m.hubCacheDir)

	m.models = models
	m.built = true
	return nil
}

func loadServerModels(path string) (map[string]serverModelEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string]serverModelEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// hfCacheDirName converts a hub repo id into its cache directory name:
// "models--" followed by the repo id with "/" replaced by "--".
func hfCacheDirName(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

// downloadManifestName is the sidecar pkg/puller writes while a pull is
// in flight; its presence means the snapshot is incomplete even if some
// files already landed on disk, per spec.md §4.4's downloaded-check.
const downloadManifestName = ".download_manifest.json"

// annotateDownloaded fills in Downloaded/ResolvedPath for every
// descriptor, dispatching to the resolution rule spec.md §4.4 assigns to
// each source: a catalog (hub) checkpoint resolves through the
// "models--org--repo" hub cache convention, a local-upload checkpoint is
// a path relative to the hub cache with no hub-naming transform, and a
// local-path checkpoint is used verbatim.
func annotateDownloaded(models map[string]*Descriptor, hubCacheDir string) {
	for _, d := range models {
		if IsCLIManaged(d) {
			if cliListed(d.Checkpoint) {
				d.Downloaded = true
				d.ResolvedPath = d.Checkpoint
			}
			continue
		}
		switch d.Source {
		case SourceLocalPath:
			resolveLocalPath(d)
		case SourceLocalUpload:
			repo, variant, _ := strings.Cut(d.Checkpoint, ":")
			dir := filepath.Join(hubCacheDir, filepath.FromSlash(repo))
			markIfPresent(d, dir, variant)
			if !d.Downloaded {
				// A user registration naming a hub repo lands under the
				// hub's own "models--org--repo" layout once pulled.
				markIfPresent(d, filepath.Join(hubCacheDir, hfCacheDirName(repo)), variant)
			}
		default:
			repo, variant, _ := strings.Cut(d.Checkpoint, ":")
			dir := filepath.Join(hubCacheDir, hfCacheDirName(repo))
			markIfPresent(d, dir, variant)
		}
	}
}

// resolveLocalPath handles the local-path source: the checkpoint is used
// verbatim, as either a single model file or a snapshot directory.
func resolveLocalPath(d *Descriptor) {
	fi, err := os.Stat(d.Checkpoint)
	if err != nil {
		return
	}
	if !fi.IsDir() {
		if isDownloadBlocked(filepath.Dir(d.Checkpoint)) {
			return
		}
		d.Downloaded = true
		d.ResolvedPath = d.Checkpoint
		return
	}
	markIfPresent(d, d.Checkpoint, "")
}

// markIfPresent marks d downloaded and resolves its on-disk file if dir
// exists, is a real snapshot directory, and isn't mid-download.
func markIfPresent(d *Descriptor, dir, variant string) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return
	}
	if isDownloadBlocked(dir) {
		return
	}
	resolved, err := resolveFileInSnapshot(d, dir, variant)
	if err != nil {
		return
	}
	d.Downloaded = true
	d.ResolvedPath = resolved
}

// resolveFileInSnapshot applies the recipe-specific file-selection rule
// within an already-confirmed-present snapshot directory.
func resolveFileInSnapshot(d *Descriptor, dir, variant string) (string, error) {
	switch d.Recipe {
	case RecipeGGUFRuntime:
		return SelectGGUFFile(dir, variant)
	case RecipeWhisperCPU:
		return SelectWhisperFile(dir, variant)
	case RecipeONNXCPU, RecipeONNXNPU, RecipeONNXHybrid:
		return resolveONNXDir(dir, variant)
	default:
		// image-gen/tts/docker-gpu have no file-selection rule of their
		// own; the backend consumes the snapshot directory.
		return dir, nil
	}
}

// resolveONNXDir resolves an onnx-family model to the parent directory
// of its genai_config.json, searching the snapshot recursively. Hub
// repos ship one execution-provider subdirectory per variant, each with
// its own genai_config.json; a path containing a segment matching the
// variant wins, otherwise the first match in sorted order does. Flat
// layouts (genai_config.json at the snapshot root) resolve to the root.
func resolveONNXDir(dir, variant string) (string, error) {
	var matches []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && entry.Name() == "genai_config.json" {
			matches = append(matches, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no genai_config.json found under %s", dir)
	}
	sort.Strings(matches)
	if variant != "" {
		for _, m := range matches {
			if pathHasSegment(m, variant) {
				return m, nil
			}
		}
	}
	return matches[0], nil
}

// pathHasSegment reports whether any path element of path equals
// segment, case-insensitively.
func pathHasSegment(path, segment string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.EqualFold(part, segment) {
			return true
		}
	}
	return false
}

// isDownloadBlocked reports whether dir should be treated as "not
// downloaded" despite files being present on disk: either the
// in-progress ".download_manifest.json" sidecar is present, or a
// ".partial" file lives in the snapshot directory, per spec.md §4.4.
func isDownloadBlocked(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, downloadManifestName)); err == nil {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") {
			return true
		}
	}
	return false
}

// HubCacheDir returns the root hub-cache directory models are downloaded
// into, for callers (the fetcher, the puller) that need to resolve a
// checkpoint to its on-disk snapshot directory themselves.
func (m *Manager) HubCacheDir() string {
	return m.hubCacheDir
}

// SnapshotDir returns the on-disk directory a checkpoint's files resolve
// to once downloaded: the hub cache root joined with the
// "models--org--repo" directory name the hub convention uses.
func (m *Manager) SnapshotDir(checkpoint string) string {
	repo, _, _ := strings.Cut(checkpoint, ":")
	return filepath.Join(m.hubCacheDir, hfCacheDirName(repo))
}

// GetSupportedModels returns every catalog entry available on this host,
// keyed by name.
func (m *Manager) GetSupportedModels() (map[string]*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureBuilt(); err != nil {
		return nil, err
	}
	out := make(map[string]*Descriptor, len(m.models))
	for k, v := range m.models {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

// GetDownloadedModels returns only the subset of GetSupportedModels whose
// files are present on disk.
func (m *Manager) GetDownloadedModels() (map[string]*Descriptor, error) {
	all, err := m.GetSupportedModels()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Descriptor, len(all))
	for k, v := range all {
		if v.Downloaded {
			out[k] = v
		}
	}
	return out, nil
}

// GetModelInfo looks up one descriptor by name.
func (m *Manager) GetModelInfo(name string) (*Descriptor, error) {
	all, err := m.GetSupportedModels()
	if err != nil {
		return nil, err
	}
	d, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("model not found: %s", name)
	}
	return d, nil
}

// ModelExists reports whether name is present in the catalog.
func (m *Manager) ModelExists(name string) (bool, error) {
	all, err := m.GetSupportedModels()
	if err != nil {
		return false, err
	}
	_, ok := all[name]
	return ok, nil
}

// IsModelDownloaded reports whether a catalog model's files are present.
func (m *Manager) IsModelDownloaded(name string) (bool, error) {
	d, err := m.GetModelInfo(name)
	if err != nil {
		return false, err
	}
	return d.Downloaded, nil
}
