package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// SelectGGUFFile implements the five-case gguf-runtime variant rule against
// the files present in snapshotDir:
//
//	(0) variant == "*"     -> first gguf file, all shards auto-load
//	(1) variant ends in .gguf or .bin -> exact filename
//	(2) variant == ""      -> first non-mmproj gguf
//	(3) exactly one file ends with "{variant}.gguf" (case-insensitive)
//	(4) a folder named "{variant}" exists -> that folder's first gguf (sharded)
//
// Multiple matches for case 3 is an error.
func SelectGGUFFile(snapshotDir, variant string) (string, error) {
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return "", fmt.Errorf("reading snapshot dir %s: %w", snapshotDir, err)
	}

	var files []string
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	ggufFiles := func(names []string) []string {
		var out []string
		for _, n := range names {
			if strings.EqualFold(filepath.Ext(n), ".gguf") {
				out = append(out, n)
			}
		}
		return out
	}

	switch {
	case variant == "*":
		ggufs := ggufFiles(files)
		if len(ggufs) == 0 {
			return "", fmt.Errorf("no gguf files found in %s", snapshotDir)
		}
		return filepath.Join(snapshotDir, ggufs[0]), nil

	case strings.HasSuffix(strings.ToLower(variant), ".gguf") || strings.HasSuffix(strings.ToLower(variant), ".bin"):
		path := filepath.Join(snapshotDir, variant)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("exact variant file %s not found in %s", variant, snapshotDir)
		}
		return path, nil

	case variant == "":
		for _, f := range ggufFiles(files) {
			if !strings.Contains(strings.ToLower(f), "mmproj") {
				return filepath.Join(snapshotDir, f), nil
			}
		}
		return "", fmt.Errorf("no non-mmproj gguf files found in %s", snapshotDir)

	default:
		var matches []string
		suffix := strings.ToLower(variant) + ".gguf"
		for _, f := range files {
			if strings.HasSuffix(strings.ToLower(f), suffix) {
				matches = append(matches, f)
			}
		}
		if len(matches) == 1 {
			return filepath.Join(snapshotDir, matches[0]), nil
		}
		if len(matches) > 1 {
			return "", fmt.Errorf("variant %q matches multiple gguf files in %s: %v", variant, snapshotDir, matches)
		}

		for _, d := range dirs {
			if d == variant {
				shardDir := filepath.Join(snapshotDir, d)
				shardEntries, err := os.ReadDir(shardDir)
				if err != nil {
					return "", fmt.Errorf("reading shard dir %s: %w", shardDir, err)
				}
				var shardFiles []string
				for _, e := range shardEntries {
					if !e.IsDir() {
						shardFiles = append(shardFiles, e.Name())
					}
				}
				sort.Strings(shardFiles)
				for _, f := range ggufFiles(shardFiles) {
					return filepath.Join(shardDir, f), nil
				}
				return "", fmt.Errorf("no gguf files found in shard dir %s", shardDir)
			}
		}
		return "", fmt.Errorf("variant %q did not match any file or folder in %s", variant, snapshotDir)
	}
}

// Shards returns every file belonging to the same sharded gguf model as
// path, or just path itself if it is not part of a shard set.
func Shards(path string) []string {
	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		return []string{path}
	}
	return shards
}

// SelectRepoGGUFFiles applies the same five-case variant rule as
// SelectGGUFFile against a remote repo's file listing instead of a local
// directory, returning the chosen filename (repo-relative) plus any
// sibling shard files that must also be downloaded alongside it.
func SelectRepoGGUFFiles(repo, variant string, repoFiles []string) (string, []string, error) {
	var ggufs []string
	for _, f := range repoFiles {
		if isGGUFFilename(f) {
			ggufs = append(ggufs, f)
		}
	}
	sort.Strings(ggufs)

	switch {
	case variant == "*":
		if len(ggufs) == 0 {
			return "", nil, fmt.Errorf("no gguf files found in repository %s", repo)
		}
		return ggufs[0], shardSiblings(ggufs[0], repoFiles), nil

	case strings.HasSuffix(strings.ToLower(variant), ".gguf") || strings.HasSuffix(strings.ToLower(variant), ".bin"):
		for _, f := range repoFiles {
			if f == variant {
				return f, shardSiblings(f, repoFiles), nil
			}
		}
		return "", nil, fmt.Errorf("exact variant file %s not found in repository %s", variant, repo)

	case variant == "":
		for _, f := range ggufs {
			if !strings.Contains(strings.ToLower(f), "mmproj") {
				return f, shardSiblings(f, repoFiles), nil
			}
		}
		return "", nil, fmt.Errorf("no non-mmproj gguf files found in repository %s", repo)

	default:
		var matches []string
		suffix := strings.ToLower(variant) + ".gguf"
		for _, f := range ggufs {
			if strings.HasSuffix(strings.ToLower(f), suffix) {
				matches = append(matches, f)
			}
		}
		if len(matches) == 1 {
			return matches[0], shardSiblings(matches[0], repoFiles), nil
		}
		if len(matches) > 1 {
			return "", nil, fmt.Errorf("variant %q matches multiple gguf files in repository %s: %v", variant, repo, matches)
		}

		prefix := variant + "/"
		var folderFiles []string
		for _, f := range repoFiles {
			if strings.HasPrefix(f, prefix) && isGGUFFilename(f) {
				folderFiles = append(folderFiles, f)
			}
		}
		sort.Strings(folderFiles)
		if len(folderFiles) > 0 {
			return folderFiles[0], folderFiles, nil
		}

		return "", nil, fmt.Errorf("variant %q did not match any file in repository %s", variant, repo)
	}
}

// shardSiblings finds the other files belonging to the same sharded gguf
// model as selected, identified by the "-NNNNN-of-MMMMM" naming
// convention, so multi-part checkpoints download as one unit.
func shardSiblings(selected string, repoFiles []string) []string {
	idx := strings.Index(strings.ToLower(selected), "-of-")
	if idx < 0 {
		return []string{selected}
	}
	dashIdx := strings.LastIndex(selected[:idx], "-")
	if dashIdx < 0 {
		return []string{selected}
	}
	prefix := selected[:dashIdx+1]

	var shards []string
	for _, f := range repoFiles {
		if strings.HasPrefix(f, prefix) && strings.Contains(strings.ToLower(f), "-of-") && isGGUFFilename(f) {
			shards = append(shards, f)
		}
	}
	if len(shards) == 0 {
		return []string{selected}
	}
	sort.Strings(shards)
	return shards
}

func isGGUFFilename(n string) bool { return strings.EqualFold(filepath.Ext(n), ".gguf") }
