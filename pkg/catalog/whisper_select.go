package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SelectWhisperFile implements spec.md §4.4's whisper resolution rule:
// the first ".bin" file in the snapshot directory, or a name-matched one
// if variant names a specific file.
func SelectWhisperFile(snapshotDir, variant string) (string, error) {
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return "", fmt.Errorf("reading snapshot dir %s: %w", snapshotDir, err)
	}

	var binFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".bin") {
			binFiles = append(binFiles, e.Name())
		}
	}
	sort.Strings(binFiles)
	if len(binFiles) == 0 {
		return "", fmt.Errorf("no .bin files found in %s", snapshotDir)
	}

	if variant != "" {
		for _, f := range binFiles {
			if strings.Contains(strings.ToLower(f), strings.ToLower(variant)) {
				return filepath.Join(snapshotDir, f), nil
			}
		}
	}
	return filepath.Join(snapshotDir, binFiles[0]), nil
}
