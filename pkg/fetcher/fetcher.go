// Package fetcher acquires model files onto disk: hub mode downloads the
// files a recipe/variant needs from a model hub's HTTP API one at a time
// with resumable transfers, while CLI mode shells out to a recipe's own
// pull command and translates its stdout into the same progress shape.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
)

// Progress is one unit of download progress, emitted by both hub and CLI
// modes in the same shape so callers don't need to know which is active.
type Progress struct {
	File            string `json:"file,omitempty"`
	FileIndex       int    `json:"file_index"`
	TotalFiles      int    `json:"total_files"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	BytesTotal      int64  `json:"bytes_total"`
	Percent         int    `json:"percent"`
	Complete        bool   `json:"complete,omitempty"`
}

// ProgressFunc receives download progress. Returning false cancels the
// download (hub mode aborts the current file; CLI mode kills the
// subprocess).
type ProgressFunc func(Progress) bool

// hubSibling mirrors the relevant field of a HuggingFace repo-info
// response's "siblings" array.
type hubSibling struct {
	RFilename string `json:"rfilename"`
}

type hubModelInfo struct {
	Siblings []hubSibling `json:"siblings"`
}

// Fetcher downloads model files for the hub-backed recipes. CLI-managed
// checkpoints (ryzenai-serve) are pulled through CLIFetcher.Fetch instead.
type Fetcher struct {
	log    logging.Logger
	client *httpclient.Client
}

// New creates a Fetcher.
func New(log logging.Logger, client *httpclient.Client) *Fetcher {
	return &Fetcher{log: log, client: client}
}

// FetchFromHub downloads the files a checkpoint/variant needs into
// snapshotDir, skipping files already present. repo is the hub repo id
// (e.g. "Qwen/Qwen2.5-Coder-3B-Instruct-GGUF"); variant and mmproj follow
// the same conventions as catalog.SelectGGUFFile. headers carries any
// authorization (e.g. a hub access token).
func (f *Fetcher) FetchFromHub(ctx context.Context, repo, variant, mmproj, snapshotDir string, headers map[string]string, onProgress ProgressFunc) error {
	repoFiles, err := f.listRepoFiles(ctx, repo, headers)
	if err != nil {
		return err
	}
	if len(repoFiles) == 0 {
		return fmt.Errorf("no files found in repository %s", repo)
	}

	files, err := filesToDownload(repo, variant, mmproj, repoFiles)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir %s: %w", snapshotDir, err)
	}

	total := len(files)
	for i, filename := range files {
		index := i + 1
		destPath := filepath.Join(snapshotDir, filepath.FromSlash(filename))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}

		if fi, err := os.Stat(destPath); err == nil {
			if onProgress != nil {
				keepGoing := onProgress(Progress{
					File: filename, FileIndex: index, TotalFiles: total,
					BytesDownloaded: fi.Size(), BytesTotal: fi.Size(),
					Percent: 100, Complete: index == total,
				})
				if !keepGoing {
					return fmt.Errorf("download cancelled")
				}
			}
			continue
		}

		downloadURL := fmt.Sprintf("https://huggingface.co/%s/resolve/main/%s", repo, filename)
		partialPath := destPath + ".partial"
		dlCtx, cancelDL := context.WithCancel(ctx)
		cancelled := false
		result := f.client.Download(dlCtx, downloadURL, partialPath, func(downloaded, total64 int64) {
			if onProgress == nil || cancelled {
				return
			}
			pct := 0
			if total64 > 0 {
				pct = int(downloaded * 100 / total64)
			}
			if !onProgress(Progress{
				File: filename, FileIndex: index, TotalFiles: total,
				BytesDownloaded: downloaded, BytesTotal: total64, Percent: pct,
			}) {
				cancelled = true
				cancelDL()
			}
		}, headers, httpclient.DownloadOptions{ResumePartial: true})
		cancelDL()

		if cancelled {
			return fmt.Errorf("download cancelled")
		}
		if !result.Success {
			return fmt.Errorf("failed to download %s: %w", filename, result.Err)
		}
		if err := os.Rename(partialPath, destPath); err != nil {
			return fmt.Errorf("finalizing %s: %w", filename, err)
		}
	}

	if onProgress != nil {
		onProgress(Progress{FileIndex: total, TotalFiles: total, Percent: 100, Complete: true})
	}
	return nil
}

func (f *Fetcher) listRepoFiles(ctx context.Context, repo string, headers map[string]string) ([]string, error) {
	apiURL := "https://huggingface.co/api/models/" + repo
	resp, err := f.client.Get(ctx, apiURL, headers)
	if err != nil {
		return nil, fmt.Errorf("fetching model info for %s: %w", repo, err)
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("failed to fetch model info from hub: http %d", resp.Status)
	}
	var info hubModelInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("parsing model info for %s: %w", repo, err)
	}
	files := make([]string, len(info.Siblings))
	for i, s := range info.Siblings {
		files[i] = s.RFilename
	}
	return files, nil
}

// filesToDownload applies the five-case GGUF variant rule (or, for
// non-GGUF repos, downloads everything) to decide which repo files to
// fetch.
func filesToDownload(repo, variant, mmproj string, repoFiles []string) ([]string, error) {
	isGGUF := false
	for _, f := range repoFiles {
		if strings.HasSuffix(strings.ToLower(f), ".gguf") {
			isGGUF = true
			break
		}
	}
	if !isGGUF {
		return repoFiles, nil
	}

	if variant == "" {
		for _, f := range repoFiles {
			lower := strings.ToLower(f)
			if strings.HasSuffix(lower, ".gguf") && !strings.Contains(lower, "mmproj") {
				files := []string{f}
				if mmproj != "" {
					files = append(files, mmproj)
				}
				return files, nil
			}
		}
		return nil, fmt.Errorf("no .gguf files found in repository %s", repo)
	}

	selected, shards, err := catalog.SelectRepoGGUFFiles(repo, variant, repoFiles)
	if err != nil {
		return nil, err
	}

	files := []string{selected}
	if mmproj != "" {
		found := false
		for _, f := range repoFiles {
			if f == mmproj {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("mmproj file %s not found in repository %s", mmproj, repo)
		}
		files = append(files, mmproj)
	}
	for _, s := range shards {
		if s != selected && !containsStr(files, s) {
			files = append(files, s)
		}
	}
	sort.Strings(files[1:])
	return files, nil
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
