package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/procmanager"
)

// fileProgressPattern matches lines like:
//
//	[FLM]  Downloading 2/5: model-00002-of-00005.gguf
var fileProgressPattern = regexp.MustCompile(`Downloading (\d+)/(\d+):\s*(\S+)`)

// byteProgressPattern matches lines like:
//
//	[FLM]  Downloading: 42.5% (123.4MB/456.7MB)
var byteProgressPattern = regexp.MustCompile(`Downloading:\s*([\d.]+)%\s*\(([\d.]+)(MB|GB)/([\d.]+)(MB|GB)\)`)

// CLIFetcher drives a third-party model-pull command (recipes whose
// backend brings its own downloader, such as flm) and translates its
// stdout progress lines into Progress events.
type CLIFetcher struct {
	log logging.Logger
}

// NewCLI creates a CLIFetcher.
func NewCLI(log logging.Logger) *CLIFetcher {
	return &CLIFetcher{log: log}
}

// Fetch spawns binaryPath with args and streams its combined stdout
// through the progress-line parser until it exits. If onProgress returns
// false the subprocess is killed and Fetch returns an error.
func (f *CLIFetcher) Fetch(ctx context.Context, binaryPath string, args []string, onProgress ProgressFunc) error {
	pr, pw := io.Pipe()

	h, err := procmanager.Start(procmanager.Config{
		Name:       binaryPath,
		BinaryPath: binaryPath,
		Args:       args,
		Stdout:     pw,
		Stderr:     pw,
		Log:        f.log,
	})
	if err != nil {
		pw.Close()
		return fmt.Errorf("starting %s: %w", binaryPath, err)
	}

	cancelled := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := scanner.Text()
			progress, ok := parseCLIProgressLine(line)
			if !ok || onProgress == nil {
				continue
			}
			if !onProgress(progress) {
				close(cancelled)
				_ = h.Stop(2 * time.Second)
				return
			}
		}
	}()

	waitErr := h.WaitForExit(ctx)
	pw.Close()

	select {
	case <-cancelled:
		return fmt.Errorf("download cancelled")
	default:
	}

	if waitErr != nil {
		return fmt.Errorf("%s exited with error: %w", binaryPath, waitErr)
	}
	if code, ok := h.ExitCode(); ok && code != 0 {
		return fmt.Errorf("%s exited with code %d", binaryPath, code)
	}

	if onProgress != nil {
		onProgress(Progress{Percent: 100, Complete: true})
	}
	return nil
}

// parseCLIProgressLine extracts a Progress event from one line of CLI
// pull-command output, if the line matches a known pattern.
func parseCLIProgressLine(line string) (Progress, bool) {
	if m := fileProgressPattern.FindStringSubmatch(line); m != nil {
		index, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		return Progress{File: m[3], FileIndex: index, TotalFiles: total}, true
	}

	if m := byteProgressPattern.FindStringSubmatch(line); m != nil {
		pctFloat, _ := strconv.ParseFloat(m[1], 64)
		downloaded := parseByteSize(m[2], m[3])
		total := parseByteSize(m[4], m[5])
		return Progress{
			BytesDownloaded: downloaded,
			BytesTotal:      total,
			Percent:         int(pctFloat),
		}, true
	}

	return Progress{}, false
}

// parseByteSize converts a decimal size plus "MB"/"GB" unit into bytes.
func parseByteSize(value, unit string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(unit) {
	case "GB":
		return int64(f * 1024 * 1024 * 1024)
	case "MB":
		return int64(f * 1024 * 1024)
	default:
		return int64(f)
	}
}
