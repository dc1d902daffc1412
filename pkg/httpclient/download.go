package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DownloadOptions tunes the retry/resume behavior of Download. Zero-valued
// fields take the defaults applied by Download.
type DownloadOptions struct {
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	ConnectTimeout    time.Duration
	// LowSpeedLimit and LowSpeedTime implement a stall watchdog: if the
	// transfer sustains less than LowSpeedLimit bytes/sec for
	// LowSpeedTime, the attempt is aborted as a transient, resumable
	// failure.
	LowSpeedLimit int64
	LowSpeedTime  time.Duration
	ResumePartial bool
}

func (o DownloadOptions) withDefaults() DownloadOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.InitialRetryDelay == 0 {
		o.InitialRetryDelay = time.Second
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.LowSpeedLimit == 0 {
		o.LowSpeedLimit = 1024 // 1 KB/s
	}
	if o.LowSpeedTime == 0 {
		o.LowSpeedTime = 30 * time.Second
	}
	return o
}

// ProgressFunc reports downloaded/total bytes as a download proceeds.
type ProgressFunc func(downloaded, total int64)

// DownloadResult describes the outcome of Download.
type DownloadResult struct {
	Success         bool
	BytesDownloaded int64
	HTTPCode        int
	CanResume       bool
	Err             error
}

// downloadAttempt performs one GET, writing the body to dest starting at
// resumeFrom bytes (appending if resumeFrom > 0). It wraps the response
// body in a stall-detecting reader so a connection that goes quiet without
// being torn down by the OS still gets treated as a retryable failure.
func downloadAttempt(ctx context.Context, client *http.Client, url, dest string, resumeFrom int64, onProgress ProgressFunc, headers map[string]string, opts DownloadOptions) DownloadResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DownloadResult{Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(resumeFrom, 10)+"-")
	}

	resp, err := client.Do(req)
	if err != nil {
		return DownloadResult{Err: err, CanResume: resumeFrom > 0}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && resumeFrom > 0 {
		// The file on disk is already complete.
		return DownloadResult{Success: true}
	}
	if resp.StatusCode >= 400 {
		return DownloadResult{
			HTTPCode: resp.StatusCode,
			Err:      fmt.Errorf("http error %d for %s", resp.StatusCode, url),
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		resumeFrom = 0
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return DownloadResult{Err: fmt.Errorf("opening %s: %w", dest, err)}
	}
	defer f.Close()

	total := resp.ContentLength
	if total > 0 {
		total += resumeFrom
	}

	sw := &stallWatcher{limit: opts.LowSpeedLimit, window: opts.LowSpeedTime}
	downloaded := resumeFrom
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return DownloadResult{BytesDownloaded: downloaded, Err: werr, CanResume: true, HTTPCode: resp.StatusCode}
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(downloaded, total)
			}
			sw.recordProgress(int64(n))
		}
		if readErr == io.EOF {
			return DownloadResult{Success: true, BytesDownloaded: downloaded, HTTPCode: resp.StatusCode}
		}
		if readErr != nil {
			return DownloadResult{BytesDownloaded: downloaded, Err: readErr, CanResume: true, HTTPCode: resp.StatusCode}
		}
		if sw.stalled() {
			return DownloadResult{BytesDownloaded: downloaded, Err: fmt.Errorf("download stalled below %d bytes/sec", opts.LowSpeedLimit), CanResume: true, HTTPCode: resp.StatusCode}
		}
	}
}

// stallWatcher flags a transfer as stalled once it has sustained less than
// limit bytes/sec over window, mirroring a low-speed-abort watchdog.
type stallWatcher struct {
	limit       int64
	window      time.Duration
	windowStart time.Time
	windowBytes int64
}

func (s *stallWatcher) recordProgress(n int64) {
	now := time.Now()
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.windowBytes += n
	if now.Sub(s.windowStart) >= s.window {
		s.windowStart = now
		s.windowBytes = 0
	}
}

func (s *stallWatcher) stalled() bool {
	if s.windowStart.IsZero() {
		return false
	}
	elapsed := time.Since(s.windowStart)
	if elapsed < s.window {
		return false
	}
	rate := float64(s.windowBytes) / elapsed.Seconds()
	return rate < float64(s.limit)
}

// Download fetches url to dest, retrying transient failures with
// exponential backoff and resuming from the partial file's size when the
// server supports byte ranges. A non-resumable failure deletes the partial
// file before the next attempt starts fresh.
func (c *Client) Download(ctx context.Context, url, dest string, onProgress ProgressFunc, headers map[string]string, opts DownloadOptions) DownloadResult {
	opts = opts.withDefaults()

	httpClient := &http.Client{
		Transport: c.http.Transport,
	}

	var resumeFrom int64
	if opts.ResumePartial {
		if fi, err := os.Stat(dest); err == nil {
			resumeFrom = fi.Size()
			if resumeFrom > 0 {
				c.log.Infof("found partial download %s (%d bytes), resuming", dest, resumeFrom)
			}
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialRetryDelay
	b.MaxInterval = opts.MaxRetryDelay

	var last DownloadResult
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.NextBackOff()
			c.log.Infof("retrying download of %s (attempt %d/%d) after %s", url, attempt, opts.MaxRetries, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return DownloadResult{Err: ctx.Err()}
			}
			if opts.ResumePartial {
				if fi, err := os.Stat(dest); err == nil && fi.Size() > resumeFrom {
					resumeFrom = fi.Size()
				}
			}
		}

		progress := onProgress
		last = downloadAttempt(ctx, httpClient, url, dest, resumeFrom, progress, headers, opts)
		if last.Success {
			return last
		}

		if !last.CanResume {
			if _, err := os.Stat(dest); err == nil {
				os.Remove(dest)
			}
			resumeFrom = 0
			if attempt == opts.MaxRetries {
				break
			}
			continue
		}
		// Resumable failure: keep the partial file and retry from its
		// current size on the next iteration.
	}

	if last.Err == nil {
		last.Err = fmt.Errorf("download failed after %d attempts", opts.MaxRetries+1)
	}
	return last
}

// IsReachable performs a short-timeout GET and reports whether it
// succeeded with HTTP 200.
func (c *Client) IsReachable(ctx context.Context, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.Get(ctx, url, nil)
	if err != nil {
		return false
	}
	return resp.Status == http.StatusOK
}
