// Package streamproxy forwards a streaming backend response to an HTTP
// client sink byte-for-byte while sniffing the same bytes for in-band
// telemetry, grounded on the original implementation's
// forward_sse_stream()/parse_telemetry() pair
// (_examples/original_source/src/cpp/server/streaming_proxy.cpp) and
// wired on top of the gateway's own httpclient.Client.PostStream, which
// already implements the "blocking thread, sink.write signals
// disconnect" suspension point the design notes call for.
package streamproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/telemetry"
)

// Mode selects how the backend's body is framed.
type Mode int

const (
	// SSE frames are newline-delimited "data: {...}" / "data: [DONE]"
	// lines, per spec.md §4.8.
	SSE Mode = iota
	// Raw is an unframed byte stream (no telemetry sniffing, no DONE
	// sentinel); used for backends that do not speak SSE at all.
	Raw
)

const doneFrame = "data: [DONE]"
const doneLine = doneFrame + "\n\n"

// usageFrame is the subset of an OpenAI/llama.cpp-server-shaped SSE
// frame the proxy reads for telemetry. Fields absent from a given
// backend's frames are simply left zero.
type usageFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	// Timings is llama.cpp-server's own telemetry block, present on the
	// final frame of a completion.
	Timings *struct {
		PromptN              int     `json:"prompt_n"`
		PromptMS             float64 `json:"prompt_ms"`
		PredictedN           int     `json:"predicted_n"`
		PredictedMS          float64 `json:"predicted_ms"`
		PredictedPerTokenMS  float64 `json:"predicted_per_token_ms"`
		PredictedPerSecond   float64 `json:"predicted_per_second"`
	} `json:"timings"`
	// DecodeTokenTimes is an optional explicit per-token latency array
	// (seconds), the highest-precedence telemetry source per spec.md
	// §4.8's "if the backend reports per-token latencies, use them".
	DecodeTokenTimes []float64 `json:"decode_token_times"`
}

// Result is the telemetry gathered over the course of one forwarded
// stream, suitable for merging into a telemetry.Sink.
type Result struct {
	Record       telemetry.Record
	DoneInjected bool
}

// Forward opens a streaming POST to url and copies every byte it
// receives to w unmodified and immediately, sniffing SSE frames for
// telemetry along the way. It returns once the backend closes the
// stream or w's Write fails (client disconnected).
//
// ctx should carry only a connect-level deadline, if any: per spec.md
// §4.8, streaming requests have no read timeout because generation is
// unbounded.
func Forward(ctx context.Context, client *httpclient.Client, url string, reqBody []byte, headers map[string]string, w io.Writer, mode Mode) (Result, error) {
	flusher, _ := w.(http.Flusher)

	var (
		lineBuf      bytes.Buffer
		sawDone      bool
		clientGone   bool
		start        = time.Now()
		firstTokenAt time.Time
		lastTokenAt  time.Time
		wallIntervals []float64
		avgIntervals  []float64
		rec          telemetry.Record
	)

	onChunk := func(chunk []byte) bool {
		if _, err := w.Write(chunk); err != nil {
			clientGone = true
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		if mode != SSE {
			return true
		}

		lineBuf.Write(chunk)
		for {
			data := lineBuf.Bytes()
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				break
			}
			line := string(bytes.TrimRight(data[:idx], "\r"))
			lineBuf.Next(idx + 1)

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				sawDone = true
				continue
			}

			var frame usageFrame
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				continue
			}

			hasContent := false
			for _, c := range frame.Choices {
				if c.Delta.Content != "" {
					hasContent = true
				}
			}
			if hasContent {
				now := time.Now()
				if firstTokenAt.IsZero() {
					firstTokenAt = now
				} else {
					wallIntervals = append(wallIntervals, now.Sub(lastTokenAt).Seconds())
				}
				lastTokenAt = now
			}

			if len(frame.DecodeTokenTimes) > 0 {
				rec.DecodeIntervals = frame.DecodeTokenTimes
			}
			if frame.Usage != nil {
				rec.InputTokens = frame.Usage.PromptTokens
				rec.OutputTokens = frame.Usage.CompletionTokens
			}
			if frame.Timings != nil {
				if frame.Timings.PromptN > 0 {
					rec.InputTokens = frame.Timings.PromptN
				}
				if frame.Timings.PredictedN > 0 {
					rec.OutputTokens = frame.Timings.PredictedN
				}
				if frame.Timings.PredictedPerSecond > 0 {
					rec.TokensPerSecond = frame.Timings.PredictedPerSecond
				} else if frame.Timings.PredictedPerTokenMS > 0 {
					rec.TokensPerSecond = 1000.0 / frame.Timings.PredictedPerTokenMS
				}
				if frame.Timings.PromptMS > 0 {
					rec.TimeToFirstTokenS = frame.Timings.PromptMS / 1000.0
				}
				if frame.Timings.PredictedPerTokenMS > 0 && frame.Timings.PredictedN > 0 {
					avgIntervals = make([]float64, frame.Timings.PredictedN)
					for i := range avgIntervals {
						avgIntervals[i] = frame.Timings.PredictedPerTokenMS / 1000.0
					}
				}
			}
		}
		return true
	}

	err := client.PostStream(ctx, url, reqBody, headers, onChunk)

	if clientGone {
		return Result{Record: rec}, nil
	}
	if err != nil {
		return Result{Record: rec}, fmt.Errorf("streaming from backend: %w", err)
	}

	if mode == SSE && !sawDone {
		if _, werr := w.Write([]byte(doneLine)); werr == nil {
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	// An explicit per-token array from the backend wins; failing that, a
	// backend-reported average per-token time and token count become that
	// many equal intervals; wall-clock gaps between token-bearing frames
	// are the last resort.
	if len(rec.DecodeIntervals) == 0 {
		rec.DecodeIntervals = avgIntervals
	}
	if len(rec.DecodeIntervals) == 0 && len(wallIntervals) > 0 {
		rec.DecodeIntervals = wallIntervals
	}
	if !firstTokenAt.IsZero() {
		if rec.TimeToFirstTokenS == 0 {
			rec.TimeToFirstTokenS = firstTokenAt.Sub(start).Seconds()
		}
		if rec.TokensPerSecond == 0 {
			elapsed := lastTokenAt.Sub(firstTokenAt).Seconds()
			if elapsed > 0 && rec.OutputTokens > 0 {
				rec.TokensPerSecond = float64(rec.OutputTokens) / elapsed
			}
		}
	}

	return Result{Record: rec, DoneInjected: mode == SSE && !sawDone}, nil
}
