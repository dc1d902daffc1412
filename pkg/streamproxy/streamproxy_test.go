package streamproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func testClient() *httpclient.Client {
	return httpclient.New(testLogger(), nil, "test")
}

func sseBackend(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
}

func TestForwardInjectsDoneWhenBackendOmitsIt(t *testing.T) {
	srv := sseBackend(t, []string{
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
	})
	defer srv.Close()

	var sink bytes.Buffer
	result, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, &sink, SSE)
	require.NoError(t, err)
	require.True(t, result.DoneInjected)
	require.Contains(t, sink.String(), "data: [DONE]")
}

func TestForwardDoesNotDuplicateDone(t *testing.T) {
	srv := sseBackend(t, []string{
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	var sink bytes.Buffer
	result, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, &sink, SSE)
	require.NoError(t, err)
	require.False(t, result.DoneInjected)
	require.Equal(t, 1, bytes.Count(sink.Bytes(), []byte("data: [DONE]")))
}

func TestForwardExtractsUsageAndTimings(t *testing.T) {
	srv := sseBackend(t, []string{
		`{"choices":[{"delta":{"content":"hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}],"usage":{"prompt_tokens":7,"completion_tokens":2},"timings":{"prompt_n":7,"predicted_n":2,"prompt_ms":120.0,"predicted_per_second":42.5}}`,
		`[DONE]`,
	})
	defer srv.Close()

	var sink bytes.Buffer
	result, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, &sink, SSE)
	require.NoError(t, err)
	require.Equal(t, 7, result.Record.InputTokens)
	require.Equal(t, 2, result.Record.OutputTokens)
	require.InDelta(t, 42.5, result.Record.TokensPerSecond, 0.001)
	require.InDelta(t, 0.12, result.Record.TimeToFirstTokenS, 0.001)
}

func TestForwardPrefersExplicitDecodeIntervals(t *testing.T) {
	srv := sseBackend(t, []string{
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}],"decode_token_times":[0.01,0.02,0.03]}`,
		`[DONE]`,
	})
	defer srv.Close()

	var sink bytes.Buffer
	result, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, &sink, SSE)
	require.NoError(t, err)
	require.Equal(t, []float64{0.01, 0.02, 0.03}, result.Record.DecodeIntervals)
}

func TestForwardRawModeSkipsSniffing(t *testing.T) {
	payload := []byte("not sse at all")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	var sink bytes.Buffer
	result, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, &sink, Raw)
	require.NoError(t, err)
	require.False(t, result.DoneInjected)
	require.Equal(t, payload, sink.Bytes())
}

// failAfterWriter fails every write after the first, simulating a client
// that disconnected mid-stream.
type failAfterWriter struct {
	writes int
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func TestForwardReturnsCleanlyOnClientDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x%d\"}}]}\n\n", i)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()

	sink := &failAfterWriter{}
	_, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, sink, SSE)
	require.NoError(t, err)
}

func TestForwardBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var sink bytes.Buffer
	_, err := Forward(context.Background(), testClient(), srv.URL, []byte(`{}`), nil, &sink, SSE)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}
