package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) logging.Logger {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testLogger(t), nil, "lemonade-gateway/test")
	resp, err := c.Get(context.Background(), srv.URL+"/v1/models", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Equal(t, "yes", resp.Headers.Get("X-Test"))
}

func TestClientPostSetsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "bearer x", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(testLogger(t), nil, "")
	resp, err := c.Post(context.Background(), srv.URL, []byte(`{}`), map[string]string{"Authorization": "bearer x"}, 0)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
}

func TestClientPostStreamDeliversChunksAndRespectsAbort(t *testing.T) {
	// Each write waits until the client has consumed the previous chunk,
	// so every write reaches the callback as its own chunk.
	consumed := make(chan struct{}, 5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 5; i++ {
			w.Write([]byte("data: chunk\n\n"))
			flusher.Flush()
			select {
			case <-consumed:
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer srv.Close()

	c := New(testLogger(t), nil, "")
	var chunks int
	err := c.PostStream(context.Background(), srv.URL, []byte(`{}`), nil, func(chunk []byte) bool {
		chunks++
		consumed <- struct{}{}
		return chunks < 2
	})
	require.NoError(t, err)
	require.Equal(t, 2, chunks)
}

func TestClientPostStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("backend exploded"))
	}))
	defer srv.Close()

	c := New(testLogger(t), nil, "")
	err := c.PostStream(context.Background(), srv.URL, []byte(`{}`), nil, func([]byte) bool { return true })
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend exploded")
}
