// Package httpclient is the gateway's sole outbound HTTP surface: plain
// GET/POST, streaming POST for SSE proxying, and resumable, retrying
// downloads for model artifacts and backend binaries. See download.go for
// the DOWNLOAD operation.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lemonade-run/gateway/pkg/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Response is the result of a non-streaming request.
type Response struct {
	Status  int
	Body    []byte
	Headers http.Header
}

// Client wraps net/http.Client with the retry/tracing transport chain used
// throughout the gateway. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	log       logging.Logger
	userAgent string
}

// New creates a Client. If transport is nil, http.DefaultTransport is used,
// wrapped with an OpenTelemetry span-producing round-tripper so download
// and backend-forwarding latency show up in traces.
func New(log logging.Logger, transport http.RoundTripper, userAgent string) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	traced := otelhttp.NewTransport(transport, otelhttp.WithTracerProvider(otel.GetTracerProvider()))
	return &Client{
		http:      &http.Client{Transport: traced},
		log:       log,
		userAgent: userAgent,
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: body, Headers: resp.Header}, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

// Post issues a POST request with the given body and timeout. A zero
// timeout means "use the context's own deadline, if any".
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

// StreamCallback receives each chunk of a streaming response body as it
// arrives. Returning false aborts the stream.
type StreamCallback func(chunk []byte) bool

// PostStream issues a streaming POST. Per spec.md §4.8, streaming requests
// have no read timeout — generation can run arbitrarily long — so the
// context passed in should only carry a connect-level deadline, if any.
func (c *Client) PostStream(ctx context.Context, url string, body []byte, headers map[string]string, onChunk StreamCallback) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Streaming responses must not be subject to the client's blanket
	// request timeout; only the dial/handshake phase is time-bounded.
	streamClient := *c.http
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(body))
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if !onChunk(buf[:n]) {
				// Caller requested abort; close the body to unblock
				// any further reads and let the backend connection die.
				return nil
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
