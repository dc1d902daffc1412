package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"time"
)

// ForwardJSON performs a synchronous JSON POST to the adapter's
// endpoint+path and returns the raw response body, wrapping a non-2xx
// backend status into an error that callers can translate into the
// gateway's structured error shape.
func (b *Base) ForwardJSON(ctx context.Context, path string, body []byte, timeout time.Duration) ([]byte, error) {
	resp, err := b.Client.Post(ctx, b.Endpoint()+path, body, map[string]string{"Content-Type": "application/json"}, timeout)
	if err != nil {
		return nil, fmt.Errorf("forwarding request to %s: %w", path, err)
	}
	if resp.Status >= 400 {
		return nil, &BackendError{Status: resp.Status, Body: resp.Body}
	}
	return resp.Body, nil
}

// BackendError wraps a non-2xx response from a backend so HTTP handlers
// can echo the backend's own status and body per spec.md §7.
type BackendError struct {
	Status int
	Body   []byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, string(e.Body))
}

// MultipartField is one named part of a forwarded multipart request.
// A field with a Filename is written as a file part holding the decoded
// Base64Data; a field without one is written as its plain Value, per
// spec.md §4.6's "base64-decode named fields into multipart form parts"
// contract.
type MultipartField struct {
	Name     string
	Filename string
	// Base64Data is base64-encoded file content (e.g. the audio clip in
	// a transcription request); it is decoded before being written.
	Base64Data string
	// Value is a plain form value (used for non-file fields like
	// "language" or "model").
	Value string
}

// ForwardMultipart base64-decodes the named file fields and POSTs the
// assembled multipart/form-data request to the adapter's endpoint+path.
func (b *Base) ForwardMultipart(ctx context.Context, path string, fields []MultipartField, timeout time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if f.Filename != "" {
			decoded, err := base64.StdEncoding.DecodeString(f.Base64Data)
			if err != nil {
				return nil, fmt.Errorf("decoding multipart field %q: %w", f.Name, err)
			}
			part, err := w.CreateFormFile(f.Name, f.Filename)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(decoded); err != nil {
				return nil, err
			}
			continue
		}
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	resp, err := b.Client.Post(ctx, b.Endpoint()+path, buf.Bytes(), map[string]string{"Content-Type": w.FormDataContentType()}, timeout)
	if err != nil {
		return nil, fmt.Errorf("forwarding multipart request to %s: %w", path, err)
	}
	if resp.Status >= 400 {
		return nil, &BackendError{Status: resp.Status, Body: resp.Body}
	}
	return resp.Body, nil
}
