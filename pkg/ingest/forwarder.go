package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

// HTTPForwarder implements Forwarder by POSTing to a Storage Element's own
// upload endpoint, carrying the caller's original bearer token through
// unchanged so the element's auth middleware sees the real uploader.
type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder builds an HTTPForwarder with the given per-request timeout.
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{client: &http.Client{Timeout: timeout}}
}

// NewHTTPForwarderWithClient builds an HTTPForwarder around a caller-supplied
// client.
func NewHTTPForwarderWithClient(client *http.Client) *HTTPForwarder {
	return &HTTPForwarder{client: client}
}

func (f *HTTPForwarder) Forward(ctx context.Context, se domain.StorageElement, authHeader string, body io.ReadSeeker, contentType string, size int64) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, se.APIURL+"/api/v1/upload", body)
	if err != nil {
		return 0, nil, fmt.Errorf("building forward request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", contentType)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("forwarding to %s: %w", se.ElementID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %s: %w", se.ElementID, err)
	}
	return resp.StatusCode, respBody, nil
}
