package download

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ObjectSource fetches object bytes from a Storage Element's internal
// endpoint. It mirrors pkg/sebackend.Backend's GetRange contract
// (length < 0 means read to EOF) but operates across the network, since
// Query never has local filesystem access to an SE's data.
type ObjectSource interface {
	GetRange(ctx context.Context, apiURL, key string, offset, length int64) (io.ReadCloser, error)
}

// HTTPObjectSource is the production ObjectSource.
type HTTPObjectSource struct {
	client *http.Client
}

// NewHTTPObjectSource builds an HTTPObjectSource with a bounded per-request
// timeout; the timeout governs connection setup only, not the full body
// read, since downloads may be large and slow by design.
func NewHTTPObjectSource(timeout time.Duration) *HTTPObjectSource {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	transport.TLSHandshakeTimeout = timeout
	return &HTTPObjectSource{client: &http.Client{Transport: transport}}
}

// NewHTTPObjectSourceWithClient builds an HTTPObjectSource around a
// caller-supplied client, e.g. one from pkg/svcclient that attaches a
// service-account bearer token to every request.
func NewHTTPObjectSourceWithClient(client *http.Client) *HTTPObjectSource {
	return &HTTPObjectSource{client: client}
}

func (s *HTTPObjectSource) GetRange(ctx context.Context, apiURL, key string, offset, length int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/internal/v1/objects/"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("download: building object request: %w", err)
	}
	if offset > 0 || length >= 0 {
		req.Header.Set("Range", rangeHeaderValue(offset, length))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: fetching object: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("download: object source returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func rangeHeaderValue(offset, length int64) string {
	if length < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}
