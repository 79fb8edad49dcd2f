package cachesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

// HTTPSourceOfTruth reads Admin's authoritative File table over HTTP, a
// paginated internal endpoint rather than a shared database connection,
// since Query and Admin are separate services with their own stores.
type HTTPSourceOfTruth struct {
	client   *http.Client
	baseURL  string
	pageSize int
}

// NewHTTPSourceOfTruth builds an HTTPSourceOfTruth against Admin's baseURL.
func NewHTTPSourceOfTruth(baseURL string, timeout time.Duration) *HTTPSourceOfTruth {
	return &HTTPSourceOfTruth{client: &http.Client{Timeout: timeout}, baseURL: baseURL, pageSize: 500}
}

// NewHTTPSourceOfTruthWithClient builds an HTTPSourceOfTruth around a
// caller-supplied client, e.g. one from pkg/svcclient that attaches a
// service-account bearer token to every request against Admin's internal
// file-list endpoint.
func NewHTTPSourceOfTruthWithClient(client *http.Client, baseURL string) *HTTPSourceOfTruth {
	return &HTTPSourceOfTruth{client: client, baseURL: baseURL, pageSize: 500}
}

type listFilesResponse struct {
	Files   []domain.File `json:"files"`
	HasMore bool          `json:"has_more"`
}

// ListAllFiles pages through Admin's /internal/v1/files endpoint until
// exhausted, feeding each file to cursor in order.
func (s *HTTPSourceOfTruth) ListAllFiles(ctx context.Context, cursor func(domain.File) error) error {
	offset := 0
	for {
		url := fmt.Sprintf("%s/internal/v1/files?limit=%d&offset=%d", s.baseURL, s.pageSize, offset)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("cachesync: building file-list request: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("cachesync: listing files from admin: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("cachesync: admin file list returned status %d", resp.StatusCode)
		}

		var page listFilesResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("cachesync: decoding file list page: %w", decodeErr)
		}

		for _, f := range page.Files {
			if err := cursor(f); err != nil {
				return err
			}
		}

		if !page.HasMore || len(page.Files) == 0 {
			return nil
		}
		offset += len(page.Files)
	}
}
