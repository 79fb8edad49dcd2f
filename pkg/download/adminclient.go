package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

// HTTPElementResolver resolves Storage Element registrations by calling
// Admin's internal registry endpoint, since Query runs as its own service
// with no direct access to Admin's Postgres database.
type HTTPElementResolver struct {
	client  *http.Client
	baseURL string
}

// NewHTTPElementResolver builds an HTTPElementResolver against Admin's baseURL.
func NewHTTPElementResolver(baseURL string, timeout time.Duration) *HTTPElementResolver {
	return &HTTPElementResolver{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// NewHTTPElementResolverWithClient builds an HTTPElementResolver around a
// caller-supplied client, e.g. one from pkg/svcclient that attaches a
// service-account bearer token to every request.
func NewHTTPElementResolverWithClient(client *http.Client, baseURL string) *HTTPElementResolver {
	return &HTTPElementResolver{client: client, baseURL: baseURL}
}

func (r *HTTPElementResolver) GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error) {
	url := fmt.Sprintf("%s/internal/v1/storage-elements/%s", r.baseURL, elementID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.StorageElement{}, fmt.Errorf("download: building element lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.StorageElement{}, fmt.Errorf("download: resolving storage element %s: %w", elementID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.StorageElement{}, fmt.Errorf("download: admin returned status %d resolving storage element %s", resp.StatusCode, elementID)
	}

	var se domain.StorageElement
	if err := json.NewDecoder(resp.Body).Decode(&se); err != nil {
		return domain.StorageElement{}, fmt.Errorf("download: decoding storage element %s: %w", elementID, err)
	}
	return se, nil
}
