package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

// HTTPAdminClient implements AdminClient for services that don't run
// Admin's own storage element table locally (Ingester, Query), calling
// Admin's internal registration API over HTTP.
type HTTPAdminClient struct {
	client  *http.Client
	baseURL string
}

// NewHTTPAdminClient builds an HTTPAdminClient against baseURL.
func NewHTTPAdminClient(baseURL string, timeout time.Duration) *HTTPAdminClient {
	return &HTTPAdminClient{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// NewHTTPAdminClientWithClient builds an HTTPAdminClient around a
// caller-supplied client, e.g. one from pkg/svcclient that attaches a
// service-account bearer token to every request.
func NewHTTPAdminClientWithClient(client *http.Client, baseURL string) *HTTPAdminClient {
	return &HTTPAdminClient{client: client, baseURL: baseURL}
}

func (c *HTTPAdminClient) GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/v1/storage-elements/"+elementID, nil)
	if err != nil {
		return domain.StorageElement{}, fmt.Errorf("selector: building get-element request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.StorageElement{}, fmt.Errorf("selector: requesting element %s from admin: %w", elementID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.StorageElement{}, fmt.Errorf("selector: admin returned status %d for element %s", resp.StatusCode, elementID)
	}

	var se domain.StorageElement
	if err := json.NewDecoder(resp.Body).Decode(&se); err != nil {
		return domain.StorageElement{}, fmt.Errorf("selector: decoding element response: %w", err)
	}
	return se, nil
}

func (c *HTTPAdminClient) ListStorageElementsByMode(ctx context.Context, mode domain.Mode) ([]domain.StorageElement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/v1/storage-elements?mode="+string(mode), nil)
	if err != nil {
		return nil, fmt.Errorf("selector: building list-by-mode request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("selector: listing elements in mode %s from admin: %w", mode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("selector: admin returned status %d listing mode %s", resp.StatusCode, mode)
	}

	var payload struct {
		Elements []domain.StorageElement `json:"elements"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("selector: decoding list-by-mode response: %w", err)
	}
	return payload.Elements, nil
}
