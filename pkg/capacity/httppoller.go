package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

// HTTPPoller calls a Storage Element's /api/v1/capacity endpoint over HTTP.
// It is the production Poller; tests use a fake that skips the network.
type HTTPPoller struct {
	client *http.Client
}

// NewHTTPPoller builds an HTTPPoller with a bounded per-request timeout, so
// one unresponsive element can never stall the whole poll cycle.
func NewHTTPPoller(timeout time.Duration) *HTTPPoller {
	return &HTTPPoller{client: &http.Client{Timeout: timeout}}
}

// NewHTTPPollerWithClient builds an HTTPPoller around a caller-supplied
// client, e.g. one from pkg/svcclient that attaches a service-account
// bearer token to every request.
func NewHTTPPollerWithClient(client *http.Client) *HTTPPoller {
	return &HTTPPoller{client: client}
}

type capacityResponse struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// Poll implements Poller.
func (p *HTTPPoller) Poll(ctx context.Context, se domain.StorageElement) (domain.CapacityRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, se.APIURL+"/api/v1/capacity", nil)
	if err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("building capacity request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("requesting capacity from %s: %w", se.ElementID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.CapacityRecord{}, fmt.Errorf("capacity request to %s: status %d", se.ElementID, resp.StatusCode)
	}

	var body capacityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("decoding capacity response from %s: %w", se.ElementID, err)
	}

	available := body.TotalBytes - body.UsedBytes
	var percentUsed float64
	if body.TotalBytes > 0 {
		percentUsed = float64(body.UsedBytes) / float64(body.TotalBytes) * 100
	}

	return domain.CapacityRecord{
		ElementID:   se.ElementID,
		Total:       body.TotalBytes,
		Used:        body.UsedBytes,
		Available:   available,
		PercentUsed: percentUsed,
		Mode:        se.Mode,
		Priority:    se.Priority,
		Endpoint:    se.APIURL,
	}, nil
}
