package gcworker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/strata/pkg/domain"
)

// HTTPDeleter calls a Storage Element's internal, service-account-guarded
// GC endpoints over HTTP. It is the production Deleter.
type HTTPDeleter struct {
	client *http.Client
}

// NewHTTPDeleter builds an HTTPDeleter with a bounded per-request timeout.
func NewHTTPDeleter(timeout time.Duration) *HTTPDeleter {
	return &HTTPDeleter{client: &http.Client{Timeout: timeout}}
}

// NewHTTPDeleterWithClient builds an HTTPDeleter around a caller-supplied
// client, e.g. one from pkg/svcclient that attaches a service-account
// bearer token to every request against the internal SE GC API.
func NewHTTPDeleterWithClient(client *http.Client) *HTTPDeleter {
	return &HTTPDeleter{client: client}
}

// Delete implements Deleter.
func (d *HTTPDeleter) Delete(ctx context.Context, se domain.StorageElement, entry domain.CleanupQueueEntry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, se.APIURL+"/internal/v1/gc/files/"+entry.FileID.String(), nil)
	if err != nil {
		return fmt.Errorf("building gc delete request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("gc delete on %s: %w", se.ElementID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("gc delete on %s returned status %d", se.ElementID, resp.StatusCode)
	}
	return nil
}

type sidecarListEntry struct {
	FileID  string    `json:"file_id"`
	ModTime time.Time `json:"mod_time"`
}

// ListSidecarsOlderThan implements Deleter.
func (d *HTTPDeleter) ListSidecarsOlderThan(ctx context.Context, se domain.StorageElement, cutoff time.Time) ([]SidecarSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, se.APIURL+"/internal/v1/gc/sidecars?older_than="+cutoff.UTC().Format(time.RFC3339), nil)
	if err != nil {
		return nil, fmt.Errorf("building sidecar listing request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing sidecars on %s: %w", se.ElementID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar listing on %s returned status %d", se.ElementID, resp.StatusCode)
	}

	var entries []sidecarListEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding sidecar listing from %s: %w", se.ElementID, err)
	}

	now := time.Now()
	summaries := make([]SidecarSummary, 0, len(entries))
	for _, e := range entries {
		id, err := uuid.Parse(e.FileID)
		if err != nil {
			continue
		}
		summaries = append(summaries, SidecarSummary{
			FileID:  id,
			Age:     now.Sub(e.ModTime),
			Element: se.ElementID,
		})
	}
	return summaries, nil
}
