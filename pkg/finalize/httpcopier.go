package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/storagename"
)

// HTTPCopier moves an object between two Storage Elements over their
// internal object endpoints. Copy streams the GET response body straight
// into the PUT request body, hashing as it goes, so a large file is never
// buffered in memory.
type HTTPCopier struct {
	client *http.Client
}

// NewHTTPCopier builds an HTTPCopier with a bounded per-request timeout.
func NewHTTPCopier(timeout time.Duration) *HTTPCopier {
	return &HTTPCopier{client: &http.Client{Timeout: timeout}}
}

// NewHTTPCopierWithClient builds an HTTPCopier around a caller-supplied
// client, e.g. one from pkg/svcclient that attaches a service-account
// bearer token to every request against the internal SE object API.
func NewHTTPCopierWithClient(client *http.Client) *HTTPCopier {
	return &HTTPCopier{client: client}
}

// Copy implements Copier. The target storage path is re-derived from the
// current time rather than reused from the source, since a finalize moves
// the object into a fresh date partition on the target element.
func (c *HTTPCopier) Copy(ctx context.Context, sourceSE, targetSE domain.StorageElement, file domain.File) (string, string, error) {
	sourceKey := file.StoragePath + "/" + file.StorageFilename
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceSE.APIURL+"/internal/v1/objects/"+sourceKey, nil)
	if err != nil {
		return "", "", fmt.Errorf("building source read request: %w", err)
	}
	getResp, err := c.client.Do(getReq)
	if err != nil {
		return "", "", fmt.Errorf("reading from source %s: %w", sourceSE.ElementID, err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("source %s returned status %d", sourceSE.ElementID, getResp.StatusCode)
	}

	hasher := sha256.New()
	newPath := storagename.StoragePath(time.Now())

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, targetSE.APIURL+"/internal/v1/objects/"+newPath+"/"+file.StorageFilename, io.TeeReader(getResp.Body, hasher))
	if err != nil {
		return "", "", fmt.Errorf("building target write request: %w", err)
	}
	putReq.ContentLength = file.FileSize
	putReq.Header.Set("X-File-Id", file.FileID.String())
	putReq.Header.Set("X-Original-Filename", file.OriginalFilename)
	putReq.Header.Set("X-Content-Type", file.ContentType)
	putReq.Header.Set("X-Retention-Policy", string(file.RetentionPolicy))
	putReq.Header.Set("X-Uploaded-By", file.UploadedBy)

	putResp, err := c.client.Do(putReq)
	if err != nil {
		return "", "", fmt.Errorf("writing to target %s: %w", targetSE.ElementID, err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated && putResp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("target %s returned status %d", targetSE.ElementID, putResp.StatusCode)
	}

	return newPath + "/" + file.StorageFilename, hex.EncodeToString(hasher.Sum(nil)), nil
}

// SourceChecksum asks the source element for its attribute sidecar rather
// than trusting the checksum the coordinator already holds in memory, so
// verification catches silent corruption of the source object itself.
func (c *HTTPCopier) SourceChecksum(ctx context.Context, sourceSE domain.StorageElement, file domain.File) (string, error) {
	sourceKey := file.StoragePath + "/" + file.StorageFilename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceSE.APIURL+"/internal/v1/objects/"+sourceKey+"/checksum", nil)
	if err != nil {
		return "", fmt.Errorf("building checksum request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting checksum from %s: %w", sourceSE.ElementID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("source %s checksum endpoint returned status %d", sourceSE.ElementID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return "", fmt.Errorf("reading checksum response: %w", err)
	}
	return string(body), nil
}

// DeleteTarget removes a partially or fully written target object as part
// of rollback. A 404 from the target is not an error: the object may never
// have been written, or a prior rollback attempt already removed it.
func (c *HTTPCopier) DeleteTarget(ctx context.Context, targetSE domain.StorageElement, newStoragePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, targetSE.APIURL+"/internal/v1/objects/"+newStoragePath, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting from target %s: %w", targetSE.ElementID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("target %s delete returned status %d", targetSE.ElementID, resp.StatusCode)
	}
	return nil
}
