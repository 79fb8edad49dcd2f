package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/strata/pkg/sidecar"
)

// HTTPNotifier implements Notifier by calling Admin's internal file
// registration endpoint, the same one pkg/filestore.Handler.handleRegister
// serves.
type HTTPNotifier struct {
	client  *http.Client
	baseURL string
}

// NewHTTPNotifier builds an HTTPNotifier against Admin's baseURL.
func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// NewHTTPNotifierWithClient builds an HTTPNotifier around a caller-supplied
// client, e.g. one from pkg/svcclient that attaches a service-account
// bearer token to every request against Admin's internal API.
func NewHTTPNotifierWithClient(client *http.Client, baseURL string) *HTTPNotifier {
	return &HTTPNotifier{client: client, baseURL: baseURL}
}

type registerFileRequest struct {
	FileID           string `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	StorageFilename  string `json:"storage_filename"`
	FileSize         int64  `json:"file_size"`
	ChecksumSHA256   string `json:"checksum_sha256"`
	ContentType      string `json:"content_type"`
	RetentionPolicy  string `json:"retention_policy"`
	StorageElementID string `json:"storage_element_id"`
	StoragePath      string `json:"storage_path"`
	UploadedBy       string `json:"uploaded_by"`
}

// NotifyFileCreated implements Notifier.
func (n *HTTPNotifier) NotifyFileCreated(ctx context.Context, attrs sidecar.Attributes, storageElementID, storagePath string) error {
	body, err := json.Marshal(registerFileRequest{
		FileID:           attrs.FileID.String(),
		OriginalFilename: attrs.OriginalFilename,
		StorageFilename:  attrs.StorageFilename,
		FileSize:         attrs.FileSize,
		ChecksumSHA256:   attrs.ChecksumSHA256,
		ContentType:      attrs.ContentType,
		RetentionPolicy:  attrs.RetentionPolicy,
		StorageElementID: storageElementID,
		StoragePath:      storagePath,
		UploadedBy:       attrs.UploadedBy,
	})
	if err != nil {
		return fmt.Errorf("upload: marshaling file registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/internal/v1/files", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload: building file registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: notifying admin of file %s: %w", attrs.FileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload: admin returned status %d registering file %s", resp.StatusCode, attrs.FileID)
	}
	return nil
}
