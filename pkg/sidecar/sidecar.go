// Package sidecar reads and writes the per-file attribute JSON that is the
// authoritative metadata source on a Storage Element, living next to the
// data file as "{storage_filename}.attr.json".
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Attributes is the full metadata sidecar for one stored object.
type Attributes struct {
	FileID           uuid.UUID `json:"file_id"`
	OriginalFilename string    `json:"original_filename"`
	StorageFilename  string    `json:"storage_filename"`
	FileSize         int64     `json:"file_size"`
	ChecksumSHA256   string    `json:"checksum_sha256"`
	ContentType      string    `json:"content_type"`
	RetentionPolicy  string    `json:"retention_policy"`
	UploadedBy       string    `json:"uploaded_by"`
	CreatedAt        time.Time `json:"created_at"`
}

// Suffix is appended to the storage filename to form the sidecar filename.
const Suffix = ".attr.json"

// Path returns the sidecar filename for a given storage filename.
func Path(storageFilename string) string {
	return storageFilename + Suffix
}

// Write serializes attrs to path atomically (temp file + rename), matching
// the durability guarantee the data file itself gets.
func Write(path string, attrs Attributes) error {
	data, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("sidecar: marshaling %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sidecar: writing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sidecar: renaming into place %s: %w", path, err)
	}
	return nil
}

// Read loads and decodes a sidecar file.
func Read(path string) (Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attributes{}, fmt.Errorf("sidecar: reading %s: %w", path, err)
	}
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Attributes{}, fmt.Errorf("sidecar: decoding %s: %w", path, err)
	}
	return attrs, nil
}
