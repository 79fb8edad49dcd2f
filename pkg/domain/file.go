// Package domain holds the data model shared by every strata service: the
// authoritative File and FinalizeTransaction records owned by Admin, the
// Storage Element registry, JWT key metadata, the cleanup queue, and the
// lifecycle events published on file create/update/delete.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetentionPolicy describes how long a File survives without being finalized.
type RetentionPolicy string

const (
	RetentionTemporary RetentionPolicy = "temporary"
	RetentionPermanent RetentionPolicy = "permanent"
)

// StorageType identifies the physical backend a Storage Element persists to.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// File is the authoritative record of an uploaded object, owned by Admin.
type File struct {
	FileID            uuid.UUID       `json:"file_id"`
	OriginalFilename  string          `json:"original_filename"`
	StorageFilename   string          `json:"storage_filename"`
	FileSize          int64           `json:"file_size"`
	ChecksumSHA256    string          `json:"checksum_sha256"`
	ContentType       string          `json:"content_type"`
	RetentionPolicy   RetentionPolicy `json:"retention_policy"`
	TTLExpiresAt      *time.Time      `json:"ttl_expires_at,omitempty"`
	FinalizedAt       *time.Time      `json:"finalized_at,omitempty"`
	StorageElementID  string          `json:"storage_element_id"`
	StoragePath       string          `json:"storage_path"`
	UploadedBy        string          `json:"uploaded_by"`
	Tags              []string        `json:"tags,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
}

// Extension returns the lowercased file extension (without the dot) of the
// original filename, or "" if it has none. Used by search's
// file_extension filter since the File record doesn't store it separately.
func (f *File) Extension() string {
	name := f.OriginalFilename
	for i := len(name) - 1; i >= 0 && name[i] != '/'; i-- {
		if name[i] == '.' {
			return toLowerASCII(name[i+1:])
		}
	}
	return ""
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// IsFinalized reports whether the file has completed the 2PC promotion to
// permanent storage.
func (f *File) IsFinalized() bool {
	return f.RetentionPolicy == RetentionPermanent && f.FinalizedAt != nil
}

// Validate checks the File invariants from the data model: a temporary file
// must carry a TTL, and a finalized file must be permanent with a
// finalized_at timestamp.
func (f *File) Validate() error {
	if f.RetentionPolicy == RetentionTemporary && f.TTLExpiresAt == nil {
		return ErrInvalidFileState{Reason: "temporary file missing ttl_expires_at"}
	}
	if f.FinalizedAt != nil && f.RetentionPolicy != RetentionPermanent {
		return ErrInvalidFileState{Reason: "finalized file must have retention_policy=permanent"}
	}
	return nil
}

// ErrInvalidFileState indicates a File struct violates a data model invariant.
type ErrInvalidFileState struct{ Reason string }

func (e ErrInvalidFileState) Error() string { return "invalid file state: " + e.Reason }
