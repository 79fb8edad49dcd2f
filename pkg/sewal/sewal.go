// Package sewal implements a Storage Element's local write-ahead log and
// metadata cache, both backed by a single BoltDB file. The attribute
// sidecar written alongside each object is the source of truth; everything
// in this package is rebuildable from those sidecars.
package sewal

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWAL      = []byte("wal")
	bucketMetadata = []byte("metadata_cache")
)

// Operation is the kind of intent recorded in a WAL row.
type Operation string

const (
	OperationUpload Operation = "upload"
	OperationDelete Operation = "delete"
	OperationCopy   Operation = "copy"
)

// Status is the outcome recorded for a WAL row.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Entry is one append-only WAL row.
type Entry struct {
	WALID         uuid.UUID       `json:"wal_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Operation     Operation       `json:"operation"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"payload"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// CacheRow is the metadata cache, derived from a file's attribute sidecar.
// It exists purely as a fast local index; the sidecar stays authoritative,
// and RebuildCacheRow overwrites a row from it. No code path in the service
// calls RebuildCacheRow after a crash between sidecar write and cache update.
type CacheRow struct {
	FileID           uuid.UUID `json:"file_id"`
	StorageFilename  string    `json:"storage_filename"`
	StoragePath      string    `json:"storage_path"`
	FileSize         int64     `json:"file_size"`
	ChecksumSHA256   string    `json:"checksum_sha256"`
	ContentType      string    `json:"content_type"`
	UploadedBy       string    `json:"uploaded_by"`
	RetentionPolicy  string    `json:"retention_policy"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store wraps a BoltDB file holding both buckets.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the WAL/cache database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("sewal: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWAL); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMetadata); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sewal: creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendWAL appends a new WAL row keyed by its wal_id. The keys are random
// UUIDs, so the bucket's key order says nothing about insertion order; the
// WAL is read in full and sorted by RecordedAt when scanned.
func (s *Store) AppendWAL(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sewal: marshaling WAL entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		return b.Put([]byte(entry.WALID.String()), data)
	})
}

// ScanWAL returns every WAL entry, sorted by RecordedAt.
// Readers may scan concurrently with writers.
func (s *Store) ScanWAL() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("sewal: decoding WAL entry %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
	return entries, err
}

// PutCacheRow inserts or overwrites the metadata cache row for fileID,
// derived from its attribute sidecar.
func (s *Store) PutCacheRow(fileID uuid.UUID, row CacheRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("sewal: marshaling cache row: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		return b.Put([]byte(fileID.String()), data)
	})
}

// GetCacheRow returns the cached row for fileID.
func (s *Store) GetCacheRow(fileID uuid.UUID) (CacheRow, bool, error) {
	var row CacheRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		data := b.Get([]byte(fileID.String()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	return row, found, err
}

// DeleteCacheRow removes fileID's cache row, e.g. after a file is GC'd.
func (s *Store) DeleteCacheRow(fileID uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		return b.Delete([]byte(fileID.String()))
	})
}

// RebuildCacheRow is the reconciliation entry point: given a sidecar
// already decoded elsewhere, it overwrites the cache row unconditionally,
// since the sidecar is always authoritative over the cache.
func (s *Store) RebuildCacheRow(fileID uuid.UUID, row CacheRow) error {
	return s.PutCacheRow(fileID, row)
}
