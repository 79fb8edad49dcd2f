// Package sebackend abstracts the physical storage a Storage Element
// writes to, so the upload path, the finalize copier, and the GC worker
// never care whether a given SE is backed by a local filesystem tree or an
// S3-compatible bucket.
package sebackend

import (
	"context"
	"io"
)

// ObjectInfo describes a stored object without reading its body.
type ObjectInfo struct {
	Size int64
}

// Backend is the storage surface a Storage Element writes object bytes
// through. key is "storage_path/storage_filename", e.g.
// "2026/08/01/14/report_alice_20260801T140000_<uuid>.pdf".
type Backend interface {
	// Put stores body under key, returning the number of bytes written.
	// Implementations must make the write atomic: a reader must never
	// observe a partially written object.
	Put(ctx context.Context, key string, body io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// GetRange returns length bytes starting at offset; length < 0 reads
	// to the end of the object. Used by the download path to serve
	// RFC 7233 range requests without buffering the whole object.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}
