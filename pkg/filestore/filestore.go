// Package filestore is Admin's Postgres-backed File table: the
// authoritative record of every uploaded object, from its initial
// temporary row through finalize promotion to soft deletion.
package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/strata/pkg/domain"
)

const columns = `file_id, original_filename, storage_filename, file_size, checksum_sha256,
	content_type, retention_policy, ttl_expires_at, finalized_at, storage_element_id,
	storage_path, uploaded_by, tags, created_at, updated_at, deleted_at`

// Store provides database operations for the File table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanFile(row pgx.Row) (domain.File, error) {
	var f domain.File
	err := row.Scan(&f.FileID, &f.OriginalFilename, &f.StorageFilename, &f.FileSize, &f.ChecksumSHA256,
		&f.ContentType, &f.RetentionPolicy, &f.TTLExpiresAt, &f.FinalizedAt, &f.StorageElementID,
		&f.StoragePath, &f.UploadedBy, &f.Tags, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt)
	return f, err
}

// GetFile returns the file record for fileID, or pgx.ErrNoRows.
func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (domain.File, error) {
	query := `SELECT ` + columns + ` FROM files WHERE file_id = $1`
	f, err := scanFile(s.pool.QueryRow(ctx, query, fileID))
	if err != nil {
		return domain.File{}, fmt.Errorf("loading file %s: %w", fileID, err)
	}
	return f, nil
}

// FileExists reports whether fileID has a live (non-deleted) row, for the
// GC Worker's orphan scan.
func (s *Store) FileExists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM files WHERE file_id = $1 AND deleted_at IS NULL)`, fileID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking file existence %s: %w", fileID, err)
	}
	return exists, nil
}

// Create inserts the initial row for a newly uploaded file.
func (s *Store) Create(ctx context.Context, f domain.File) error {
	query := `INSERT INTO files (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := s.pool.Exec(ctx, query, f.FileID, f.OriginalFilename, f.StorageFilename, f.FileSize, f.ChecksumSHA256,
		f.ContentType, f.RetentionPolicy, f.TTLExpiresAt, f.FinalizedAt, f.StorageElementID,
		f.StoragePath, f.UploadedBy, f.Tags, f.CreatedAt, f.UpdatedAt, f.DeletedAt)
	if err != nil {
		return fmt.Errorf("inserting file %s: %w", f.FileID, err)
	}
	return nil
}

// CommitFinalize promotes a temporary file to permanent, pointing it at its
// new Storage Element and storage path in one statement — the final write
// of the Finalize Coordinator's commit phase.
func (s *Store) CommitFinalize(ctx context.Context, fileID uuid.UUID, targetSE, newStoragePath string, now time.Time) error {
	query := `UPDATE files SET
		retention_policy = $2,
		storage_element_id = $3,
		storage_path = $4,
		ttl_expires_at = NULL,
		finalized_at = $5,
		updated_at = $5
	WHERE file_id = $1`
	tag, err := s.pool.Exec(ctx, query, fileID, domain.RetentionPermanent, targetSE, newStoragePath, now)
	if err != nil {
		return fmt.Errorf("committing finalize for file %s: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SoftDelete marks a file deleted without removing its row, preserving the
// audit trail.
func (s *Store) SoftDelete(ctx context.Context, fileID uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE files SET deleted_at = $2, updated_at = $2 WHERE file_id = $1 AND deleted_at IS NULL`, fileID, now)
	if err != nil {
		return fmt.Errorf("soft-deleting file %s: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListAllFiles streams every non-deleted file through cursor, in file_id
// order, for Query's operator-triggered full cache rebuild.
func (s *Store) ListAllFiles(ctx context.Context, cursor func(domain.File) error) error {
	query := `SELECT ` + columns + ` FROM files WHERE deleted_at IS NULL ORDER BY file_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return fmt.Errorf("scanning file: %w", err)
		}
		if err := cursor(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListPage returns up to limit+1 non-deleted files starting at offset, in
// file_id order, for the internal file-list endpoint Query's Cache Sync
// pages through. Callers treat a result of len == limit+1 as "more pages
// remain" and trim the extra row before responding.
func (s *Store) ListPage(ctx context.Context, limit, offset int) ([]domain.File, error) {
	query := `SELECT ` + columns + ` FROM files WHERE deleted_at IS NULL ORDER BY file_id LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("listing files page: %w", err)
	}
	defer rows.Close()

	var files []domain.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListExpiredTemporary returns temporary files whose TTL has passed, for
// the TTL-expiry sweep that feeds the Cleanup Queue.
func (s *Store) ListExpiredTemporary(ctx context.Context, now time.Time) ([]domain.File, error) {
	query := `SELECT ` + columns + ` FROM files
	WHERE retention_policy = $1 AND ttl_expires_at IS NOT NULL AND ttl_expires_at <= $2 AND deleted_at IS NULL`
	rows, err := s.pool.Query(ctx, query, domain.RetentionTemporary, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired temporary files: %w", err)
	}
	defer rows.Close()

	var files []domain.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
