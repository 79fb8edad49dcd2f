// Package querycache is Query's own Postgres-backed searchable cache: a
// derived copy of Admin's File table, kept current by pkg/cachesync and
// rebuildable in full from Admin at any time. It also backs the download
// path's metadata lookups (pkg/download.MetadataSource).
package querycache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/strata/pkg/cachesync"
	"github.com/wisbric/strata/pkg/domain"
)

const columns = `file_id, original_filename, storage_filename, file_size, checksum_sha256,
	content_type, retention_policy, ttl_expires_at, finalized_at, storage_element_id,
	storage_path, uploaded_by, tags, created_at, updated_at, deleted_at, cache_updated_at`

// Store is Query's searchable cache. It satisfies cachesync.CacheStore and
// pkg/download.MetadataSource.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanRow(row pgx.Row) (cachesync.CacheRow, error) {
	var r cachesync.CacheRow
	f := &r.File
	err := row.Scan(&f.FileID, &f.OriginalFilename, &f.StorageFilename, &f.FileSize, &f.ChecksumSHA256,
		&f.ContentType, &f.RetentionPolicy, &f.TTLExpiresAt, &f.FinalizedAt, &f.StorageElementID,
		&f.StoragePath, &f.UploadedBy, &f.Tags, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt, &r.CacheUpdatedAt)
	return r, err
}

// Upsert inserts or replaces the row for row.File.FileID.
func (s *Store) Upsert(ctx context.Context, row cachesync.CacheRow) error {
	f := row.File
	query := `INSERT INTO file_cache (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (file_id) DO UPDATE SET
		original_filename = EXCLUDED.original_filename,
		storage_filename = EXCLUDED.storage_filename,
		file_size = EXCLUDED.file_size,
		checksum_sha256 = EXCLUDED.checksum_sha256,
		content_type = EXCLUDED.content_type,
		retention_policy = EXCLUDED.retention_policy,
		ttl_expires_at = EXCLUDED.ttl_expires_at,
		finalized_at = EXCLUDED.finalized_at,
		storage_element_id = EXCLUDED.storage_element_id,
		storage_path = EXCLUDED.storage_path,
		uploaded_by = EXCLUDED.uploaded_by,
		tags = EXCLUDED.tags,
		created_at = EXCLUDED.created_at,
		updated_at = EXCLUDED.updated_at,
		deleted_at = EXCLUDED.deleted_at,
		cache_updated_at = EXCLUDED.cache_updated_at`
	_, err := s.pool.Exec(ctx, query, f.FileID, f.OriginalFilename, f.StorageFilename, f.FileSize, f.ChecksumSHA256,
		f.ContentType, f.RetentionPolicy, f.TTLExpiresAt, f.FinalizedAt, f.StorageElementID,
		f.StoragePath, f.UploadedBy, f.Tags, f.CreatedAt, f.UpdatedAt, f.DeletedAt, row.CacheUpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting cache row for file %s: %w", f.FileID, err)
	}
	return nil
}

// Update replaces the row for row.File.FileID only if it already exists.
func (s *Store) Update(ctx context.Context, row cachesync.CacheRow) (bool, error) {
	f := row.File
	query := `UPDATE file_cache SET
		original_filename = $2, storage_filename = $3, file_size = $4, checksum_sha256 = $5,
		content_type = $6, retention_policy = $7, ttl_expires_at = $8, finalized_at = $9,
		storage_element_id = $10, storage_path = $11, uploaded_by = $12, tags = $13,
		created_at = $14, updated_at = $15, deleted_at = $16, cache_updated_at = $17
	WHERE file_id = $1`
	tag, err := s.pool.Exec(ctx, query, f.FileID, f.OriginalFilename, f.StorageFilename, f.FileSize, f.ChecksumSHA256,
		f.ContentType, f.RetentionPolicy, f.TTLExpiresAt, f.FinalizedAt, f.StorageElementID,
		f.StoragePath, f.UploadedBy, f.Tags, f.CreatedAt, f.UpdatedAt, f.DeletedAt, row.CacheUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("updating cache row for file %s: %w", f.FileID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete hard-deletes the cache row for fileID.
func (s *Store) Delete(ctx context.Context, fileID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM file_cache WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("deleting cache row for file %s: %w", fileID, err)
	}
	return nil
}

// DeleteAll clears the cache before a full rebuild.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE file_cache`); err != nil {
		return fmt.Errorf("truncating file cache: %w", err)
	}
	return nil
}

// GetFile satisfies pkg/download.MetadataSource: a download's fast path
// reads straight from the cache rather than calling Admin.
func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (domain.File, error) {
	query := `SELECT file_id, original_filename, storage_filename, file_size, checksum_sha256,
		content_type, retention_policy, ttl_expires_at, finalized_at, storage_element_id,
		storage_path, uploaded_by, tags, created_at, updated_at, deleted_at
	FROM file_cache WHERE file_id = $1`
	var f domain.File
	err := s.pool.QueryRow(ctx, query, fileID).Scan(&f.FileID, &f.OriginalFilename, &f.StorageFilename,
		&f.FileSize, &f.ChecksumSHA256, &f.ContentType, &f.RetentionPolicy, &f.TTLExpiresAt, &f.FinalizedAt,
		&f.StorageElementID, &f.StoragePath, &f.UploadedBy, &f.Tags, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt)
	if err != nil {
		return domain.File{}, fmt.Errorf("loading cached file %s: %w", fileID, err)
	}
	return f, nil
}

// MatchMode selects how Search's filename/query filters compare.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchPartial  MatchMode = "partial"
	MatchFulltext MatchMode = "fulltext"
)

// Params is a parsed POST /api/search request body.
type Params struct {
	Query         string
	Filename      string
	FileExtension string
	Tags          []string
	Username      string
	MinSize       *int64
	MaxSize       *int64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Mode          MatchMode
	Limit         int
	Offset        int
	SortBy        string
	SortOrder     string
}

// Result is one POST /api/search response page.
type Result struct {
	Results    []domain.File
	TotalCount int
	Limit      int
	Offset     int
	HasMore    bool
}

var sortColumns = map[string]string{
	"created_at": "created_at",
	"file_size":  "file_size",
	"filename":   "original_filename",
}

// Search runs a filtered, paginated query over the cache. Fulltext mode
// uses Postgres's built-in tsvector/plainto_tsquery rather than a client-side
// search engine, since search here is over a handful of narrow text
// columns the database already indexes well.
func (s *Store) Search(ctx context.Context, p Params) (Result, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "deleted_at IS NULL")

	if p.Filename != "" {
		switch p.Mode {
		case MatchExact:
			where = append(where, "original_filename = "+arg(p.Filename))
		default:
			where = append(where, "original_filename ILIKE "+arg("%"+p.Filename+"%"))
		}
	}
	if p.FileExtension != "" {
		where = append(where, "original_filename ILIKE "+arg("%."+strings.TrimPrefix(p.FileExtension, ".")))
	}
	if p.Username != "" {
		where = append(where, "uploaded_by = "+arg(p.Username))
	}
	if p.MinSize != nil {
		where = append(where, "file_size >= "+arg(*p.MinSize))
	}
	if p.MaxSize != nil {
		where = append(where, "file_size <= "+arg(*p.MaxSize))
	}
	if p.CreatedAfter != nil {
		where = append(where, "created_at >= "+arg(*p.CreatedAfter))
	}
	if p.CreatedBefore != nil {
		where = append(where, "created_at <= "+arg(*p.CreatedBefore))
	}
	if len(p.Tags) > 0 {
		where = append(where, "tags @> "+arg(p.Tags))
	}
	if p.Query != "" {
		if p.Mode == MatchFulltext {
			where = append(where, "to_tsvector('english', original_filename) @@ plainto_tsquery('english', "+arg(p.Query)+")")
		} else {
			where = append(where, "original_filename ILIKE "+arg("%"+p.Query+"%"))
		}
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT count(*) FROM file_cache WHERE ` + whereClause
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return Result{}, fmt.Errorf("counting search results: %w", err)
	}

	sortCol, ok := sortColumns[p.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	sortOrder := "DESC"
	if strings.EqualFold(p.SortOrder, "asc") {
		sortOrder = "ASC"
	}

	limitArg := arg(p.Limit)
	offsetArg := arg(p.Offset)
	query := `SELECT file_id, original_filename, storage_filename, file_size, checksum_sha256,
		content_type, retention_policy, ttl_expires_at, finalized_at, storage_element_id,
		storage_path, uploaded_by, tags, created_at, updated_at, deleted_at
	FROM file_cache WHERE ` + whereClause + fmt.Sprintf(" ORDER BY %s %s LIMIT %s OFFSET %s", sortCol, sortOrder, limitArg, offsetArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("searching file cache: %w", err)
	}
	defer rows.Close()

	var files []domain.File
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.FileID, &f.OriginalFilename, &f.StorageFilename, &f.FileSize, &f.ChecksumSHA256,
			&f.ContentType, &f.RetentionPolicy, &f.TTLExpiresAt, &f.FinalizedAt, &f.StorageElementID,
			&f.StoragePath, &f.UploadedBy, &f.Tags, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt); err != nil {
			return Result{}, fmt.Errorf("scanning search result: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Results:    files,
		TotalCount: total,
		Limit:      p.Limit,
		Offset:     p.Offset,
		HasMore:    p.Offset+len(files) < total,
	}, nil
}
