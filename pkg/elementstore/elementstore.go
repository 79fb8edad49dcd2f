// Package elementstore is Admin's Postgres-backed registration table for
// Storage Elements: the record a node calls in with at startup and that
// every other component (Capacity Monitor, Storage Selector, GC Worker,
// Query's download handler) reads to resolve an element_id to an endpoint.
package elementstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/strata/pkg/domain"
)

const columns = `element_id, api_url, mode, storage_type, priority, capacity_bytes, used_bytes, status, last_seen`

// Store provides database operations for Storage Element registrations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanElement(row pgx.Row) (domain.StorageElement, error) {
	var se domain.StorageElement
	err := row.Scan(&se.ElementID, &se.APIURL, &se.Mode, &se.StorageType, &se.Priority,
		&se.CapacityBytes, &se.UsedBytes, &se.Status, &se.LastSeen)
	return se, err
}

// GetStorageElement returns the registration for elementID, or pgx.ErrNoRows.
func (s *Store) GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error) {
	query := `SELECT ` + columns + ` FROM storage_elements WHERE element_id = $1`
	se, err := scanElement(s.pool.QueryRow(ctx, query, elementID))
	if err != nil {
		return domain.StorageElement{}, fmt.Errorf("loading storage element %s: %w", elementID, err)
	}
	return se, nil
}

// ListStorageElements returns every registered element, for the Capacity
// Monitor's poll fleet and the GC Worker's orphan scan.
func (s *Store) ListStorageElements(ctx context.Context) ([]domain.StorageElement, error) {
	query := `SELECT ` + columns + ` FROM storage_elements ORDER BY element_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing storage elements: %w", err)
	}
	defer rows.Close()
	return collectElements(rows)
}

// ListStorageElementsByMode is the Selector's Admin-direct fallback path
// when the capacity registry can't be read.
func (s *Store) ListStorageElementsByMode(ctx context.Context, mode domain.Mode) ([]domain.StorageElement, error) {
	query := `SELECT ` + columns + ` FROM storage_elements WHERE mode = $1 AND status != $2 ORDER BY priority, element_id`
	rows, err := s.pool.Query(ctx, query, mode, domain.StatusOffline)
	if err != nil {
		return nil, fmt.Errorf("listing storage elements by mode %s: %w", mode, err)
	}
	defer rows.Close()
	return collectElements(rows)
}

func collectElements(rows pgx.Rows) ([]domain.StorageElement, error) {
	var elements []domain.StorageElement
	for rows.Next() {
		se, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning storage element: %w", err)
		}
		elements = append(elements, se)
	}
	return elements, rows.Err()
}

// Register inserts a new element or updates its registration on conflict,
// the upsert a Storage Element's startup handshake performs.
func (s *Store) Register(ctx context.Context, se domain.StorageElement) error {
	query := `INSERT INTO storage_elements (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (element_id) DO UPDATE SET
		api_url = EXCLUDED.api_url,
		mode = EXCLUDED.mode,
		storage_type = EXCLUDED.storage_type,
		priority = EXCLUDED.priority,
		capacity_bytes = EXCLUDED.capacity_bytes,
		used_bytes = EXCLUDED.used_bytes,
		status = EXCLUDED.status,
		last_seen = EXCLUDED.last_seen`
	_, err := s.pool.Exec(ctx, query, se.ElementID, se.APIURL, se.Mode, se.StorageType,
		se.Priority, se.CapacityBytes, se.UsedBytes, se.Status, se.LastSeen)
	if err != nil {
		return fmt.Errorf("registering storage element %s: %w", se.ElementID, err)
	}
	return nil
}

// SetMode updates an element's operating mode, used by the admin mode
// transition endpoint.
func (s *Store) SetMode(ctx context.Context, elementID string, mode domain.Mode) error {
	tag, err := s.pool.Exec(ctx, `UPDATE storage_elements SET mode = $2 WHERE element_id = $1`, elementID, mode)
	if err != nil {
		return fmt.Errorf("updating storage element mode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
