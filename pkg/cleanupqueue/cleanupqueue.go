// Package cleanupqueue is Admin's Postgres-backed Cleanup Queue table: the
// deferred-deletion job list the GC Worker drains, fed by TTL expiry,
// finalize promotion, orphan discovery, and manual deletes.
package cleanupqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/strata/pkg/domain"
)

const columns = `id, file_id, storage_element_id, scheduled_at, priority, reason,
	processed_at, success, retry_count, error_message`

// Store provides database operations for the Cleanup Queue table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanEntry(row pgx.Row) (domain.CleanupQueueEntry, error) {
	var e domain.CleanupQueueEntry
	err := row.Scan(&e.ID, &e.FileID, &e.StorageElementID, &e.ScheduledAt, &e.Priority, &e.Reason,
		&e.ProcessedAt, &e.Success, &e.RetryCount, &e.ErrorMessage)
	return e, err
}

// Enqueue inserts a new cleanup job.
func (s *Store) Enqueue(ctx context.Context, e domain.CleanupQueueEntry) error {
	query := `INSERT INTO cleanup_queue
		(file_id, storage_element_id, scheduled_at, priority, reason, processed_at, success, retry_count, error_message)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query, e.FileID, e.StorageElementID, e.ScheduledAt, e.Priority, e.Reason,
		e.ProcessedAt, e.Success, e.RetryCount, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("enqueueing cleanup entry for file %s: %w", e.FileID, err)
	}
	return nil
}

// ListDue returns unprocessed entries with scheduled_at <= now, highest
// priority first, oldest-scheduled first within a priority tier.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]domain.CleanupQueueEntry, error) {
	query := `SELECT ` + columns + ` FROM cleanup_queue
	WHERE processed_at IS NULL AND scheduled_at <= $1
	ORDER BY priority DESC, scheduled_at ASC`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("listing due cleanup entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.CleanupQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cleanup entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkProcessed marks an entry terminally processed, successful or not.
func (s *Store) MarkProcessed(ctx context.Context, id int64, now time.Time, success bool, errorMessage string) error {
	query := `UPDATE cleanup_queue SET processed_at = $2, success = $3, error_message = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, now, success, errorMessage)
	if err != nil {
		return fmt.Errorf("marking cleanup entry %d processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Reschedule bumps retry_count and pushes scheduled_at out per the GC
// Worker's exponential-backoff retry formula.
func (s *Store) Reschedule(ctx context.Context, id int64, retryCount int, scheduledAt time.Time) error {
	query := `UPDATE cleanup_queue SET retry_count = $2, scheduled_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, retryCount, scheduledAt)
	if err != nil {
		return fmt.Errorf("rescheduling cleanup entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
