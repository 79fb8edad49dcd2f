// Package txstore is Admin's Postgres-backed Finalize Transaction table,
// the two-phase commit ledger the Finalize Coordinator and its dangling-
// transaction sweeper both read and write.
package txstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/strata/pkg/domain"
)

const columns = `transaction_id, file_id, source_se, target_se, status, checksum_source,
	checksum_target, retry_count, error_code, error_message, created_at, updated_at, completed_at`

// Store provides database operations for the Finalize Transaction table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTx(row pgx.Row) (domain.FinalizeTransaction, error) {
	var t domain.FinalizeTransaction
	err := row.Scan(&t.TransactionID, &t.FileID, &t.SourceSE, &t.TargetSE, &t.Status, &t.ChecksumSource,
		&t.ChecksumTarget, &t.RetryCount, &t.ErrorCode, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	return t, err
}

// Create inserts a new finalize transaction row.
func (s *Store) Create(ctx context.Context, t domain.FinalizeTransaction) error {
	query := `INSERT INTO finalize_transactions (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.pool.Exec(ctx, query, t.TransactionID, t.FileID, t.SourceSE, t.TargetSE, t.Status,
		t.ChecksumSource, t.ChecksumTarget, t.RetryCount, t.ErrorCode, t.ErrorMessage,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting finalize transaction %s: %w", t.TransactionID, err)
	}
	return nil
}

// Get returns the transaction for transactionID, or pgx.ErrNoRows.
func (s *Store) Get(ctx context.Context, transactionID uuid.UUID) (domain.FinalizeTransaction, error) {
	query := `SELECT ` + columns + ` FROM finalize_transactions WHERE transaction_id = $1`
	t, err := scanTx(s.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		return domain.FinalizeTransaction{}, fmt.Errorf("loading finalize transaction %s: %w", transactionID, err)
	}
	return t, nil
}

// FindActiveByFile returns the most recent non-terminal transaction for
// fileID, or nil if there is none — the duplicate-finalize-call guard.
func (s *Store) FindActiveByFile(ctx context.Context, fileID uuid.UUID) (*domain.FinalizeTransaction, error) {
	query := `SELECT ` + columns + ` FROM finalize_transactions
	WHERE file_id = $1 AND status NOT IN ($2, $3, $4)
	ORDER BY created_at DESC LIMIT 1`
	t, err := scanTx(s.pool.QueryRow(ctx, query, fileID, domain.TxCompleted, domain.TxFailed, domain.TxRolledBack))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding active finalize transaction for file %s: %w", fileID, err)
	}
	return &t, nil
}

// Update persists a transaction's current state in full — the coordinator
// re-saves the whole row on every protocol step rather than issuing
// targeted column updates, since each step changes several fields at once.
func (s *Store) Update(ctx context.Context, t domain.FinalizeTransaction) error {
	query := `UPDATE finalize_transactions SET
		status = $2, checksum_source = $3, checksum_target = $4, retry_count = $5,
		error_code = $6, error_message = $7, updated_at = $8, completed_at = $9
	WHERE transaction_id = $1`
	tag, err := s.pool.Exec(ctx, query, t.TransactionID, t.Status, t.ChecksumSource, t.ChecksumTarget,
		t.RetryCount, t.ErrorCode, t.ErrorMessage, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating finalize transaction %s: %w", t.TransactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListStaleNonTerminal returns transactions stuck in copying/copied/
// verifying whose updated_at predates olderThan, for the dangling-
// transaction sweep.
func (s *Store) ListStaleNonTerminal(ctx context.Context, olderThan time.Time) ([]domain.FinalizeTransaction, error) {
	query := `SELECT ` + columns + ` FROM finalize_transactions
	WHERE status IN ($1, $2, $3) AND updated_at < $4`
	rows, err := s.pool.Query(ctx, query, domain.TxCopying, domain.TxCopied, domain.TxVerifying, olderThan)
	if err != nil {
		return nil, fmt.Errorf("listing stale finalize transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.FinalizeTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning finalize transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
