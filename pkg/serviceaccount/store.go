package serviceaccount

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `client_id, secret_hash, status, secret_expires_at, created_at`

// Store provides database operations for service accounts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ClientID, &a.SecretHash, &a.Status, &a.SecretExpiresAt, &a.CreatedAt)
	return a, err
}

// GetByClientID returns the account for client_id, or pgx.ErrNoRows.
func (s *Store) GetByClientID(ctx context.Context, clientID string) (Account, error) {
	query := `SELECT ` + columns + ` FROM service_accounts WHERE client_id = $1`
	row := s.pool.QueryRow(ctx, query, clientID)
	a, err := scanAccount(row)
	if err != nil {
		return Account{}, fmt.Errorf("loading service account %s: %w", clientID, err)
	}
	return a, nil
}

// Create inserts a new service account.
func (s *Store) Create(ctx context.Context, a Account) (Account, error) {
	query := `INSERT INTO service_accounts (client_id, secret_hash, status, secret_expires_at)
	VALUES ($1, $2, $3, $4)
	RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, a.ClientID, a.SecretHash, a.Status, a.SecretExpiresAt)
	return scanAccount(row)
}

// List returns every service account, for the service-account management
// endpoint.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	query := `SELECT ` + columns + ` FROM service_accounts ORDER BY client_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing service accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetStatus updates a service account's status (e.g. suspending it).
func (s *Store) SetStatus(ctx context.Context, clientID string, status Status) error {
	query := `UPDATE service_accounts SET status = $2 WHERE client_id = $1`
	tag, err := s.pool.Exec(ctx, query, clientID, status)
	if err != nil {
		return fmt.Errorf("updating service account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
