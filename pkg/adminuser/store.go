package adminuser

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `id, username, password_hash, role, created_at`

// Store provides database operations for admin users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

// GetByUsername returns the user for username, or pgx.ErrNoRows.
func (s *Store) GetByUsername(ctx context.Context, username string) (User, error) {
	query := `SELECT ` + columns + ` FROM admin_users WHERE username = $1`
	row := s.pool.QueryRow(ctx, query, username)
	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("loading admin user %s: %w", username, err)
	}
	return u, nil
}

// Create inserts a new admin user.
func (s *Store) Create(ctx context.Context, u User) (User, error) {
	query := `INSERT INTO admin_users (username, password_hash, role)
	VALUES ($1, $2, $3)
	RETURNING ` + columns

	row := s.pool.QueryRow(ctx, query, u.Username, u.PasswordHash, u.Role)
	return scanUser(row)
}

// List returns every admin user, for the admin-user management endpoint.
func (s *Store) List(ctx context.Context) ([]User, error) {
	query := `SELECT ` + columns + ` FROM admin_users ORDER BY username`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing admin users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning admin user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
