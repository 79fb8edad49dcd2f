// Package adminuser stores the human administrators who authenticate via
// the password grant. Lockout state lives in Redis (internal/auth.RateLimiter,
// keyed by username) rather than on this row; see pkg/tokenservice.
package adminuser

import (
	"time"

	"github.com/google/uuid"
)

// User is a human admin account.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// CreateRequest is the JSON body for POST /api/v1/admin/users.
type CreateRequest struct {
	Username string `json:"username" validate:"required,min=3"`
	Password string `json:"password" validate:"required,min=12"`
	Role     string `json:"role" validate:"required,oneof=admin manager engineer readonly"`
}

// Response is the JSON response for an admin user. It never carries
// PasswordHash.
type Response struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ToResponse converts a User to its public Response.
func (u User) ToResponse() Response {
	return Response{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt}
}
