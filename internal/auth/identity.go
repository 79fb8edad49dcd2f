package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles supported by the admin RBAC surface.
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEngineer = "engineer"
	RoleReadonly = "readonly"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleAdmin, RoleManager, RoleEngineer, RoleReadonly}

// Subject types carried in the "type" JWT claim.
const (
	SubjectAccess         = "access"
	SubjectRefresh        = "refresh"
	SubjectServiceAccount = "service_account"
	SubjectAdminUser      = "admin_user"
)

// Identity represents the authenticated caller for the current request,
// derived from a validated bearer token.
type Identity struct {
	Subject          string     // sub claim: admin user ID or service account client_id
	Type             string     // one of the Subject* constants
	Role             string     // one of the Role* constants, set for admin_user tokens
	ServiceAccountID *uuid.UUID // non-nil for service_account tokens
	KeyVersion       uuid.UUID  // JWT key version that signed this token
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}
