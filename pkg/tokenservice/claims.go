// Package tokenservice issues and validates the RS256 JWTs used across all
// four services, and implements the two OAuth2 grants the Admin Module
// exposes at POST /api/v1/auth/token.
package tokenservice

import (
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
)

// Subject types carried in the "type" claim, naming who the bearer is
// rather than a separate grant-type field.
const (
	TypeRefresh        = "refresh"
	TypeServiceAccount = "service_account"
	TypeAdminUser      = "admin_user"
)

const (
	issuer          = "strata"
	clockSkew       = 30 * time.Second
	accessTokenTTL  = 30 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

// Claims are the custom claims embedded in every token this service issues.
// Refresh tokens carry only Subject and Type, per spec 4.B.
type Claims struct {
	Subject  string `json:"sub"`
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Validation failure reasons, surfaced as distinct typed errors rather than
// one opaque "invalid" result.
type ValidationError string

const (
	ErrTokenInvalid   ValidationError = "invalid"
	ErrTokenExpired   ValidationError = "expired"
	ErrTokenWrongType ValidationError = "wrong_type"
)

func (e ValidationError) Error() string { return string(e) }

func expectedClaims(now time.Time) jwt.Expected {
	return jwt.Expected{
		Issuer: issuer,
		Time:   now,
	}
}
