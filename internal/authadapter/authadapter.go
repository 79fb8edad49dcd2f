// Package authadapter wires pkg/tokenservice into internal/auth's HTTP
// middleware. It exists as a separate package because tokenservice already
// imports internal/auth (for the RateLimiter its password grant uses),
// so internal/auth itself cannot import tokenservice back.
package authadapter

import (
	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/pkg/tokenservice"
)

// TokenValidator adapts a *tokenservice.Service to auth.Validator.
type TokenValidator struct {
	svc *tokenservice.Service
}

// New wraps svc so it satisfies auth.Validator.
func New(svc *tokenservice.Service) *TokenValidator {
	return &TokenValidator{svc: svc}
}

func (a *TokenValidator) Validate(raw, expectedType string) (*auth.ValidatedToken, error) {
	validated, err := a.svc.Validate(raw, expectedType)
	if err != nil {
		return nil, err
	}
	return &auth.ValidatedToken{
		Subject:    validated.Claims.Subject,
		Type:       validated.Claims.Type,
		Role:       validated.Claims.Role,
		KeyVersion: validated.KeyVersion,
	}, nil
}
