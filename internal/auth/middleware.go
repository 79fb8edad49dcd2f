package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/httpserver"
)

// Validator is the subset of pkg/tokenservice.Service the auth middleware
// needs, kept narrow so this package doesn't import tokenservice directly:
// tokenservice already imports internal/auth (for RateLimiter), so the
// concrete adapter wiring these together lives in internal/authadapter.
type Validator interface {
	Validate(raw, expectedType string) (*ValidatedToken, error)
}

// ValidatedToken is the claim set a Validator hands back on success.
type ValidatedToken struct {
	Subject    string
	Type       string
	Role       string
	KeyVersion uuid.UUID
}

// RequireAuth extracts a bearer token from the Authorization header,
// validates it against v, and stores the resulting Identity in the request
// context. A missing or invalid token short-circuits with 401. expectedType
// restricts which token type (SubjectAccess, SubjectServiceAccount, ...) is
// accepted; pass "" to accept any type the Validator itself allows through.
func RequireAuth(v Validator, expectedType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			raw := strings.TrimPrefix(header, prefix)
			validated, err := v.Validate(raw, expectedType)
			if err != nil {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			identity := &Identity{
				Subject:    validated.Subject,
				Type:       validated.Type,
				Role:       validated.Role,
				KeyVersion: validated.KeyVersion,
			}
			// Subject carries the service account's client_id, not its
			// internal UUID, so ServiceAccountID is left for callers that
			// look it up via pkg/serviceaccount when they need it.
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), identity)))
		})
	}
}

// RequireRole wraps a handler, rejecting requests whose Identity doesn't
// carry one of the allowed roles. It must run after RequireAuth.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := FromContext(r.Context())
			if identity == nil {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
				return
			}
			for _, role := range allowed {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
		})
	}
}
