package tokenservice

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/adminuser"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/serviceaccount"
)

// Handler serves the OAuth 2.0 token endpoint both grants funnel through.
type Handler struct {
	svc      *Service
	accounts *serviceaccount.Store
	users    *adminuser.Store
	limiter  *auth.RateLimiter
	logger   *slog.Logger
}

// NewHandler builds a token Handler.
func NewHandler(svc *Service, accounts *serviceaccount.Store, users *adminuser.Store, limiter *auth.RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, accounts: accounts, users: users, limiter: limiter, logger: logger}
}

// Routes mounts the token endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleToken)
	return r
}

type tokenRequest struct {
	GrantType    string `json:"grant_type" validate:"required,oneof=client_credentials password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IssuedAt     int64  `json:"issued_at"`
}

// handleToken implements the RFC 6749 §5.2 token endpoint: client_credentials
// for service accounts, password for human admins. Failures never cache and
// always carry a WWW-Authenticate challenge, per spec 4.B.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	var req tokenRequest
	if err := httpserver.Decode(r, &req); err != nil {
		h.respondGrantError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if errs := httpserver.Validate(req); len(errs) > 0 {
		h.respondGrantError(w, http.StatusBadRequest, "invalid_request", "grant_type must be client_credentials or password")
		return
	}

	var (
		issued *IssuedTokens
		err    error
	)
	switch req.GrantType {
	case "client_credentials":
		if req.ClientID == "" || req.ClientSecret == "" {
			h.respondGrantError(w, http.StatusBadRequest, "invalid_request", "client_id and client_secret are required")
			return
		}
		issued, err = h.svc.ClientCredentialsGrant(r.Context(), h.accounts, req.ClientID, req.ClientSecret)
	case "password":
		if req.Username == "" || req.Password == "" {
			h.respondGrantError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
			return
		}
		issued, err = h.svc.PasswordGrant(r.Context(), h.users, h.limiter, req.Username, req.Password)
	}

	if err != nil {
		h.respondDenied(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, tokenResponse{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    issued.ExpiresIn,
		IssuedAt:     issued.IssuedAt.Unix(),
	})
}

// respondDenied maps a grant failure's domain Kind to the RFC 6749 error
// code the spec calls for: invalid_client for bad credentials, access_denied
// for a suspended/expired/locked account.
func (h *Handler) respondDenied(w http.ResponseWriter, err error) {
	code := "invalid_client"
	status := http.StatusUnauthorized
	switch domain.KindOf(err) {
	case domain.KindInvalidCredentials:
		code = "invalid_client"
	case domain.KindAccountLocked, domain.KindInsufficientPerms:
		code = "access_denied"
		status = http.StatusForbidden
	default:
		h.logger.Error("issuing token", "error", err)
		code = "server_error"
		status = http.StatusInternalServerError
	}
	h.respondGrantError(w, status, code, err.Error())
}

func (h *Handler) respondGrantError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
