package serviceaccount

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/strata/internal/audit"
	"github.com/wisbric/strata/internal/httpserver"
)

const bcryptCost = 12

// Handler serves the admin-facing service account (machine client) management
// API.
type Handler struct {
	store  *Store
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler builds a service account Handler.
func NewHandler(store *Store, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, logger: logger}
}

// Routes mounts the service account endpoints under /api/v1/admin/service-accounts.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Post("/{client_id}/suspend", h.handleSuspend)
	return r
}

// handleCreate provisions a new machine client, returning its raw secret
// exactly once. No audit log detail or later response carries it again.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	secret, hash, err := generateSecret()
	if err != nil {
		h.logger.Error("generating service account secret", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create service account")
		return
	}

	var expires pgtype.Timestamptz
	if req.SecretTTLSeconds > 0 {
		expires = pgtype.Timestamptz{Time: time.Now().Add(time.Duration(req.SecretTTLSeconds) * time.Second), Valid: true}
	}

	created, err := h.store.Create(r.Context(), Account{
		ClientID:        req.ClientID,
		SecretHash:      hash,
		Status:          StatusActive,
		SecretExpiresAt: expires,
	})
	if err != nil {
		h.logger.Error("creating service account", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create service account")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"client_id": created.ClientID})
		h.audit.LogFromRequest(r, "create", "service_account", uuid.Nil, detail)
	}

	httpserver.Respond(w, http.StatusCreated, CreateResponse{
		Response:     created.ToResponse(),
		ClientSecret: secret,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("listing service accounts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list service accounts")
		return
	}

	resp := make([]Response, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, a.ToResponse())
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"accounts": resp, "count": len(resp)})
}

// handleSuspend revokes a service account's ability to mint new tokens.
// Tokens it already holds remain valid until they expire naturally. There
// is no revocation list, only key rotation via the Admin Key Manager.
func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if err := h.store.SetStatus(r.Context(), clientID, StatusSuspended); err != nil {
		h.logger.Error("suspending service account", "client_id", clientID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to suspend service account")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"client_id": clientID})
		h.audit.LogFromRequest(r, "suspend", "service_account", uuid.Nil, detail)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

// generateSecret mirrors the wisbric apikey package's random-secret-plus-hash
// shape, using bcrypt (rather than a bare SHA-256 digest) since this is the
// same hash this module's client-credentials grant already verifies against.
func generateSecret() (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	raw = "sa_" + hex.EncodeToString(b)
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing secret: %w", err)
	}
	return raw, string(hashed), nil
}
