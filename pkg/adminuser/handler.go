package adminuser

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/strata/internal/audit"
	"github.com/wisbric/strata/internal/httpserver"
)

const bcryptCost = 12

// Handler serves the admin-facing human-administrator management API.
type Handler struct {
	store  *Store
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler builds an admin user Handler.
func NewHandler(store *Store, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, logger: logger}
}

// Routes mounts the admin user endpoints under /api/v1/admin/users.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		h.logger.Error("hashing admin user password", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create admin user")
		return
	}

	created, err := h.store.Create(r.Context(), User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
	})
	if err != nil {
		h.logger.Error("creating admin user", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create admin user")
		return
	}

	resp := created.ToResponse()
	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"username": resp.Username, "role": resp.Role})
		h.audit.LogFromRequest(r, "create", "admin_user", resp.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.Respond(w, http.StatusOK, map[string]any{"users": []Response{}, "count": 0})
			return
		}
		h.logger.Error("listing admin users", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list admin users")
		return
	}

	resp := make([]Response, 0, len(users))
	for _, u := range users {
		resp = append(resp, u.ToResponse())
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"users": resp, "count": len(resp)})
}
