package elementstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/strata/internal/audit"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/modesm"
)

// Handler serves Admin's Storage Element registry: self-registration (the
// startup handshake every node performs), the lookups Query's download path
// and the GC Worker resolve an element_id through, and the admin-facing
// listing and mode-transition endpoints.
type Handler struct {
	store  *Store
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler builds a storage element Handler.
func NewHandler(store *Store, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, logger: logger}
}

// InternalRoutes mounts the service-account-guarded lookup/registration
// surface under /internal/v1/storage-elements.
func (h *Handler) InternalRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleRegister)
	r.Get("/", h.handleListInternal)
	r.Get("/{id}", h.handleGet)
	return r
}

// handleListInternal is the Selector's Admin-fallback read path: filtered by
// mode when the caller supplies one, otherwise the full fleet.
func (h *Handler) handleListInternal(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		h.handleList(w, r)
		return
	}

	elements, err := h.store.ListStorageElementsByMode(r.Context(), domain.Mode(mode))
	if err != nil {
		h.logger.Error("listing storage elements by mode", "mode", mode, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list storage elements")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"elements": elements, "count": len(elements)})
}

// AdminRoutes mounts the management surface, gated to the engineer role or
// above, under /api/v1/storage-elements.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Patch("/{id}/mode", h.handleSetMode)
	return r
}

type registerElementRequest struct {
	ElementID     string `json:"element_id" validate:"required"`
	APIURL        string `json:"api_url" validate:"required,url"`
	Mode          string `json:"mode" validate:"required,oneof=edit rw ro ar"`
	StorageType   string `json:"storage_type" validate:"required,oneof=local s3"`
	Priority      int    `json:"priority"`
	CapacityBytes int64  `json:"capacity_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
}

// handleRegister upserts a Storage Element's registration. Nodes call this
// on startup and on every registration-interval heartbeat, so repeated
// calls with refreshed capacity figures are the common case, not an error.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerElementRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	se := domain.StorageElement{
		ElementID:     req.ElementID,
		APIURL:        req.APIURL,
		Mode:          domain.Mode(req.Mode),
		StorageType:   domain.StorageType(req.StorageType),
		Priority:      req.Priority,
		CapacityBytes: req.CapacityBytes,
		UsedBytes:     req.UsedBytes,
		Status:        domain.StatusOnline,
		LastSeen:      time.Now(),
	}

	if err := h.store.Register(r.Context(), se); err != nil {
		h.logger.Error("registering storage element", "element_id", se.ElementID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to register storage element")
		return
	}

	httpserver.Respond(w, http.StatusOK, se)
}

// handleGet resolves a single element_id, the lookup Query's download
// resolver and the GC Worker's element resolver both depend on.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	se, err := h.store.GetStorageElement(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "storage element not found")
			return
		}
		h.logger.Error("loading storage element", "element_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load storage element")
		return
	}
	httpserver.Respond(w, http.StatusOK, se)
}

// handleList returns the full fleet, for the admin console.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	elements, err := h.store.ListStorageElements(r.Context())
	if err != nil {
		h.logger.Error("listing storage elements", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list storage elements")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"elements": elements, "count": len(elements)})
}

type setModeRequest struct {
	Mode   string `json:"mode" validate:"required,oneof=edit rw ro ar"`
	Reason string `json:"reason"`
}

// handleSetMode drives an admin-triggered mode transition. It runs the
// requested move through a throwaway modesm.Machine seeded with the
// element's current mode so the same legality rules the Storage Element
// itself enforces (RW→RO→AR only) apply here before the row is updated.
func (h *Handler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setModeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	se, err := h.store.GetStorageElement(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "storage element not found")
			return
		}
		h.logger.Error("loading storage element", "element_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load storage element")
		return
	}

	machine := modesm.New(se.Mode)
	if err := machine.TransitionTo(domain.Mode(req.Mode), req.Reason, time.Now()); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	if err := h.store.SetMode(r.Context(), id, domain.Mode(req.Mode)); err != nil {
		h.logger.Error("setting storage element mode", "element_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set mode")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"element_id": id, "mode": req.Mode, "reason": req.Reason})
		h.audit.LogFromRequest(r, "set_mode", "storage_element", uuid.Nil, detail)
	}

	se.Mode = domain.Mode(req.Mode)
	httpserver.Respond(w, http.StatusOK, se)
}
