package filestore

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/strata/internal/audit"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/domain"
)

// Handler serves Admin's internal file endpoints: registration (called by a
// Storage Element once it has persisted an object) and the paginated list
// Query's Cache Sync rebuilds from.
type Handler struct {
	store  *Store
	ttl    time.Duration
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler builds a files Handler. ttl is the default lifetime assigned to
// a newly registered temporary file (spec data model invariant: a temporary
// file always carries a ttl_expires_at).
func NewHandler(store *Store, ttl time.Duration, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, ttl: ttl, audit: auditWriter, logger: logger}
}

// Routes mounts the internal file endpoints under /internal/v1/files.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleRegister)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	return r
}

type registerFileRequest struct {
	FileID           uuid.UUID `json:"file_id" validate:"required"`
	OriginalFilename string    `json:"original_filename" validate:"required"`
	StorageFilename  string    `json:"storage_filename" validate:"required"`
	FileSize         int64     `json:"file_size" validate:"required,gt=0"`
	ChecksumSHA256   string    `json:"checksum_sha256" validate:"required"`
	ContentType      string    `json:"content_type"`
	RetentionPolicy  string    `json:"retention_policy" validate:"required,oneof=temporary permanent"`
	StorageElementID string    `json:"storage_element_id" validate:"required"`
	StoragePath      string    `json:"storage_path" validate:"required"`
	UploadedBy       string    `json:"uploaded_by" validate:"required"`
}

// handleRegister creates the authoritative File row for an object a Storage
// Element just persisted. A temporary file is given a ttl_expires_at of
// now+ttl; a permanent one (an Ingester-originated direct-to-RW upload) gets
// none.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerFileRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	now := time.Now()
	f := domain.File{
		FileID:           req.FileID,
		OriginalFilename: req.OriginalFilename,
		StorageFilename:  req.StorageFilename,
		FileSize:         req.FileSize,
		ChecksumSHA256:   req.ChecksumSHA256,
		ContentType:      req.ContentType,
		RetentionPolicy:  domain.RetentionPolicy(req.RetentionPolicy),
		StorageElementID: req.StorageElementID,
		StoragePath:      req.StoragePath,
		UploadedBy:       req.UploadedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if f.RetentionPolicy == domain.RetentionTemporary {
		expires := now.Add(h.ttl)
		f.TTLExpiresAt = &expires
	}

	if err := h.store.Create(r.Context(), f); err != nil {
		h.logger.Error("registering file", "file_id", f.FileID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to register file")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "create", "file", f.FileID, nil)
	}

	httpserver.Respond(w, http.StatusCreated, f)
}

// handleGet returns a single file's metadata, for operator/debug lookups.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid file id")
		return
	}

	f, err := h.store.GetFile(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		h.logger.Error("loading file", "file_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load file")
		return
	}
	httpserver.Respond(w, http.StatusOK, f)
}

type listFilesResponse struct {
	Files   []domain.File `json:"files"`
	HasMore bool          `json:"has_more"`
}

// handleList streams every non-deleted file through a limit/offset window,
// the contract pkg/cachesync.HTTPSourceOfTruth pages through for a full
// cache rebuild.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	files, err := h.store.ListPage(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("listing files", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list files")
		return
	}

	hasMore := len(files) > limit
	if hasMore {
		files = files[:limit]
	}

	httpserver.Respond(w, http.StatusOK, listFilesResponse{
		Files:   files,
		HasMore: hasMore,
	})
}
