// Package upload implements the Storage Element's upload path: a single
// streamed multipart request that authenticates, checks the mode state
// machine, persists the object, writes its attribute sidecar, appends a
// WAL row, updates the metadata cache, and notifies Admin.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/modesm"
	"github.com/wisbric/strata/pkg/sebackend"
	"github.com/wisbric/strata/pkg/sewal"
	"github.com/wisbric/strata/pkg/sidecar"
	"github.com/wisbric/strata/pkg/storagename"
)

// Notifier tells Admin a file was persisted on this Storage Element. The
// handler calls it once per successful upload, with the file_id it has
// just generated for that upload.
type Notifier interface {
	NotifyFileCreated(ctx context.Context, attrs sidecar.Attributes, storageElementID, storagePath string) error
}

// Handler serves POST /api/v1/upload on a Storage Element.
type Handler struct {
	elementID string
	root      string
	backend   sebackend.Backend
	wal       *sewal.Store
	machine   *modesm.Machine
	notifier  Notifier
	maxSize   int64
	logger    *slog.Logger
}

// Config carries the fixed per-element settings the upload Handler needs.
type Config struct {
	ElementID string
	Root      string // local filesystem root sidecars are written under
	MaxSize   int64
}

// NewHandler builds an upload Handler.
func NewHandler(cfg Config, backend sebackend.Backend, wal *sewal.Store, machine *modesm.Machine, notifier Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		elementID: cfg.ElementID,
		root:      cfg.Root,
		backend:   backend,
		wal:       wal,
		machine:   machine,
		notifier:  notifier,
		maxSize:   cfg.MaxSize,
		logger:    logger,
	}
}

// Routes mounts the upload endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleUpload)
	return r
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	if err := h.machine.ValidateOperation(modesm.OpCreate); err != nil {
		telemetry.UploadsTotal.WithLabelValues("rejected_mode").Inc()
		httpserver.RespondDomainError(w, err)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		telemetry.UploadsTotal.WithLabelValues("invalid_request").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		telemetry.UploadsTotal.WithLabelValues("invalid_request").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "missing file field")
		return
	}
	defer file.Close()

	retentionPolicy := r.FormValue("retention_policy")
	if retentionPolicy != string(domain.RetentionTemporary) && retentionPolicy != string(domain.RetentionPermanent) {
		telemetry.UploadsTotal.WithLabelValues("invalid_request").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "retention_policy must be temporary or permanent")
		return
	}

	now := time.Now()
	fileID := uuid.New()
	storageFilename, err := storagename.Generate(header.Filename, identity.Subject, now, fileID)
	if err != nil {
		telemetry.UploadsTotal.WithLabelValues("invalid_request").Inc()
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	storagePath := storagename.StoragePath(now)
	key := storagePath + "/" + storageFilename

	hasher := sha256.New()
	limited := &maxSizeReader{r: io.TeeReader(file, hasher), limit: h.maxSize}

	size, err := h.backend.Put(r.Context(), key, limited)
	if err != nil {
		if limited.exceeded {
			telemetry.UploadsTotal.WithLabelValues("too_large").Inc()
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "file_too_large", fmt.Sprintf("exceeds maximum size of %d bytes", h.maxSize))
			return
		}
		telemetry.UploadsTotal.WithLabelValues("internal_error").Inc()
		h.logger.Error("upload: writing object", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to persist file")
		return
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))

	attrs := sidecar.Attributes{
		FileID:           fileID,
		OriginalFilename: header.Filename,
		StorageFilename:  storageFilename,
		FileSize:         size,
		ChecksumSHA256:   checksum,
		ContentType:      header.Header.Get("Content-Type"),
		RetentionPolicy:  retentionPolicy,
		UploadedBy:       identity.Subject,
		CreatedAt:        now,
	}

	sidecarPath := h.root + "/" + storagePath + "/" + sidecar.Path(storageFilename)
	if err := sidecar.Write(sidecarPath, attrs); err != nil {
		// The data object stays behind with no sidecar; the GC orphan
		// scan lists sidecars only, so it does not find it. The client
		// sees a failure and may retry.
		telemetry.UploadsTotal.WithLabelValues("internal_error").Inc()
		h.logger.Error("upload: writing sidecar", "file_id", fileID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to persist file metadata")
		return
	}

	walEntry := sewal.Entry{
		WALID:      uuid.New(),
		Operation:  sewal.OperationUpload,
		Status:     sewal.StatusCommitted,
		RecordedAt: now,
	}
	if err := h.wal.AppendWAL(walEntry); err != nil {
		h.logger.Error("upload: appending WAL entry", "file_id", fileID, "error", err)
	}

	cacheRow := sewal.CacheRow{
		FileID:          fileID,
		StorageFilename: storageFilename,
		StoragePath:     storagePath,
		FileSize:        size,
		ChecksumSHA256:  checksum,
		ContentType:     attrs.ContentType,
		UploadedBy:      identity.Subject,
		RetentionPolicy: retentionPolicy,
		CreatedAt:       now,
	}
	if err := h.wal.PutCacheRow(fileID, cacheRow); err != nil {
		// The sidecar is authoritative; sewal.RebuildCacheRow can restore
		// this row from it, though nothing here calls it.
		h.logger.Error("upload: updating metadata cache", "file_id", fileID, "error", err)
	}

	if h.notifier != nil {
		if err := h.notifier.NotifyFileCreated(r.Context(), attrs, h.elementID, storagePath); err != nil {
			h.logger.Error("upload: notifying admin", "file_id", fileID, "error", err)
		}
	}

	telemetry.UploadsTotal.WithLabelValues("success").Inc()
	httpserver.Respond(w, http.StatusCreated, uploadResponse{
		FileID:          fileID,
		StorageFilename: storageFilename,
		StoragePath:     storagePath,
		FileSize:        size,
		ChecksumSHA256:  checksum,
	})
}

type uploadResponse struct {
	FileID          uuid.UUID `json:"file_id"`
	StorageFilename string    `json:"storage_filename"`
	StoragePath     string    `json:"storage_path"`
	FileSize        int64     `json:"file_size"`
	ChecksumSHA256  string    `json:"checksum_sha256"`
}

// maxSizeReader bails out of the stream once more than limit bytes have
// been read, so an oversized upload never fully lands on disk.
type maxSizeReader struct {
	r        io.Reader
	limit    int64
	read     int64
	exceeded bool
}

func (m *maxSizeReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.read += int64(n)
	if m.limit > 0 && m.read > m.limit {
		m.exceeded = true
		return n, fmt.Errorf("upload: body exceeds maximum size of %d bytes", m.limit)
	}
	return n, err
}
