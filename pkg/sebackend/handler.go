package sebackend

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/download"
	"github.com/wisbric/strata/pkg/modesm"
	"github.com/wisbric/strata/pkg/sewal"
	"github.com/wisbric/strata/pkg/sidecar"
)

const checksumSuffix = "/checksum"

// Handler serves a Storage Element's internal object and GC API: the
// endpoints the Finalize Coordinator's HTTPCopier, Query's
// HTTPObjectSource, and the GC Worker's HTTPDeleter all call against the
// element holding the actual bytes. Every route here is meant to sit
// behind the service-account bearer auth middleware, never the end-user
// API surface.
type Handler struct {
	elementID     string
	root          string
	capacityBytes int64
	backend       Backend
	wal           *sewal.Store
	machine       *modesm.Machine
	logger        *slog.Logger
}

// NewHandler builds an object/GC Handler. capacityBytes is the operator's
// configured total storage budget for this element, reported verbatim
// alongside the live used-bytes figure at the capacity endpoint.
func NewHandler(elementID, root string, capacityBytes int64, backend Backend, wal *sewal.Store, machine *modesm.Machine, logger *slog.Logger) *Handler {
	return &Handler{elementID: elementID, root: root, capacityBytes: capacityBytes, backend: backend, wal: wal, machine: machine, logger: logger}
}

// ObjectRoutes mounts the object GET/PUT/DELETE endpoints under
// /internal/v1/objects.
func (h *Handler) ObjectRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", h.handleGetObject)
	r.Put("/*", h.handlePutObject)
	r.Delete("/*", h.handleDeleteObject)
	return r
}

// GCRoutes mounts the GC Worker's delete and sidecar-listing endpoints
// under /internal/v1/gc.
func (h *Handler) GCRoutes() chi.Router {
	r := chi.NewRouter()
	r.Delete("/files/{file_id}", h.handleGCDelete)
	r.Get("/sidecars", h.handleListSidecars)
	return r
}

// CapacityRoutes mounts this element's self-reported usage endpoint, the
// one pkg/capacity.HTTPPoller scrapes.
func (h *Handler) CapacityRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleCapacity)
	return r
}

type capacityReport struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// handleCapacity sums the size of every stored object under root (sidecars
// excluded) for the live used-bytes figure; total is the operator-configured
// budget rather than an actual filesystem free-space probe, since a local
// disk may be shared with other tenants the element shouldn't claim as its
// own headroom.
func (h *Handler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var used int64
	walkErr := filepath.Walk(h.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, sidecar.Suffix) {
			return nil
		}
		used += info.Size()
		return nil
	})
	if walkErr != nil {
		h.logger.Error("computing used bytes", "error", walkErr)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to compute capacity")
		return
	}

	httpserver.Respond(w, http.StatusOK, capacityReport{
		TotalBytes: h.capacityBytes,
		UsedBytes:  used,
	})
}

func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if strings.HasSuffix(path, checksumSuffix) {
		h.handleGetChecksum(w, r, strings.TrimSuffix(path, checksumSuffix))
		return
	}

	if err := h.machine.ValidateOperation(modesm.OpRead); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	info, err := h.backend.Stat(r.Context(), path)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "object not found")
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		rc, err := h.backend.GetRange(r.Context(), path, 0, -1)
		if err != nil {
			h.logger.Error("reading object", "key", path, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read object")
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		streamCopy(w, rc)
		return
	}

	ranges, err := download.ParseRangeHeader(rangeHeader, info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		httpserver.RespondDomainError(w, err)
		return
	}
	// Only a single range is ever requested by this codebase's own clients
	// (pkg/download.HTTPObjectSource issues one Range header per call), so
	// multipart/byteranges responses are not implemented.
	rng := ranges[0]
	rc, err := h.backend.GetRange(r.Context(), path, rng.Start, rng.Length())
	if err != nil {
		h.logger.Error("reading object range", "key", path, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read object")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, info.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	streamCopy(w, rc)
}

func (h *Handler) handleGetChecksum(w http.ResponseWriter, r *http.Request, key string) {
	if err := h.machine.ValidateOperation(modesm.OpMetadata); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	attrs, err := h.readSidecar(key)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "object metadata not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(attrs.ChecksumSHA256))
}

func (h *Handler) handlePutObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	if err := h.machine.ValidateOperation(modesm.OpCreate); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	size, err := h.backend.Put(r.Context(), key, r.Body)
	if err != nil {
		h.logger.Error("writing object", "key", key, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to write object")
		return
	}

	fileID, ferr := uuid.Parse(r.Header.Get("X-File-Id"))
	if ferr == nil {
		now := time.Now()
		idx := strings.LastIndex(key, "/")
		storagePath, storageFilename := "", key
		if idx >= 0 {
			storagePath, storageFilename = key[:idx], key[idx+1:]
		}
		attrs := sidecar.Attributes{
			FileID:           fileID,
			OriginalFilename: r.Header.Get("X-Original-Filename"),
			StorageFilename:  storageFilename,
			FileSize:         size,
			ContentType:      r.Header.Get("X-Content-Type"),
			RetentionPolicy:  r.Header.Get("X-Retention-Policy"),
			UploadedBy:       r.Header.Get("X-Uploaded-By"),
			CreatedAt:        now,
		}
		if err := h.writeSidecar(key, attrs); err != nil {
			h.logger.Error("writing sidecar", "key", key, "error", err)
		}
		if err := h.wal.AppendWAL(sewal.Entry{
			WALID:      uuid.New(),
			Operation:  sewal.OperationCopy,
			Status:     sewal.StatusCommitted,
			RecordedAt: now,
		}); err != nil {
			h.logger.Error("appending WAL entry", "key", key, "error", err)
		}
		if err := h.wal.PutCacheRow(fileID, sewal.CacheRow{
			FileID:          fileID,
			StorageFilename: storageFilename,
			StoragePath:     storagePath,
			FileSize:        size,
			ContentType:     attrs.ContentType,
			UploadedBy:      attrs.UploadedBy,
			RetentionPolicy: attrs.RetentionPolicy,
			CreatedAt:       now,
		}); err != nil {
			h.logger.Error("updating metadata cache", "key", key, "error", err)
		}
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{"key": key, "file_size": size})
}

func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	if err := h.machine.ValidateOperation(modesm.OpDelete); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	if err := h.backend.Delete(r.Context(), key); err != nil {
		h.logger.Error("deleting object", "key", key, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete object")
		return
	}
	_ = h.deleteSidecar(key)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleGCDelete removes both the object and its sidecar for a file_id the
// Cleanup Queue has scheduled for removal. A missing cache row means the
// file was already removed by a prior attempt; that is success, not error,
// since GC deletes must be idempotent.
func (h *Handler) handleGCDelete(w http.ResponseWriter, r *http.Request) {
	fileID, err := uuid.Parse(chi.URLParam(r, "file_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid file id")
		return
	}

	row, ok, err := h.wal.GetCacheRow(fileID)
	if err != nil {
		h.logger.Error("reading cache row", "file_id", fileID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve object")
		return
	}
	if !ok {
		httpserver.Respond(w, http.StatusNoContent, nil)
		return
	}

	key := row.StoragePath + "/" + row.StorageFilename
	if err := h.backend.Delete(r.Context(), key); err != nil {
		h.logger.Error("gc deleting object", "file_id", fileID, "key", key, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete object")
		return
	}
	_ = h.deleteSidecar(key)

	if err := h.wal.AppendWAL(sewal.Entry{
		WALID:      uuid.New(),
		Operation:  sewal.OperationDelete,
		Status:     sewal.StatusCommitted,
		RecordedAt: time.Now(),
	}); err != nil {
		h.logger.Error("appending WAL entry", "file_id", fileID, "error", err)
	}
	if err := h.wal.DeleteCacheRow(fileID); err != nil {
		h.logger.Error("removing cache row", "file_id", fileID, "error", err)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

type sidecarListEntry struct {
	FileID  string    `json:"file_id"`
	ModTime time.Time `json:"mod_time"`
}

// handleListSidecars walks the local storage tree for attribute sidecars
// older than the older_than cutoff, for the GC Worker's orphan scan. The
// sidecar is the authoritative metadata source, so this is a filesystem
// walk rather than a cache-row scan: a crash between writing the sidecar
// and updating the cache must still surface the file.
func (h *Handler) handleListSidecars(w http.ResponseWriter, r *http.Request) {
	cutoffStr := r.URL.Query().Get("older_than")
	cutoff, err := time.Parse(time.RFC3339, cutoffStr)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "older_than must be RFC3339")
		return
	}

	var entries []sidecarListEntry
	walkErr := filepath.Walk(h.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, sidecar.Suffix) {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		attrs, err := sidecar.Read(path)
		if err != nil {
			h.logger.Error("reading sidecar during gc scan", "path", path, "error", err)
			return nil
		}
		entries = append(entries, sidecarListEntry{
			FileID:  attrs.FileID.String(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		h.logger.Error("walking storage tree for gc scan", "error", walkErr)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to scan storage tree")
		return
	}

	if entries == nil {
		entries = []sidecarListEntry{}
	}
	httpserver.Respond(w, http.StatusOK, entries)
}

// resolveSidecarPath mirrors LocalFS.resolve's path-traversal guard: the
// sidecar always lives alongside its data file, at key+".attr.json" under
// root.
func (h *Handler) resolveSidecarPath(key string) (string, error) {
	absRoot, err := filepath.Abs(h.root)
	if err != nil {
		return "", fmt.Errorf("sebackend: resolving root: %w", err)
	}
	candidate := filepath.Join(absRoot, filepath.FromSlash(key+sidecar.Suffix))
	rel, err := filepath.Rel(absRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sebackend: path traversal attempt detected for key %q", key)
	}
	return candidate, nil
}

func (h *Handler) readSidecar(key string) (sidecar.Attributes, error) {
	path, err := h.resolveSidecarPath(key)
	if err != nil {
		return sidecar.Attributes{}, err
	}
	return sidecar.Read(path)
}

func (h *Handler) writeSidecar(key string, attrs sidecar.Attributes) error {
	path, err := h.resolveSidecarPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sebackend: creating sidecar directory for %s: %w", key, err)
	}
	return sidecar.Write(path, attrs)
}

func (h *Handler) deleteSidecar(key string) error {
	path, err := h.resolveSidecarPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func streamCopy(w http.ResponseWriter, rc io.Reader) {
	if _, err := io.Copy(w, rc); err != nil {
		slog.Default().Error("streaming object body", "error", err)
	}
}
