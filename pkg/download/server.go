package download

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/modesm"
)

const chunkSize = 64 * 1024

// ElementResolver resolves a Storage Element ID to its registration record.
type ElementResolver interface {
	GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error)
}

// Handler serves GET /api/download/{file_id}.
type Handler struct {
	cache    *MetadataCache
	elements ElementResolver
	objects  ObjectSource
	logger   *slog.Logger
}

// NewHandler builds a download Handler.
func NewHandler(cache *MetadataCache, elements ElementResolver, objects ObjectSource, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, elements: elements, objects: objects, logger: logger}
}

// Routes mounts the download endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{file_id}", h.handleDownload)
	return r
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if auth.FromContext(r.Context()) == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	fileID, err := uuid.Parse(chi.URLParam(r, "file_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "invalid file_id")
		return
	}

	file, err := h.cache.Lookup(r.Context(), fileID)
	if err != nil {
		httpserver.RespondDomainError(w, domain.WrapError(domain.KindFileNotFound, "looking up file", err))
		return
	}
	if file.DeletedAt != nil {
		httpserver.RespondError(w, http.StatusNotFound, "file_not_found", "file not found")
		return
	}

	se, err := h.elements.GetStorageElement(r.Context(), file.StorageElementID)
	if err != nil {
		httpserver.RespondDomainError(w, domain.WrapError(domain.KindInternal, "resolving storage element", err))
		return
	}
	if !modesm.Permits(se.Mode, modesm.OpRead) {
		httpserver.RespondDomainError(w, domain.NewError(domain.KindModeForbidden, "storage element does not permit reads in its current mode"))
		return
	}

	etag := computeETag(file)
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", file.ContentType)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		telemetry.DownloadRangeRequestsTotal.WithLabelValues("full").Inc()
		h.serveFull(w, r, file, se)
		return
	}

	ranges, err := ParseRangeHeader(rangeHeader, file.FileSize)
	if err != nil {
		telemetry.DownloadRangeRequestsTotal.WithLabelValues("invalid").Inc()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", file.FileSize))
		httpserver.RespondDomainError(w, err)
		return
	}

	if len(ranges) == 1 {
		telemetry.DownloadRangeRequestsTotal.WithLabelValues("single").Inc()
		h.serveSingleRange(w, r, file, se, ranges[0])
		return
	}
	telemetry.DownloadRangeRequestsTotal.WithLabelValues("multipart").Inc()
	h.serveMultipartRanges(w, r, file, se, ranges)
}

func computeETag(file domain.File) string {
	data := fmt.Sprintf("%s|%d|%s", file.StoragePath+"/"+file.StorageFilename, file.FileSize, file.UpdatedAt.UTC().Format("20060102T150405"))
	sum := md5.Sum([]byte(data))
	return fmt.Sprintf(`"%x"`, sum)
}

func (h *Handler) key(file domain.File) string {
	return file.StoragePath + "/" + file.StorageFilename
}

func (h *Handler) serveFull(w http.ResponseWriter, r *http.Request, file domain.File, se domain.StorageElement) {
	rc, err := h.objects.GetRange(r.Context(), se.APIURL, h.key(file), 0, -1)
	if err != nil {
		httpserver.RespondDomainError(w, domain.WrapError(domain.KindInternal, "fetching object", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(file.FileSize, 10))
	w.WriteHeader(http.StatusOK)
	h.copyInChunks(w, rc)
}

func (h *Handler) serveSingleRange(w http.ResponseWriter, r *http.Request, file domain.File, se domain.StorageElement, rng ByteRange) {
	rc, err := h.objects.GetRange(r.Context(), se.APIURL, h.key(file), rng.Start, rng.Length())
	if err != nil {
		httpserver.RespondDomainError(w, domain.WrapError(domain.KindInternal, "fetching object range", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, file.FileSize))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	h.copyInChunks(w, rc)
}

func (h *Handler) serveMultipartRanges(w http.ResponseWriter, r *http.Request, file domain.File, se domain.StorageElement, ranges []ByteRange) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusPartialContent)

	for _, rng := range ranges {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", file.ContentType)
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, file.FileSize))

		part, err := mw.CreatePart(header)
		if err != nil {
			h.logger.Error("download: creating multipart part", "file_id", file.FileID, "error", err)
			return
		}

		rc, err := h.objects.GetRange(r.Context(), se.APIURL, h.key(file), rng.Start, rng.Length())
		if err != nil {
			h.logger.Error("download: fetching range for multipart part", "file_id", file.FileID, "error", err)
			return
		}
		_, copyErr := io.Copy(part, rc)
		rc.Close()
		if copyErr != nil {
			h.logger.Error("download: streaming multipart part", "file_id", file.FileID, "error", copyErr)
			return
		}
	}

	if err := mw.Close(); err != nil {
		h.logger.Error("download: closing multipart writer", "file_id", file.FileID, "error", err)
	}
}

func (h *Handler) copyInChunks(w http.ResponseWriter, rc io.Reader) {
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(w, rc, buf); err != nil {
		h.logger.Error("download: streaming response body", "error", err)
	}
}
