// Package ingest implements the Ingester's authenticated upload path: it
// terminates the client's multipart request, asks the Storage Selector for
// a target element, and proxies the body to that element's own upload
// endpoint, retrying against the next candidate on a 507 response.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/selector"
)

// Forwarder proxies one already-spooled upload request body to a chosen
// Storage Element, returning the element's JSON response verbatim.
type Forwarder interface {
	Forward(ctx context.Context, se domain.StorageElement, authHeader string, body io.ReadSeeker, contentType string, size int64) (status int, responseBody []byte, err error)
}

// Handler serves POST /api/v1/upload on the Ingester.
type Handler struct {
	selector *selector.Selector
	forward  Forwarder
	maxSize  int64
	logger   *slog.Logger
}

// Config carries the fixed settings the Ingester upload Handler needs.
type Config struct {
	MaxSize int64
}

// NewHandler builds an Ingester upload Handler.
func NewHandler(cfg Config, sel *selector.Selector, forward Forwarder, logger *slog.Logger) *Handler {
	return &Handler{selector: sel, forward: forward, maxSize: cfg.MaxSize, logger: logger}
}

// Routes mounts the upload endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleUpload)
	return r
}

// handleUpload spools the incoming request body to a temp file so a 507
// from the first candidate element can be retried against the next one
// without asking the client to resend: per the single-request-streamed
// upload model, the body is read from the wire exactly once.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	if r.ContentLength <= 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "Content-Length is required")
		return
	}
	if r.ContentLength > h.maxSize {
		httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "file_too_large", fmt.Sprintf("exceeds maximum size of %d bytes", h.maxSize))
		return
	}

	retentionPolicy := domain.RetentionPolicy(r.URL.Query().Get("retention_policy"))
	if retentionPolicy != domain.RetentionTemporary && retentionPolicy != domain.RetentionPermanent {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "retention_policy must be temporary or permanent")
		return
	}

	spool, err := os.CreateTemp("", "strata-ingest-*")
	if err != nil {
		h.logger.Error("ingest: creating spool file", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to accept upload")
		return
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	if _, err := io.Copy(spool, r.Body); err != nil {
		h.logger.Error("ingest: spooling upload body", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to accept upload")
		return
	}

	authHeader := r.Header.Get("Authorization")
	contentType := r.Header.Get("Content-Type")

	var status int
	var respBody []byte
	attempt := func(ctx context.Context, se domain.StorageElement) error {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return domain.WrapError(domain.KindInternal, "rewinding spooled upload", err)
		}
		st, body, err := h.forward.Forward(ctx, se, authHeader, spool, contentType, r.ContentLength)
		if err != nil {
			return domain.WrapError(domain.KindInternal, "forwarding upload", err)
		}
		if st == http.StatusInsufficientStorage {
			return domain.NewError(domain.KindInsufficientSpace, "target element reported insufficient space")
		}
		status, respBody = st, body
		return nil
	}

	target, err := h.selector.Select(r.Context(), retentionPolicy, r.ContentLength, attempt)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	h.logger.Info("ingest: upload forwarded", "element_id", target.ElementID, "uploaded_by", identity.Subject, "size", r.ContentLength)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}
