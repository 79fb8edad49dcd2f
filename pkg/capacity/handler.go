package capacity

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/domain"
)

// ElementStore is Admin's storage element registration table, as the
// capacity view handler needs it.
type ElementStore interface {
	ListStorageElements(ctx context.Context) ([]domain.StorageElement, error)
}

// Handler serves the admin-facing capacity view: the registered fleet
// joined with whatever live capacity record the registry currently holds
// for each element, so an operator can see both who's registered and who's
// actually reporting in.
type Handler struct {
	elements ElementStore
	registry *Registry
	logger   *slog.Logger
}

// NewHandler builds a capacity view Handler.
func NewHandler(elements ElementStore, registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{elements: elements, registry: registry, logger: logger}
}

// Routes mounts the capacity view under /api/v1/capacity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type elementCapacity struct {
	domain.StorageElement
	Record *domain.CapacityRecord `json:"capacity_record,omitempty"`
	Stale  bool                   `json:"stale"`
}

// handleList merges the registration table with the registry's live
// records. An element with no cached record (never polled, or its 120s TTL
// expired) is reported as stale rather than omitted, since a missing
// heartbeat is itself diagnostic information for the operator.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	elements, err := h.elements.ListStorageElements(r.Context())
	if err != nil {
		h.logger.Error("listing storage elements", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list storage elements")
		return
	}

	out := make([]elementCapacity, 0, len(elements))
	for _, se := range elements {
		ec := elementCapacity{StorageElement: se}
		rec, ok, err := h.registry.Get(r.Context(), se.ElementID)
		if err != nil {
			h.logger.Error("reading capacity record", "element_id", se.ElementID, "error", err)
		}
		if ok {
			ec.Record = &rec
		} else {
			ec.Stale = true
		}
		out = append(out, ec)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"elements": out, "count": len(out)})
}
