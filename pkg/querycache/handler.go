package querycache

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/domain"
)

// Handler serves Query's end-user search API over the local cache.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler builds a search Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes mounts the search endpoint under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/search", h.handleSearch)
	return r
}

// searchRequest is the JSON body for POST /api/search. Every filter is
// optional; an empty body returns the most recently created files.
type searchRequest struct {
	Query         string     `json:"query"`
	Filename      string     `json:"filename"`
	FileExtension string     `json:"file_extension"`
	Tags          []string   `json:"tags"`
	Username      string     `json:"username"`
	MinSize       *int64     `json:"min_size" validate:"omitempty,gte=0"`
	MaxSize       *int64     `json:"max_size" validate:"omitempty,gte=0"`
	CreatedAfter  *time.Time `json:"created_after"`
	CreatedBefore *time.Time `json:"created_before"`
	Mode          string     `json:"mode" validate:"omitempty,oneof=exact partial fulltext"`
	Limit         int        `json:"limit" validate:"omitempty,min=1,max=500"`
	Offset        int        `json:"offset" validate:"omitempty,min=0"`
	SortBy        string     `json:"sort_by" validate:"omitempty,oneof=created_at file_size filename"`
	SortOrder     string     `json:"sort_order" validate:"omitempty,oneof=asc desc"`
}

type searchResponse struct {
	Results    []domain.File `json:"results"`
	TotalCount int           `json:"total_count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	HasMore    bool          `json:"has_more"`
}

// handleSearch runs a filtered, paginated lookup over Query's local cache.
// Defaults: mode=partial, limit=50, sort_by=created_at, sort_order=desc.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	mode := MatchMode(req.Mode)
	if mode == "" {
		mode = MatchPartial
	}
	limit := req.Limit
	if limit == 0 {
		limit = 50
	}

	result, err := h.store.Search(r.Context(), Params{
		Query:         req.Query,
		Filename:      req.Filename,
		FileExtension: req.FileExtension,
		Tags:          req.Tags,
		Username:      req.Username,
		MinSize:       req.MinSize,
		MaxSize:       req.MaxSize,
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		Mode:          mode,
		Limit:         limit,
		Offset:        req.Offset,
		SortBy:        req.SortBy,
		SortOrder:     req.SortOrder,
	})
	if err != nil {
		h.logger.Error("searching file cache", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "search failed")
		return
	}

	httpserver.Respond(w, http.StatusOK, searchResponse{
		Results:    result.Results,
		TotalCount: result.TotalCount,
		Limit:      result.Limit,
		Offset:     result.Offset,
		HasMore:    result.HasMore,
	})
}
