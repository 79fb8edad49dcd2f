package finalize

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/pkg/domain"
)

// Handler exposes the Finalize Coordinator: triggering the two-phase commit
// for a temporary file and polling a transaction's progress.
type Handler struct {
	coordinator *Coordinator
	txs         TransactionRepo
	logger      *slog.Logger
}

// NewHandler builds a finalize Handler.
func NewHandler(coordinator *Coordinator, txs TransactionRepo, logger *slog.Logger) *Handler {
	return &Handler{coordinator: coordinator, txs: txs, logger: logger}
}

// Routes mounts the finalize endpoints under /api/v1/finalize.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{file_id}", h.handleFinalize)
	r.Get("/{transaction_id}", h.handleGetTransaction)
	return r
}

// handleFinalize starts the finalize protocol for a file, or returns the
// already-running transaction if one exists, per the coordinator's
// idempotency guarantee. The HTTP call returns once the protocol reaches a
// terminal state (completed, failed, rolled_back). Callers that prefer to
// poll should not count on this and can always fall back to
// handleGetTransaction with the id this returns.
func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	fileID, err := uuid.Parse(chi.URLParam(r, "file_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid file id")
		return
	}

	txn, err := h.coordinator.Finalize(r.Context(), fileID)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if txn.Status.Terminal() {
		status = http.StatusOK
	}
	httpserver.Respond(w, status, txn)
}

type transactionResponse struct {
	domain.FinalizeTransaction
	ProgressPercent int `json:"progress_percent"`
}

// handleGetTransaction reports a transaction's current status and progress,
// for clients polling a finalize that's still copying or verifying.
func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "transaction_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid transaction id")
		return
	}

	txn, err := h.txs.Get(r.Context(), txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "transaction not found")
			return
		}
		h.logger.Error("loading finalize transaction", "transaction_id", txID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load transaction")
		return
	}

	httpserver.Respond(w, http.StatusOK, transactionResponse{
		FinalizeTransaction: txn,
		ProgressPercent:     txn.Status.ProgressPercent(),
	})
}
