package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wisbric/strata/pkg/domain"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}

// RespondDomainError translates a domain error (or any error, which falls
// back to KindInternal) to its mapped HTTP status and a JSON error body.
// This is the only place an error Kind becomes a status code, per the
// propagation policy: every other layer deals only in *domain.Error values.
func RespondDomainError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		RespondError(w, de.HTTPStatus(), string(de.Kind), de.Message)
		return
	}
	RespondError(w, http.StatusInternalServerError, string(domain.KindInternal), err.Error())
}
