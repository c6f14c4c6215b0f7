package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/anthrogate/internal/httpserver"
	"github.com/kestrelhq/anthrogate/internal/store"
)

// Handler provides the read side of the audit log for operators.
type Handler struct {
	logger *slog.Logger
	store  *store.Store
}

// NewHandler creates an audit log Handler.
func NewHandler(logger *slog.Logger, st *store.Store) *Handler {
	return &Handler{logger: logger, store: st}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, err := h.store.ListAuditLog(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	total, err := h.store.CountAuditLog(r.Context())
	if err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, total))
}
