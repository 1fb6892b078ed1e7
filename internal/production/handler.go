package production

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// Handler wires HTTP endpoints for production batches.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the production handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/production", func(r chi.Router) {
		r.Post("/", h.handlePlan)
		r.Post("/{batchID}/start", h.handleStart)
	})
}

type planRequest struct {
	WarehouseID int64  `json:"warehouse_id"`
	Code        string `json:"code"`
}

type startRequest struct {
	WarehouseID int64           `json:"warehouse_id"`
	ActorID     int64           `json:"actor_id"`
	Materials   []MaterialInput `json:"materials"`
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	batch, err := h.service.PlanBatch(r.Context(), PlanBatchInput{
		TenantID:    shared.TenantFromContext(r.Context()),
		WarehouseID: req.WarehouseID,
		Code:        req.Code,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, batch)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid batch id")
		return
	}
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	res, err := h.service.StartBatch(r.Context(), StartBatchInput{
		TenantID:    shared.TenantFromContext(r.Context()),
		WarehouseID: req.WarehouseID,
		BatchID:     batchID,
		ActorID:     req.ActorID,
		Materials:   req.Materials,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrDuplicateCode):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	if problem, ok := inventory.ProblemFor(err); (!ok || problem.Status >= http.StatusInternalServerError) && !errors.Is(err, shared.ErrValidation) {
		h.logger.Error("production request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, inventory.ProblemFor)
}
