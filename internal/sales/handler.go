package sales

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// RequestIDHeader may carry the idempotency key instead of the body field.
const RequestIDHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for sales.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales", h.handlePostSale)
}

type postSaleRequest struct {
	WarehouseID int64       `json:"warehouse_id"`
	Number      string      `json:"number"`
	RequestID   string      `json:"request_id"`
	ActorID     int64       `json:"actor_id"`
	Lines       []LineInput `json:"lines"`
}

func (h *Handler) handlePostSale(w http.ResponseWriter, r *http.Request) {
	var req postSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rawID := req.RequestID
	if rawID == "" {
		rawID = r.Header.Get(RequestIDHeader)
	}
	requestID, err := uuid.Parse(rawID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request_id must be a uuid")
		return
	}
	sale, err := h.service.PostSale(r.Context(), PostSaleInput{
		TenantID:    shared.TenantFromContext(r.Context()),
		WarehouseID: req.WarehouseID,
		Number:      req.Number,
		RequestID:   requestID,
		ActorID:     req.ActorID,
		Lines:       req.Lines,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrDuplicateNumber) {
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
		return
	}
	if problem, ok := inventory.ProblemFor(err); (!ok || problem.Status >= http.StatusInternalServerError) && !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrIdempotencyConflict) {
		h.logger.Error("sales request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, inventory.ProblemFor)
}
