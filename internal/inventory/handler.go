package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes under /stock.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock", func(r chi.Router) {
		r.Post("/receipts", h.handleReceive)
		r.Post("/consume", h.handleConsume)
		r.Get("/{warehouseID}/{productID}", h.handleAvailable)
		r.Get("/{warehouseID}/{productID}/lots", h.handleListLots)
	})
}

type receiveRequest struct {
	WarehouseID int64           `json:"warehouse_id" validate:"gt=0"`
	ProductID   int64           `json:"product_id" validate:"gt=0"`
	BatchCode   string          `json:"batch_code" validate:"max=64"`
	Source      LotSource       `json:"source" validate:"omitempty,oneof=PURCHASE PRODUCTION TRANSFER_IN ADJUSTMENT"`
	Qty         decimal.Decimal `json:"qty" validate:"decgt=0,decscale=6"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit" validate:"decgte=0,decscale=4"`
	ReceivedAt  *time.Time      `json:"received_at"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	ActorID     int64           `json:"actor_id"`
}

type consumeRequest struct {
	WarehouseID int64           `json:"warehouse_id" validate:"gt=0"`
	ProductID   int64           `json:"product_id" validate:"gt=0"`
	Qty         decimal.Decimal `json:"qty" validate:"decgt=0,decscale=6"`
	RefModule   string          `json:"ref_module" validate:"max=32"`
	RefID       string          `json:"ref_id" validate:"max=64"`
	ActorID     int64           `json:"actor_id"`
}

type consumeResponse struct {
	Scope     Scope           `json:"scope"`
	Qty       decimal.Decimal `json:"qty"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Usages    Usages          `json:"usages"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := ReceiveInput{
		Scope:       Scope{TenantID: shared.TenantFromContext(r.Context()), WarehouseID: req.WarehouseID, ProductID: req.ProductID},
		BatchCode:   req.BatchCode,
		Source:      req.Source,
		Qty:         req.Qty,
		CostPerUnit: req.CostPerUnit,
		ExpiresAt:   req.ExpiresAt,
		ActorID:     req.ActorID,
	}
	if req.ReceivedAt != nil {
		input.ReceivedAt = *req.ReceivedAt
	}
	lot, err := h.service.Receive(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	scope := Scope{TenantID: shared.TenantFromContext(r.Context()), WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	usages, err := h.service.Consume(r.Context(), ConsumeInput{
		Scope:     scope,
		Qty:       req.Qty,
		ActorID:   req.ActorID,
		RefModule: req.RefModule,
		RefID:     req.RefID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, consumeResponse{Scope: scope, Qty: req.Qty, TotalCost: usages.TotalCost(), Usages: usages})
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	avail, err := h.service.Available(r.Context(), scope)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, avail)
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	all := r.URL.Query().Get("all")
	lots, err := h.service.ListLots(r.Context(), scope, all == "1" || all == "true")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": lots})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if problem, ok := ProblemFor(err); (!ok || problem.Status >= http.StatusInternalServerError) && !errors.Is(err, shared.ErrValidation) {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, ProblemFor)
}

func scopeFromPath(r *http.Request) (Scope, error) {
	warehouseID, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: warehouse id", shared.ErrValidation)
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: product id", shared.ErrValidation)
	}
	return Scope{TenantID: shared.TenantFromContext(r.Context()), WarehouseID: warehouseID, ProductID: productID}, nil
}

// ProblemFor maps inventory errors onto problem responses. Insufficient stock
// carries the shortfall so clients can show what is missing.
func ProblemFor(err error) (httpx.ProblemDetail, bool) {
	if shortage, ok := AsInsufficientStock(err); ok {
		return httpx.ProblemDetail{
			Type:   "https://lotledger.dev/problems/insufficient-stock",
			Title:  "Insufficient Stock",
			Status: http.StatusConflict,
			Detail: shortage.Error(),
			Extensions: map[string]any{
				"tenant_id":    shortage.Scope.TenantID,
				"warehouse_id": shortage.Scope.WarehouseID,
				"product_id":   shortage.Scope.ProductID,
				"requested":    shortage.Requested.String(),
				"available":    shortage.Available.String(),
				"shortfall":    shortage.Shortfall().String(),
			},
		}, true
	}
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return httpx.ProblemDetail{
			Title:      "Concurrent Modification",
			Status:     http.StatusConflict,
			Detail:     "stock changed while the request was processed",
			Extensions: map[string]any{"retryable": true},
		}, true
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost),
		errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidSource):
		return httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error()}, true
	case errors.Is(err, ErrAggregateMissing), errors.Is(err, ErrNegativeStock):
		anomaly := "negative_stock"
		if errors.Is(err, ErrAggregateMissing) {
			anomaly = "aggregate_missing"
		}
		return httpx.ProblemDetail{
			Type:       "https://lotledger.dev/problems/stock-integrity",
			Title:      "Stock Integrity Violation",
			Status:     http.StatusInternalServerError,
			Detail:     err.Error(),
			Extensions: map[string]any{"anomaly": anomaly},
		}, true
	case errors.Is(err, ErrLotNotFound):
		return httpx.ProblemDetail{Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error()}, true
	}
	return httpx.ProblemDetail{}, false
}
