package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	store  Store
	engine *Engine
	audit  AuditPort
	retry  RetryPolicy
	logger *slog.Logger
	rec    Recorder
	now    func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	LockMode         LockMode
	LenientAggregate bool
	MaxRetries       int
	RetryBackoff     time.Duration
}

// NewService builds Service.
func NewService(store Store, audit AuditPort, cfg ServiceConfig, logger *slog.Logger, rec Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	engine := NewEngine(EngineConfig{
		LockMode:         cfg.LockMode,
		LenientAggregate: cfg.LenientAggregate,
		Logger:           logger,
		Recorder:         rec,
	})
	return &Service{
		store:  store,
		engine: engine,
		audit:  audit,
		retry:  RetryPolicy{MaxAttempts: cfg.MaxRetries + 1, Backoff: cfg.RetryBackoff},
		logger: logger,
		rec:    rec,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Engine exposes the consumption engine for callers that own the transaction.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Retry returns the retry policy shared with callers.
func (s *Service) Retry() RetryPolicy {
	return s.retry
}

// ConsumeInTx runs the engine inside a transaction owned by the caller.
func (s *Service) ConsumeInTx(ctx context.Context, tx TxStore, scope Scope, qty decimal.Decimal) (Usages, error) {
	return s.engine.Consume(ctx, tx, scope, qty)
}

// Consume withdraws stock in its own transaction, retrying the whole attempt
// on optimistic conflicts.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (Usages, error) {
	var usages Usages
	err := s.retry.Do(ctx, s.OnRetry("consume", input.Scope), func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			var err error
			usages, err = s.engine.Consume(ctx, tx, input.Scope, input.Qty)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, input.ActorID, "inventory:consume", input.Scope, map[string]any{
		"qty":        input.Qty.String(),
		"cost":       usages.TotalCost().String(),
		"lots":       len(usages),
		"ref_module": input.RefModule,
		"ref_id":     input.RefID,
	})
	return usages, nil
}

// Receive creates a lot and credits the aggregate in one transaction.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (Lot, error) {
	if err := input.Scope.Validate(); err != nil {
		return Lot{}, err
	}
	if err := checkQty(input.Qty); err != nil {
		return Lot{}, err
	}
	if input.CostPerUnit.IsNegative() {
		return Lot{}, ErrInvalidUnitCost
	}
	if !shared.FitsScale(input.CostPerUnit, CostScale) {
		return Lot{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidUnitCost, input.CostPerUnit, CostScale)
	}
	if input.Source == "" {
		input.Source = LotSourcePurchase
	}
	if !input.Source.Valid() {
		return Lot{}, ErrInvalidSource
	}
	now := s.now()
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	code := input.BatchCode
	if code == "" {
		code = fmt.Sprintf("LOT-%d", now.UnixNano())
	}
	lot := Lot{
		Scope:        input.Scope,
		BatchCode:    code,
		Source:       input.Source,
		QtyTotal:     input.Qty,
		QtyRemaining: input.Qty,
		CostPerUnit:  input.CostPerUnit,
		ReceivedAt:   receivedAt.UTC(),
		ExpiresAt:    input.ExpiresAt,
		CreatedAt:    now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return fmt.Errorf("inventory: insert lot: %w", err)
		}
		lot.ID = id
		if _, err := tx.AddAggregateQuantity(ctx, input.Scope, input.Qty); err != nil {
			return fmt.Errorf("inventory: credit aggregate: %w", err)
		}
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.recordAudit(ctx, input.ActorID, "inventory:receive", input.Scope, map[string]any{
		"lot_id":        lot.ID,
		"batch_code":    lot.BatchCode,
		"qty":           lot.QtyTotal.String(),
		"cost_per_unit": lot.CostPerUnit.String(),
	})
	return lot, nil
}

// Available reports on-hand stock for scope without mutating anything.
func (s *Service) Available(ctx context.Context, scope Scope) (Availability, error) {
	if err := scope.Validate(); err != nil {
		return Availability{}, err
	}
	out := Availability{Scope: scope, Quantity: decimal.Zero, LotQuantity: decimal.Zero}
	agg, err := s.store.GetAggregate(ctx, scope)
	switch {
	case errors.Is(err, ErrAggregateMissing):
		out.AggregateMissing = true
	case err != nil:
		return Availability{}, err
	default:
		out.Quantity = agg.Quantity
		out.LastUpdated = agg.LastUpdated
	}
	lots, err := s.store.ListLots(ctx, scope, false)
	if err != nil {
		return Availability{}, err
	}
	for _, lot := range lots {
		out.LotQuantity = out.LotQuantity.Add(lot.QtyRemaining)
	}
	out.LotCount = len(lots)
	if out.AggregateMissing && out.LotCount > 0 {
		s.logger.Warn("inventory aggregate missing for stocked scope",
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int64("warehouse_id", scope.WarehouseID),
			slog.Int64("product_id", scope.ProductID),
		)
	}
	return out, nil
}

// ListLots lists lots for scope oldest-first.
func (s *Service) ListLots(ctx context.Context, scope Scope, includeExhausted bool) ([]Lot, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListLots(ctx, scope, includeExhausted)
}

// OnRetry builds a retry hook that logs and counts retries of op.
func (s *Service) OnRetry(op string, scope Scope) func(int, error) {
	return func(attempt int, err error) {
		if s.rec != nil {
			s.rec.ObserveRetry(op)
		}
		s.logger.Info("inventory retrying after conflict",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int64("product_id", scope.ProductID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, scope Scope, meta map[string]any) {
	if s.audit == nil {
		return
	}
	meta["tenant_id"] = scope.TenantID
	meta["warehouse_id"] = scope.WarehouseID
	meta["product_id"] = scope.ProductID
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "product_batch",
		EntityID: fmt.Sprintf("%d:%d:%d", scope.TenantID, scope.WarehouseID, scope.ProductID),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("inventory audit", slog.String("action", action), slog.Any("error", err))
	}
}
