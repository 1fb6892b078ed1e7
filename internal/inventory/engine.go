package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// LockMode selects how the engine protects lots against concurrent consumers.
type LockMode string

const (
	// LockModePessimistic locks candidate lots before reading their remainder.
	LockModePessimistic LockMode = "pessimistic"
	// LockModeOptimistic reads without locks and relies on conditional writes.
	LockModeOptimistic LockMode = "optimistic"
)

// ParseLockMode maps a config value to a LockMode; empty selects pessimistic.
func ParseLockMode(value string) (LockMode, error) {
	switch LockMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", LockModePessimistic:
		return LockModePessimistic, nil
	case LockModeOptimistic:
		return LockModeOptimistic, nil
	default:
		return "", fmt.Errorf("inventory: unknown lock mode %q", value)
	}
}

// Recorder receives engine outcomes for metrics. Implementations must be nil-safe.
type Recorder interface {
	ObserveConsumption(outcome string, qty decimal.Decimal, lots int)
	ObserveAggregateAnomaly(kind string)
	ObserveRetry(operation string)
}

// Consumption outcomes reported to Recorder.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient"
	OutcomeConflict     = "conflict"
	OutcomeError        = "error"
)

// EngineConfig groups engine settings.
type EngineConfig struct {
	LockMode LockMode
	// LenientAggregate downgrades a missing aggregate row from an error to a warning.
	LenientAggregate bool
	Logger           *slog.Logger
	Recorder         Recorder
}

// Engine debits lots oldest-first and keeps the scope aggregate in step.
// It holds no lot state between calls.
type Engine struct {
	lockMode LockMode
	lenient  bool
	logger   *slog.Logger
	recorder Recorder
}

// NewEngine builds an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	mode := cfg.LockMode
	if mode == "" {
		mode = LockModePessimistic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{lockMode: mode, lenient: cfg.LenientAggregate, logger: logger, recorder: cfg.Recorder}
}

// LockMode reports the configured locking strategy.
func (e *Engine) LockMode() LockMode {
	return e.lockMode
}

// Consume withdraws qty from scope inside tx and returns the usages oldest-first.
// On any error the caller must roll tx back; lots already decremented in this
// call are only undone by that rollback.
func (e *Engine) Consume(ctx context.Context, tx TxStore, scope Scope, qty decimal.Decimal) (Usages, error) {
	if tx == nil {
		return nil, errors.New("inventory: transaction required")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := checkQty(qty); err != nil {
		return nil, err
	}

	usages, err := e.consume(ctx, tx, scope, qty)
	e.observe(err, qty, len(usages))
	if err != nil {
		return nil, err
	}
	return usages, nil
}

func (e *Engine) consume(ctx context.Context, tx TxStore, scope Scope, qty decimal.Decimal) (Usages, error) {
	var (
		lots []Lot
		err  error
	)
	if e.lockMode == LockModeOptimistic {
		lots, err = tx.ListAvailableLots(ctx, scope)
	} else {
		lots, err = tx.LockAvailableLots(ctx, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: load lots: %w", err)
	}

	// Check coverage before writing so a short scope leaves no dirty rows behind
	// even if the caller forgets to roll back.
	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.QtyRemaining)
	}
	if available.LessThan(qty) {
		return nil, &InsufficientStockError{Scope: scope, Requested: qty, Available: available}
	}

	remaining := qty
	usages := make(Usages, 0, 1)
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lot.QtyRemaining, remaining)
		if !take.IsPositive() {
			continue
		}
		if lot.QtyRemaining.Sub(take).IsNegative() || lot.QtyRemaining.GreaterThan(lot.QtyTotal) {
			return nil, fmt.Errorf("%w: lot %d", ErrNegativeStock, lot.ID)
		}
		if _, err := tx.DecrementLot(ctx, lot, take); err != nil {
			return nil, fmt.Errorf("inventory: decrement lot %d: %w", lot.ID, err)
		}
		usages = append(usages, Usage{ProductBatchID: lot.ID, QtyTaken: take, CostPerUnit: lot.CostPerUnit})
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, &InsufficientStockError{Scope: scope, Requested: qty, Available: qty.Sub(remaining)}
	}

	if err := e.debitAggregate(ctx, tx, scope, qty); err != nil {
		return nil, err
	}
	return usages, nil
}

func (e *Engine) debitAggregate(ctx context.Context, tx TxStore, scope Scope, qty decimal.Decimal) error {
	agg, err := tx.GetAggregateForUpdate(ctx, scope)
	if errors.Is(err, ErrAggregateMissing) {
		e.recordAnomaly("missing")
		if !e.lenient {
			return fmt.Errorf("%w: %s", ErrAggregateMissing, scope)
		}
		e.logger.Warn("inventory aggregate missing, skipping update",
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int64("warehouse_id", scope.WarehouseID),
			slog.Int64("product_id", scope.ProductID),
			slog.String("qty", qty.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("inventory: load aggregate: %w", err)
	}
	next := agg.Quantity.Sub(qty)
	if next.IsNegative() {
		// Lots covered the request, so the aggregate was already short.
		e.recordAnomaly("negative")
		if !e.lenient {
			return fmt.Errorf("%w: aggregate %s below request %s for %s", ErrNegativeStock, agg.Quantity, qty, scope)
		}
		e.logger.Warn("inventory aggregate below lot total, clamping to zero",
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int64("warehouse_id", scope.WarehouseID),
			slog.Int64("product_id", scope.ProductID),
			slog.String("aggregate_qty", agg.Quantity.String()),
			slog.String("qty", qty.String()),
		)
		next = decimal.Zero
	}
	if err := tx.SetAggregateQuantity(ctx, scope, next); err != nil {
		return fmt.Errorf("inventory: update aggregate: %w", err)
	}
	return nil
}

func (e *Engine) observe(err error, qty decimal.Decimal, lots int) {
	if e.recorder == nil {
		return
	}
	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientStock):
		outcome = OutcomeInsufficient
	case errors.Is(err, ErrConcurrentModification):
		outcome = OutcomeConflict
	default:
		outcome = OutcomeError
	}
	e.recorder.ObserveConsumption(outcome, qty, lots)
}

func (e *Engine) recordAnomaly(kind string) {
	if e.recorder != nil {
		e.recorder.ObserveAggregateAnomaly(kind)
	}
}
