package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Reconcile lists scopes whose aggregate differs from the remaining lot total.
// tenantID 0 checks every tenant.
func (s *Service) Reconcile(ctx context.Context, tenantID int64) ([]Divergence, error) {
	balances, err := s.store.ScopeBalances(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("inventory: scope balances: %w", err)
	}
	out := make([]Divergence, 0)
	for _, b := range balances {
		d, ok := b.divergence()
		if !ok {
			continue
		}
		kind := "mismatch"
		if d.AggregateMissing {
			kind = "missing"
		}
		if s.rec != nil {
			s.rec.ObserveAggregateAnomaly(kind)
		}
		s.logger.Warn("inventory aggregate divergence",
			slog.Int64("tenant_id", d.Scope.TenantID),
			slog.Int64("warehouse_id", d.Scope.WarehouseID),
			slog.Int64("product_id", d.Scope.ProductID),
			slog.String("aggregate_qty", d.AggregateQty.String()),
			slog.String("lot_qty", d.LotQty.String()),
			slog.Bool("aggregate_missing", d.AggregateMissing),
		)
		out = append(out, d)
	}
	return out, nil
}

// Repair resets the aggregate of scope to the sum of its remaining lots,
// creating the row when missing. The aggregate row is locked before lots are
// summed: writers that already hold it have committed their lots by the time
// the lock is granted, and writers still to come re-read the repaired value
// when they apply their delta.
func (s *Service) Repair(ctx context.Context, scope Scope) (Divergence, error) {
	if err := scope.Validate(); err != nil {
		return Divergence{}, err
	}
	var out Divergence
	err := s.retry.Do(ctx, s.OnRetry("repair", scope), func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			var err error
			out, err = repairInTx(ctx, tx, scope)
			return err
		})
	})
	if err != nil {
		return Divergence{}, fmt.Errorf("inventory: repair %s: %w", scope, err)
	}
	if out.Repaired {
		s.logger.Info("inventory aggregate repaired",
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int64("warehouse_id", scope.WarehouseID),
			slog.Int64("product_id", scope.ProductID),
			slog.String("from", out.AggregateQty.String()),
			slog.String("to", out.LotQty.String()),
		)
	}
	return out, nil
}

func repairInTx(ctx context.Context, tx TxStore, scope Scope) (Divergence, error) {
	out := Divergence{Scope: scope, AggregateQty: decimal.Zero}
	agg, err := tx.GetAggregateForUpdate(ctx, scope)
	switch {
	case err == nil:
		out.AggregateQty = agg.Quantity
	case isAggregateMissing(err):
		// Upsert a zero row so the lock exists before lots are read.
		out.AggregateMissing = true
		if _, err := tx.AddAggregateQuantity(ctx, scope, decimal.Zero); err != nil {
			return Divergence{}, err
		}
	default:
		return Divergence{}, err
	}

	lotQty, _, err := tx.SumLots(ctx, scope)
	if err != nil {
		return Divergence{}, err
	}
	out.LotQty = lotQty
	if !out.AggregateMissing && agg.Quantity.Equal(lotQty) {
		return out, nil
	}
	if err := tx.SetAggregateQuantity(ctx, scope, lotQty); err != nil {
		return Divergence{}, err
	}
	out.Repaired = true
	return out, nil
}
