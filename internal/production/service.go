package production

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// StockConsumer is the slice of inventory.Service production needs.
type StockConsumer interface {
	ConsumeInTx(ctx context.Context, tx inventory.TxStore, scope inventory.Scope, qty decimal.Decimal) (inventory.Usages, error)
	Retry() inventory.RetryPolicy
	OnRetry(op string, scope inventory.Scope) func(int, error)
}

// Service manages production batches.
type Service struct {
	repo   RepositoryPort
	stock  StockConsumer
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, stock StockConsumer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, stock: stock, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// PlanBatch creates a batch in PLANNED.
func (s *Service) PlanBatch(ctx context.Context, input PlanBatchInput) (Batch, error) {
	if err := shared.Validate(input); err != nil {
		return Batch{}, err
	}
	batch := Batch{
		TenantID:    input.TenantID,
		WarehouseID: input.WarehouseID,
		Code:        input.Code,
		Status:      BatchStatusPlanned,
		CreatedAt:   s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		batch.ID = id
		return nil
	})
	if err != nil {
		return Batch{}, fmt.Errorf("production: plan batch: %w", err)
	}
	return batch, nil
}

// StartBatch draws every material from stock and moves the batch to
// IN_PROGRESS. Nothing is consumed unless every material is covered.
func (s *Service) StartBatch(ctx context.Context, input StartBatchInput) (StartResult, error) {
	if err := shared.Validate(input); err != nil {
		return StartResult{}, err
	}
	materials := mergeMaterials(input.Materials)

	var out StartResult
	scope := inventory.Scope{TenantID: input.TenantID, WarehouseID: input.WarehouseID}
	err := s.stock.Retry().Do(ctx, s.stock.OnRetry("production", scope), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			res, err := s.startInTx(ctx, tx, input, materials)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	})
	if err != nil {
		return StartResult{}, err
	}
	s.logger.Info("production batch started",
		slog.Int64("tenant_id", input.TenantID),
		slog.Int64("batch_id", out.Batch.ID),
		slog.Int("materials", len(out.Materials)),
		slog.String("total_cost", out.TotalCost.String()),
	)
	return out, nil
}

func (s *Service) startInTx(ctx context.Context, tx TxRepository, input StartBatchInput, materials []MaterialInput) (StartResult, error) {
	batch, err := tx.GetBatchForUpdate(ctx, input.TenantID, input.BatchID)
	if err != nil {
		return StartResult{}, err
	}
	if !batch.Status.CanStart() {
		return StartResult{}, fmt.Errorf("%w: batch %d is %s", ErrInvalidState, batch.ID, batch.Status)
	}
	if input.WarehouseID != 0 && input.WarehouseID != batch.WarehouseID {
		return StartResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrWarehouseMismatch)
	}

	// Consume in ascending product order to keep lot lock order stable across
	// transactions; the result lists materials in request order.
	drawn := make(map[int64]inventory.Usages, len(materials))
	for _, m := range byProduct(materials) {
		scope := inventory.Scope{TenantID: batch.TenantID, WarehouseID: batch.WarehouseID, ProductID: m.ProductID}
		usages, err := s.stock.ConsumeInTx(ctx, tx.Stock(), scope, m.Qty)
		if err != nil {
			return StartResult{}, fmt.Errorf("production: material %d: %w", m.ProductID, err)
		}
		drawn[m.ProductID] = usages
	}

	res := StartResult{TotalCost: decimal.Zero}
	for _, m := range materials {
		usages := drawn[m.ProductID]
		if err := tx.InsertMaterialUsages(ctx, batch.ID, m.ProductID, usages); err != nil {
			return StartResult{}, fmt.Errorf("production: insert usages: %w", err)
		}
		draw := MaterialDraw{ProductID: m.ProductID, Qty: m.Qty, Cost: usages.TotalCost(), Usages: usages}
		res.Materials = append(res.Materials, draw)
		res.TotalCost = res.TotalCost.Add(draw.Cost)
	}

	startedAt := s.now()
	if err := tx.MarkStarted(ctx, batch.ID, startedAt); err != nil {
		return StartResult{}, fmt.Errorf("production: mark started: %w", err)
	}
	batch.Status = BatchStatusInProgress
	batch.StartedAt = &startedAt
	res.Batch = batch
	return res, nil
}

func byProduct(materials []MaterialInput) []MaterialInput {
	sorted := append([]MaterialInput(nil), materials...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	return sorted
}
