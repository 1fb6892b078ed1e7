package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

const idempotencyModule = "sales"

// StockConsumer is the slice of inventory.Service a sale needs.
type StockConsumer interface {
	ConsumeInTx(ctx context.Context, tx inventory.TxStore, scope inventory.Scope, qty decimal.Decimal) (inventory.Usages, error)
	Retry() inventory.RetryPolicy
	OnRetry(op string, scope inventory.Scope) func(int, error)
}

// IdempotencyPort claims request ids.
type IdempotencyPort interface {
	Claim(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service posts sales and derives their cost of goods sold.
type Service struct {
	repo   RepositoryPort
	stock  StockConsumer
	idem   IdempotencyPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a sales service. idem and audit may be nil.
func NewService(repo RepositoryPort, stock StockConsumer, idem IdempotencyPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		stock:  stock,
		idem:   idem,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PostSale consumes stock for every line and stores the sale with its lot
// usages in one transaction. A failure on any line leaves no stock consumed.
func (s *Service) PostSale(ctx context.Context, input PostSaleInput) (Sale, error) {
	if err := shared.Validate(input); err != nil {
		return Sale{}, err
	}
	if input.RequestID == uuid.Nil {
		return Sale{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrRequestIDRequired)
	}

	key := input.RequestID.String()
	if s.idem != nil {
		if err := s.idem.Claim(ctx, key, idempotencyModule); err != nil {
			return Sale{}, err
		}
	}

	sale, err := s.post(ctx, input)
	if err != nil {
		if s.idem != nil {
			if rerr := s.idem.Release(ctx, key, idempotencyModule); rerr != nil {
				s.logger.Warn("sales release idempotency key", slog.String("request_id", key), slog.Any("error", rerr))
			}
		}
		return Sale{}, err
	}

	s.logger.Info("sale posted",
		slog.Int64("tenant_id", sale.TenantID),
		slog.Int64("sale_id", sale.ID),
		slog.String("number", sale.Number),
		slog.String("total_amount", sale.TotalAmount.String()),
		slog.String("total_cogs", sale.TotalCOGS.String()),
	)
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "sales:post",
			Entity:   "sale",
			EntityID: fmt.Sprintf("%d", sale.ID),
			Meta:     map[string]any{"number": sale.Number, "cogs": sale.TotalCOGS.String(), "lines": len(sale.Lines)},
			At:       sale.PostedAt,
		}); err != nil {
			s.logger.Warn("sales audit", slog.Any("error", err))
		}
	}
	return sale, nil
}

func (s *Service) post(ctx context.Context, input PostSaleInput) (Sale, error) {
	var out Sale
	scope := inventory.Scope{TenantID: input.TenantID, WarehouseID: input.WarehouseID}
	err := s.stock.Retry().Do(ctx, s.stock.OnRetry("sale", scope), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sale, err := s.postInTx(ctx, tx, input)
			if err != nil {
				return err
			}
			out = sale
			return nil
		})
	})
	return out, err
}

func (s *Service) postInTx(ctx context.Context, tx TxRepository, input PostSaleInput) (Sale, error) {
	sale := Sale{
		TenantID:    input.TenantID,
		WarehouseID: input.WarehouseID,
		Number:      input.Number,
		RequestID:   input.RequestID,
		Status:      SaleStatusPosted,
		TotalAmount: decimal.Zero,
		TotalCOGS:   decimal.Zero,
		CreatedBy:   input.ActorID,
		PostedAt:    s.now(),
	}
	id, err := tx.InsertSale(ctx, sale)
	if err != nil {
		return Sale{}, fmt.Errorf("sales: insert sale: %w", err)
	}
	sale.ID = id

	// Lots are locked in ascending product order so concurrent sales over the
	// same products cannot deadlock; lines keep the caller's order.
	drawn := make([]inventory.Usages, len(input.Lines))
	for _, i := range consumeOrder(input.Lines) {
		in := input.Lines[i]
		scope := inventory.Scope{TenantID: input.TenantID, WarehouseID: input.WarehouseID, ProductID: in.ProductID}
		usages, err := s.stock.ConsumeInTx(ctx, tx.Stock(), scope, in.Qty)
		if err != nil {
			if errors.Is(err, inventory.ErrInsufficientStock) {
				return Sale{}, fmt.Errorf("sales: line %d: %w", i+1, err)
			}
			return Sale{}, fmt.Errorf("sales: consume line %d: %w", i+1, err)
		}
		drawn[i] = usages
	}

	for i, in := range input.Lines {
		usages := drawn[i]
		line := Line{
			ProductID: in.ProductID,
			Qty:       in.Qty,
			UnitPrice: in.UnitPrice,
			Amount:    in.Qty.Mul(in.UnitPrice),
			COGS:      usages.TotalCost(),
			Usages:    usages,
		}
		lineID, err := tx.InsertLine(ctx, sale.ID, line)
		if err != nil {
			return Sale{}, fmt.Errorf("sales: insert line %d: %w", i+1, err)
		}
		line.ID = lineID
		if err := tx.InsertUsages(ctx, lineID, usages); err != nil {
			return Sale{}, fmt.Errorf("sales: insert usages line %d: %w", i+1, err)
		}
		sale.Lines = append(sale.Lines, line)
		sale.TotalAmount = sale.TotalAmount.Add(line.Amount)
		sale.TotalCOGS = sale.TotalCOGS.Add(line.COGS)
	}

	if err := tx.UpdateTotals(ctx, sale.ID, sale.TotalAmount, sale.TotalCOGS); err != nil {
		return Sale{}, fmt.Errorf("sales: update totals: %w", err)
	}
	return sale, nil
}

// consumeOrder returns line indexes sorted by product id, ties in input order.
func consumeOrder(lines []LineInput) []int {
	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return lines[order[a]].ProductID < lines[order[b]].ProductID
	})
	return order
}
