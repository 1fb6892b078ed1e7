package sales

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// MemoryRepository keeps sales in process on top of an inventory.MemoryStore.
// Sale rows become visible only when the stock transaction commits.
type MemoryRepository struct {
	stock *inventory.MemoryStore

	mu     sync.Mutex
	sales  map[int64]Sale
	nextID int64
}

// NewMemoryRepository constructs a MemoryRepository sharing stock's transactions.
func NewMemoryRepository(stock *inventory.MemoryStore) *MemoryRepository {
	return &MemoryRepository{stock: stock, sales: map[int64]Sale{}}
}

// WithTx runs fn inside a stock transaction and publishes staged sales on success.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var staged *memoryTx
	return r.stock.WithTxCommit(ctx, func(ctx context.Context, tx inventory.TxStore) error {
		r.mu.Lock()
		base := r.nextID
		r.mu.Unlock()
		staged = &memoryTx{parent: r, stock: tx, nextID: base, sales: map[int64]*Sale{}, lines: map[int64]*lineRef{}}
		return fn(ctx, staged)
	}, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for id, sale := range staged.sales {
			r.sales[id] = *sale
		}
		if staged.nextID > r.nextID {
			r.nextID = staged.nextID
		}
	})
}

// Sale returns a committed sale by id.
func (r *MemoryRepository) Sale(id int64) (Sale, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sales[id]
	return s, ok
}

// Count reports committed sales.
func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sales)
}

// uniqueViolation mirrors the unique constraints on sales.
func uniqueViolation(existing, sale Sale) error {
	if existing.TenantID != sale.TenantID {
		return nil
	}
	if existing.RequestID == sale.RequestID {
		return shared.ErrIdempotencyConflict
	}
	if existing.Number == sale.Number {
		return ErrDuplicateNumber
	}
	return nil
}

func (r *MemoryRepository) conflict(sale Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sales {
		if err := uniqueViolation(s, sale); err != nil {
			return err
		}
	}
	return nil
}

type lineRef struct {
	saleID int64
	index  int
}

type memoryTx struct {
	parent *MemoryRepository
	stock  inventory.TxStore
	nextID int64
	sales  map[int64]*Sale
	lines  map[int64]*lineRef
}

func (tx *memoryTx) Stock() inventory.TxStore { return tx.stock }

func (tx *memoryTx) InsertSale(_ context.Context, sale Sale) (int64, error) {
	if err := tx.parent.conflict(sale); err != nil {
		return 0, err
	}
	for _, staged := range tx.sales {
		if err := uniqueViolation(*staged, sale); err != nil {
			return 0, err
		}
	}
	tx.nextID++
	sale.ID = tx.nextID
	sale.Lines = nil
	tx.sales[sale.ID] = &sale
	return sale.ID, nil
}

func (tx *memoryTx) InsertLine(_ context.Context, saleID int64, line Line) (int64, error) {
	sale := tx.sales[saleID]
	tx.nextID++
	line.ID = tx.nextID
	sale.Lines = append(sale.Lines, line)
	tx.lines[line.ID] = &lineRef{saleID: saleID, index: len(sale.Lines) - 1}
	return line.ID, nil
}

func (tx *memoryTx) InsertUsages(_ context.Context, lineID int64, usages inventory.Usages) error {
	ref := tx.lines[lineID]
	sale := tx.sales[ref.saleID]
	sale.Lines[ref.index].Usages = append(inventory.Usages(nil), usages...)
	return nil
}

func (tx *memoryTx) UpdateTotals(_ context.Context, saleID int64, amount, cogs decimal.Decimal) error {
	sale := tx.sales[saleID]
	sale.TotalAmount = amount
	sale.TotalCOGS = cogs
	return nil
}
