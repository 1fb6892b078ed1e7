package production

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

// MemoryRepository keeps batches in process on top of an inventory.MemoryStore.
type MemoryRepository struct {
	stock *inventory.MemoryStore

	mu      sync.Mutex
	batches map[int64]Batch
	usages  map[int64][]MaterialDraw
	nextID  int64
}

// NewMemoryRepository constructs a MemoryRepository sharing stock's transactions.
func NewMemoryRepository(stock *inventory.MemoryStore) *MemoryRepository {
	return &MemoryRepository{stock: stock, batches: map[int64]Batch{}, usages: map[int64][]MaterialDraw{}}
}

// WithTx runs fn inside a stock transaction and publishes staged rows on success.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var staged *memoryTx
	return r.stock.WithTxCommit(ctx, func(ctx context.Context, tx inventory.TxStore) error {
		r.mu.Lock()
		staged = &memoryTx{stock: tx, nextID: r.nextID, batches: map[int64]Batch{}, usages: map[int64][]MaterialDraw{}}
		for id, b := range r.batches {
			staged.batches[id] = b
		}
		r.mu.Unlock()
		return fn(ctx, staged)
	}, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for id, b := range staged.batches {
			r.batches[id] = b
		}
		if staged.nextID > r.nextID {
			r.nextID = staged.nextID
		}
		for id, draws := range staged.usages {
			r.usages[id] = append(r.usages[id], draws...)
		}
	})
}

// Batch returns a committed batch.
func (r *MemoryRepository) Batch(id int64) (Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	return b, ok
}

// Usages returns committed material usages of a batch.
func (r *MemoryRepository) Usages(batchID int64) []MaterialDraw {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MaterialDraw(nil), r.usages[batchID]...)
}

type memoryTx struct {
	stock   inventory.TxStore
	nextID  int64
	batches map[int64]Batch
	usages  map[int64][]MaterialDraw
}

func (tx *memoryTx) Stock() inventory.TxStore { return tx.stock }

func (tx *memoryTx) InsertBatch(_ context.Context, batch Batch) (int64, error) {
	for _, b := range tx.batches {
		if b.TenantID == batch.TenantID && b.Code == batch.Code {
			return 0, ErrDuplicateCode
		}
	}
	tx.nextID++
	batch.ID = tx.nextID
	tx.batches[batch.ID] = batch
	return batch.ID, nil
}

func (tx *memoryTx) GetBatchForUpdate(_ context.Context, tenantID, batchID int64) (Batch, error) {
	b, ok := tx.batches[batchID]
	if !ok || b.TenantID != tenantID {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (tx *memoryTx) InsertMaterialUsages(_ context.Context, batchID, productID int64, usages inventory.Usages) error {
	tx.usages[batchID] = append(tx.usages[batchID], MaterialDraw{
		ProductID: productID,
		Qty:       usages.TotalQty(),
		Cost:      usages.TotalCost(),
		Usages:    append(inventory.Usages(nil), usages...),
	})
	return nil
}

func (tx *memoryTx) MarkStarted(_ context.Context, batchID int64, at time.Time) error {
	b := tx.batches[batchID]
	b.Status = BatchStatusInProgress
	b.StartedAt = &at
	tx.batches[batchID] = b
	return nil
}
