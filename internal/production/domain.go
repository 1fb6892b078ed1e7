package production

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

var (
	// ErrNotFound indicates the production batch does not exist for the tenant.
	ErrNotFound = errors.New("production: batch not found")
	// ErrInvalidState indicates the batch cannot move to the requested status.
	ErrInvalidState = errors.New("production: invalid status transition")
	// ErrWarehouseMismatch indicates materials were requested from another warehouse.
	ErrWarehouseMismatch = errors.New("production: warehouse does not match batch")
	// ErrDuplicateCode indicates the batch code is already used by the tenant.
	ErrDuplicateCode = errors.New("production: batch code already exists")
)

// BatchStatus represents the lifecycle of a production batch.
type BatchStatus string

const (
	BatchStatusPlanned    BatchStatus = "PLANNED"     // Created, no material drawn
	BatchStatusInProgress BatchStatus = "IN_PROGRESS" // Materials consumed
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusCancelled  BatchStatus = "CANCELLED"
)

// CanStart checks if materials may be drawn for the batch.
func (s BatchStatus) CanStart() bool {
	return s == BatchStatusPlanned
}

// Batch is a production run that draws raw materials from stock.
type Batch struct {
	ID          int64       `json:"id"`
	TenantID    int64       `json:"tenant_id"`
	WarehouseID int64       `json:"warehouse_id"`
	Code        string      `json:"code"`
	Status      BatchStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PlanBatchInput creates a batch in PLANNED.
type PlanBatchInput struct {
	TenantID    int64  `json:"tenant_id" validate:"gt=0"`
	WarehouseID int64  `json:"warehouse_id" validate:"gt=0"`
	Code        string `json:"code" validate:"required,max=64"`
}

// MaterialInput is one raw material to draw.
type MaterialInput struct {
	ProductID int64           `json:"product_id" validate:"gt=0"`
	Qty       decimal.Decimal `json:"qty" validate:"decgt=0,decscale=6"`
}

// StartBatchInput draws materials and moves the batch to IN_PROGRESS.
// WarehouseID zero means the batch's own warehouse.
type StartBatchInput struct {
	TenantID    int64           `json:"tenant_id" validate:"gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"gte=0"`
	BatchID     int64           `json:"batch_id" validate:"gt=0"`
	ActorID     int64           `json:"actor_id"`
	Materials   []MaterialInput `json:"materials" validate:"required,min=1,dive"`
}

// MaterialDraw records what one material consumed.
type MaterialDraw struct {
	ProductID int64            `json:"product_id"`
	Qty       decimal.Decimal  `json:"qty"`
	Cost      decimal.Decimal  `json:"cost"`
	Usages    inventory.Usages `json:"usages"`
}

// StartResult is the outcome of StartBatch.
type StartResult struct {
	Batch     Batch           `json:"batch"`
	Materials []MaterialDraw  `json:"materials"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// mergeMaterials sums duplicate product ids, keeping first-seen order.
func mergeMaterials(in []MaterialInput) []MaterialInput {
	out := make([]MaterialInput, 0, len(in))
	index := make(map[int64]int, len(in))
	for _, m := range in {
		if i, ok := index[m.ProductID]; ok {
			out[i].Qty = out[i].Qty.Add(m.Qty)
			continue
		}
		index[m.ProductID] = len(out)
		out = append(out, m)
	}
	return out
}
