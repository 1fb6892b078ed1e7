package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LotSource records where a lot originated.
type LotSource string

const (
	// LotSourcePurchase marks stock received from a supplier.
	LotSourcePurchase LotSource = "PURCHASE"
	// LotSourceProduction marks finished goods from a production batch.
	LotSourceProduction LotSource = "PRODUCTION"
	// LotSourceTransferIn marks stock received from another warehouse.
	LotSourceTransferIn LotSource = "TRANSFER_IN"
	// LotSourceAdjustment marks stock found during a count.
	LotSourceAdjustment LotSource = "ADJUSTMENT"
)

// Stored decimal places. Inputs with significant digits past these scales are
// rejected rather than rounded by the database.
const (
	QtyScale  int32 = 6
	CostScale int32 = 4
)

// Valid reports whether s is a known source.
func (s LotSource) Valid() bool {
	switch s {
	case LotSourcePurchase, LotSourceProduction, LotSourceTransferIn, LotSourceAdjustment:
		return true
	}
	return false
}

// Scope bounds every stock operation to one product at one warehouse of one tenant.
type Scope struct {
	TenantID    int64 `json:"tenant_id"`
	WarehouseID int64 `json:"warehouse_id"`
	ProductID   int64 `json:"product_id"`
}

// Validate checks that all identifiers are set.
func (s Scope) Validate() error {
	if s.TenantID <= 0 || s.WarehouseID <= 0 || s.ProductID <= 0 {
		return ErrInvalidScope
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("tenant=%d warehouse=%d product=%d", s.TenantID, s.WarehouseID, s.ProductID)
}

// Lot is a cost-tagged receipt of stock ("product batch").
type Lot struct {
	ID           int64           `json:"id"`
	Scope        Scope           `json:"scope"`
	BatchCode    string          `json:"batch_code"`
	Source       LotSource       `json:"source"`
	QtyTotal     decimal.Decimal `json:"qty_total"`
	QtyRemaining decimal.Decimal `json:"qty_remaining"`
	CostPerUnit  decimal.Decimal `json:"cost_per_unit"`
	ReceivedAt   time.Time       `json:"received_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Aggregate is the denormalized on-hand total for a scope.
type Aggregate struct {
	Scope       Scope
	Quantity    decimal.Decimal
	LastUpdated time.Time
}

// Usage is one lot debit produced by a consumption.
type Usage struct {
	ProductBatchID int64           `json:"product_batch_id"`
	QtyTaken       decimal.Decimal `json:"qty_taken"`
	CostPerUnit    decimal.Decimal `json:"cost_per_unit"`
}

// Cost returns QtyTaken * CostPerUnit.
func (u Usage) Cost() decimal.Decimal {
	return u.QtyTaken.Mul(u.CostPerUnit)
}

// Usages is the oldest-first usage trail of a consumption.
type Usages []Usage

// TotalQty sums the quantity taken across all usages.
func (u Usages) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, usage := range u {
		total = total.Add(usage.QtyTaken)
	}
	return total
}

// TotalCost sums qty * unit cost, i.e. the cost of goods consumed.
func (u Usages) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, usage := range u {
		total = total.Add(usage.Cost())
	}
	return total
}

// ReceiveInput describes a lot created by the receiving side.
type ReceiveInput struct {
	Scope       Scope
	BatchCode   string
	Source      LotSource
	Qty         decimal.Decimal
	CostPerUnit decimal.Decimal
	ReceivedAt  time.Time
	ExpiresAt   *time.Time
	ActorID     int64
}

// ConsumeInput describes a standalone withdrawal.
type ConsumeInput struct {
	Scope     Scope
	Qty       decimal.Decimal
	ActorID   int64
	RefModule string
	RefID     string
}

// Availability is a read-only view of stock for a scope.
type Availability struct {
	Scope            Scope           `json:"scope"`
	Quantity         decimal.Decimal `json:"quantity"`
	LotQuantity      decimal.Decimal `json:"lot_quantity"`
	LotCount         int             `json:"lot_count"`
	AggregateMissing bool            `json:"aggregate_missing"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// ScopeBalance pairs the aggregate with the lot sum for one scope.
type ScopeBalance struct {
	Scope        Scope
	AggregateQty decimal.Decimal
	HasAggregate bool
	LotQty       decimal.Decimal
	LotCount     int
}

// Divergence reports a scope whose aggregate does not match its lots.
type Divergence struct {
	Scope            Scope           `json:"scope"`
	AggregateQty     decimal.Decimal `json:"aggregate_qty"`
	LotQty           decimal.Decimal `json:"lot_qty"`
	AggregateMissing bool            `json:"aggregate_missing"`
	Repaired         bool            `json:"repaired"`
}

// Delta is AggregateQty - LotQty.
func (d Divergence) Delta() decimal.Decimal {
	return d.AggregateQty.Sub(d.LotQty)
}

func (b ScopeBalance) divergence() (Divergence, bool) {
	if b.HasAggregate && b.AggregateQty.Equal(b.LotQty) {
		return Divergence{}, false
	}
	if !b.HasAggregate && b.LotCount == 0 {
		return Divergence{}, false
	}
	return Divergence{
		Scope:            b.Scope,
		AggregateQty:     b.AggregateQty,
		LotQty:           b.LotQty,
		AggregateMissing: !b.HasAggregate,
	}, true
}
