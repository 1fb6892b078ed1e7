package sales

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

var (
	// ErrDuplicateNumber indicates the sale number is already used by the tenant.
	ErrDuplicateNumber = errors.New("sales: sale number already exists")
	// ErrRequestIDRequired indicates a missing idempotency key.
	ErrRequestIDRequired = errors.New("sales: request id required")
)

// SaleStatus enumerates sale lifecycle states.
type SaleStatus string

// SaleStatusPosted marks a sale whose stock has been consumed.
const SaleStatusPosted SaleStatus = "POSTED"

// LineInput is one requested sale line.
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"gt=0"`
	Qty       decimal.Decimal `json:"qty" validate:"decgt=0,decscale=6"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"decgte=0,decscale=4"`
}

// PostSaleInput carries a sale to post.
type PostSaleInput struct {
	TenantID    int64       `json:"tenant_id" validate:"gt=0"`
	WarehouseID int64       `json:"warehouse_id" validate:"gt=0"`
	Number      string      `json:"number" validate:"required,max=64"`
	RequestID   uuid.UUID   `json:"request_id"`
	ActorID     int64       `json:"actor_id"`
	Lines       []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// Sale is a posted sale with its cost of goods sold.
type Sale struct {
	ID          int64           `json:"id"`
	TenantID    int64           `json:"tenant_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Number      string          `json:"number"`
	RequestID   uuid.UUID       `json:"request_id"`
	Status      SaleStatus      `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalCOGS   decimal.Decimal `json:"total_cogs"`
	CreatedBy   int64           `json:"created_by,omitempty"`
	PostedAt    time.Time       `json:"posted_at"`
	Lines       []Line          `json:"lines"`
}

// GrossMargin is TotalAmount - TotalCOGS.
func (s Sale) GrossMargin() decimal.Decimal {
	return s.TotalAmount.Sub(s.TotalCOGS)
}

// Line is a sale line with the lots it drew from.
type Line struct {
	ID        int64            `json:"id"`
	ProductID int64            `json:"product_id"`
	Qty       decimal.Decimal  `json:"qty"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	Amount    decimal.Decimal  `json:"amount"`
	COGS      decimal.Decimal  `json:"cogs"`
	Usages    inventory.Usages `json:"usages"`
}
