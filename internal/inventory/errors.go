package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientStock indicates the scope cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrAggregateMissing indicates lots exist without an aggregate row or vice versa.
	ErrAggregateMissing = errors.New("inventory: aggregate record missing")
	// ErrConcurrentModification indicates a lot changed between read and write.
	ErrConcurrentModification = errors.New("inventory: concurrent modification")
	// ErrNegativeStock triggered when a write would push a quantity below zero.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrInvalidQuantity indicates a non-positive or over-precise quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative or over-precise cost.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidScope indicates tenant, warehouse or product is missing.
	ErrInvalidScope = errors.New("inventory: tenant, warehouse and product required")
	// ErrInvalidSource indicates an unknown lot source.
	ErrInvalidSource = errors.New("inventory: unknown lot source")
	// ErrLotNotFound indicates the lot row vanished.
	ErrLotNotFound = errors.New("inventory: lot not found")
)

func checkQty(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !qty.Equal(qty.Truncate(QtyScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidQuantity, qty, QtyScale)
	}
	return nil
}

// InsufficientStockError carries the failing scope and the shortfall.
type InsufficientStockError struct {
	Scope     Scope
	Requested decimal.Decimal
	Available decimal.Decimal
}

// Shortfall is the quantity that could not be covered.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s: requested %s, available %s, short %s",
		e.Scope, e.Requested.String(), e.Available.String(), e.Shortfall().String())
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// AsInsufficientStock extracts the typed error from err.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var target *InsufficientStockError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func isAggregateMissing(err error) bool {
	return errors.Is(err, ErrAggregateMissing)
}
