package inventory

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxStore is the set of lot and aggregate operations the engine issues inside
// one transaction. Implementations must bind every call to the same transaction.
type TxStore interface {
	// LockAvailableLots returns lots with remaining stock ordered by
	// (received_at, id), holding a write lock on each until the transaction ends.
	LockAvailableLots(ctx context.Context, scope Scope) ([]Lot, error)
	// ListAvailableLots is LockAvailableLots without row locks.
	ListAvailableLots(ctx context.Context, scope Scope) ([]Lot, error)
	// DecrementLot subtracts take from the lot only if its version and remaining
	// quantity still match lot. Returns ErrConcurrentModification otherwise.
	DecrementLot(ctx context.Context, lot Lot, take decimal.Decimal) (Lot, error)
	// GetAggregateForUpdate loads and locks the aggregate row.
	// Returns ErrAggregateMissing when absent.
	GetAggregateForUpdate(ctx context.Context, scope Scope) (Aggregate, error)
	// SetAggregateQuantity overwrites the aggregate quantity of an existing row.
	SetAggregateQuantity(ctx context.Context, scope Scope, qty decimal.Decimal) error
	// AddAggregateQuantity creates the aggregate if needed and adds delta.
	AddAggregateQuantity(ctx context.Context, scope Scope, delta decimal.Decimal) (Aggregate, error)
	// InsertLot persists a new lot and returns its id.
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	// SumLots returns the remaining quantity and lot count of a scope.
	SumLots(ctx context.Context, scope Scope) (decimal.Decimal, int, error)
}

// Store opens transactions and serves read-only queries.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetAggregate(ctx context.Context, scope Scope) (Aggregate, error)
	ListLots(ctx context.Context, scope Scope, includeExhausted bool) ([]Lot, error)
	ScopeBalances(ctx context.Context, tenantID int64) ([]ScopeBalance, error)
}
