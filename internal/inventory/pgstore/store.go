// Package pgstore persists inventory lots and aggregates in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
)

// Store implements inventory.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	txOpts pgx.TxOptions
}

// NewStore constructs Store. opts controls the isolation level of WithTx.
func NewStore(pool *pgxpool.Pool, opts pgx.TxOptions) *Store {
	return &Store{pool: pool, txOpts: opts}
}

var _ inventory.Store = (*Store)(nil)

// WithTx executes fn inside a transaction; any error rolls every write back.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxStore) error) error {
	return WithTx(ctx, s.pool, s.txOpts, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// GetAggregate reads the aggregate row without locking it.
func (s *Store) GetAggregate(ctx context.Context, scope inventory.Scope) (inventory.Aggregate, error) {
	return getAggregate(ctx, s.pool, scope, false)
}

// ListLots returns lots for scope in FIFO order.
func (s *Store) ListLots(ctx context.Context, scope inventory.Scope, includeExhausted bool) ([]inventory.Lot, error) {
	query := selectLots + ` WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3`
	if !includeExhausted {
		query += ` AND qty_remaining > 0`
	}
	query += ` ORDER BY received_at, id`
	return queryLots(ctx, s.pool, query, scope.TenantID, scope.WarehouseID, scope.ProductID)
}

// ScopeBalances pairs every aggregate with the sum of its lots. Scopes holding
// lots but no aggregate row are included. tenantID 0 selects all tenants.
func (s *Store) ScopeBalances(ctx context.Context, tenantID int64) ([]inventory.ScopeBalance, error) {
	const query = `
WITH lot_sums AS (
    SELECT tenant_id, warehouse_id, product_id,
           SUM(qty_remaining) AS lot_qty, COUNT(*) AS lot_count
    FROM product_batches
    WHERE ($1 = 0 OR tenant_id = $1)
    GROUP BY tenant_id, warehouse_id, product_id
)
SELECT COALESCE(a.tenant_id, l.tenant_id),
       COALESCE(a.warehouse_id, l.warehouse_id),
       COALESCE(a.product_id, l.product_id),
       a.quantity,
       COALESCE(l.lot_qty, 0),
       COALESCE(l.lot_count, 0)
FROM (SELECT * FROM inventory_aggregates WHERE ($1 = 0 OR tenant_id = $1)) a
FULL OUTER JOIN lot_sums l
  ON a.tenant_id = l.tenant_id AND a.warehouse_id = l.warehouse_id AND a.product_id = l.product_id
ORDER BY 1, 2, 3`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: scope balances: %w", err)
	}
	defer rows.Close()
	var out []inventory.ScopeBalance
	for rows.Next() {
		var (
			b      inventory.ScopeBalance
			aggQty decimal.NullDecimal
			count  int64
		)
		if err := rows.Scan(&b.Scope.TenantID, &b.Scope.WarehouseID, &b.Scope.ProductID, &aggQty, &b.LotQty, &count); err != nil {
			return nil, err
		}
		b.HasAggregate = aggQty.Valid
		b.AggregateQty = decimal.Zero
		if aggQty.Valid {
			b.AggregateQty = aggQty.Decimal
		}
		b.LotCount = int(count)
		out = append(out, b)
	}
	return out, rows.Err()
}

// TxStore implements inventory.TxStore on an open pgx transaction so callers
// can compose stock consumption with their own writes.
type TxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps tx.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{tx: tx}
}

var _ inventory.TxStore = (*TxStore)(nil)

// Tx exposes the underlying transaction.
func (t *TxStore) Tx() pgx.Tx {
	return t.tx
}

const selectLots = `SELECT id, tenant_id, warehouse_id, product_id, batch_code, source,
       qty_total, qty_remaining, cost_per_unit, received_at, expires_at, version, created_at
FROM product_batches`

// LockAvailableLots row-locks the scope's lots in FIFO order. Every consumer
// locks in the same order so concurrent requests cannot deadlock.
func (t *TxStore) LockAvailableLots(ctx context.Context, scope inventory.Scope) ([]inventory.Lot, error) {
	query := selectLots + `
WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3 AND qty_remaining > 0
ORDER BY received_at, id
FOR UPDATE`
	return queryLots(ctx, t.tx, query, scope.TenantID, scope.WarehouseID, scope.ProductID)
}

// ListAvailableLots reads the scope's lots without locks.
func (t *TxStore) ListAvailableLots(ctx context.Context, scope inventory.Scope) ([]inventory.Lot, error) {
	query := selectLots + `
WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3 AND qty_remaining > 0
ORDER BY received_at, id`
	return queryLots(ctx, t.tx, query, scope.TenantID, scope.WarehouseID, scope.ProductID)
}

// DecrementLot subtracts take from lot if it is unchanged since it was read.
func (t *TxStore) DecrementLot(ctx context.Context, lot inventory.Lot, take decimal.Decimal) (inventory.Lot, error) {
	const query = `UPDATE product_batches
SET qty_remaining = qty_remaining - $1, version = version + 1
WHERE id = $2 AND version = $3 AND qty_remaining = $4 AND qty_remaining - $1 >= 0
RETURNING qty_remaining, version`
	out := lot
	err := t.tx.QueryRow(ctx, query, take, lot.ID, lot.Version, lot.QtyRemaining).Scan(&out.QtyRemaining, &out.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Lot{}, inventory.ErrConcurrentModification
	}
	if err != nil {
		return inventory.Lot{}, err
	}
	return out, nil
}

// GetAggregateForUpdate locks and returns the aggregate row.
func (t *TxStore) GetAggregateForUpdate(ctx context.Context, scope inventory.Scope) (inventory.Aggregate, error) {
	return getAggregate(ctx, t.tx, scope, true)
}

// SetAggregateQuantity overwrites an existing aggregate row.
func (t *TxStore) SetAggregateQuantity(ctx context.Context, scope inventory.Scope, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return inventory.ErrNegativeStock
	}
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_aggregates SET quantity = $1, last_updated = NOW()
WHERE tenant_id = $2 AND warehouse_id = $3 AND product_id = $4`,
		qty, scope.TenantID, scope.WarehouseID, scope.ProductID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrAggregateMissing
	}
	return nil
}

// AddAggregateQuantity upserts the aggregate row, adding delta.
func (t *TxStore) AddAggregateQuantity(ctx context.Context, scope inventory.Scope, delta decimal.Decimal) (inventory.Aggregate, error) {
	const query = `INSERT INTO inventory_aggregates (tenant_id, warehouse_id, product_id, quantity, last_updated)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (tenant_id, warehouse_id, product_id)
DO UPDATE SET quantity = inventory_aggregates.quantity + EXCLUDED.quantity, last_updated = NOW()
RETURNING quantity, last_updated`
	out := inventory.Aggregate{Scope: scope}
	err := t.tx.QueryRow(ctx, query, scope.TenantID, scope.WarehouseID, scope.ProductID, delta).Scan(&out.Quantity, &out.LastUpdated)
	if err != nil {
		return inventory.Aggregate{}, err
	}
	if out.Quantity.IsNegative() {
		return inventory.Aggregate{}, inventory.ErrNegativeStock
	}
	return out, nil
}

// InsertLot stores a new lot and returns its id.
func (t *TxStore) InsertLot(ctx context.Context, lot inventory.Lot) (int64, error) {
	const query = `INSERT INTO product_batches
    (tenant_id, warehouse_id, product_id, batch_code, source, qty_total, qty_remaining, cost_per_unit, received_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		lot.Scope.TenantID, lot.Scope.WarehouseID, lot.Scope.ProductID,
		lot.BatchCode, string(lot.Source), lot.QtyTotal, lot.QtyRemaining, lot.CostPerUnit,
		lot.ReceivedAt, lot.ExpiresAt,
	).Scan(&id)
	return id, err
}

// SumLots totals the remaining quantity of every lot in scope.
func (t *TxStore) SumLots(ctx context.Context, scope inventory.Scope) (decimal.Decimal, int, error) {
	var (
		total decimal.Decimal
		count int64
	)
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_remaining), 0), COUNT(*) FROM product_batches
WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3`,
		scope.TenantID, scope.WarehouseID, scope.ProductID).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, int(count), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAggregate(ctx context.Context, q querier, scope inventory.Scope, lock bool) (inventory.Aggregate, error) {
	query := `SELECT quantity, last_updated FROM inventory_aggregates
WHERE tenant_id = $1 AND warehouse_id = $2 AND product_id = $3`
	if lock {
		query += ` FOR UPDATE`
	}
	out := inventory.Aggregate{Scope: scope}
	err := q.QueryRow(ctx, query, scope.TenantID, scope.WarehouseID, scope.ProductID).Scan(&out.Quantity, &out.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, inventory.ErrAggregateMissing
	}
	if err != nil {
		return inventory.Aggregate{}, err
	}
	return out, nil
}

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]inventory.Lot, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := make([]inventory.Lot, 0)
	for rows.Next() {
		var (
			lot       inventory.Lot
			source    string
			expiresAt *time.Time
		)
		if err := rows.Scan(
			&lot.ID, &lot.Scope.TenantID, &lot.Scope.WarehouseID, &lot.Scope.ProductID,
			&lot.BatchCode, &source, &lot.QtyTotal, &lot.QtyRemaining, &lot.CostPerUnit,
			&lot.ReceivedAt, &expiresAt, &lot.Version, &lot.CreatedAt,
		); err != nil {
			return nil, err
		}
		lot.Source = inventory.LotSource(source)
		lot.ExpiresAt = expiresAt
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}
