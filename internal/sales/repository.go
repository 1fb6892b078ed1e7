package sales

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/inventory/pgstore"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// RepositoryPort opens sale transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations. Stock shares the same
// transaction so lot debits commit or roll back with the sale rows.
type TxRepository interface {
	Stock() inventory.TxStore
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	InsertLine(ctx context.Context, saleID int64, line Line) (int64, error)
	InsertUsages(ctx context.Context, lineID int64, usages inventory.Usages) error
	UpdateTotals(ctx context.Context, saleID int64, amount, cogs decimal.Decimal) error
}

// Repository persists sales in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	txOpts pgx.TxOptions
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, opts pgx.TxOptions) *Repository {
	return &Repository{pool: pool, txOpts: opts}
}

// WithTx wraps callback in a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return pgstore.WithTx(ctx, r.pool, r.txOpts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, stock: pgstore.NewTxStore(tx)})
	})
}

type txRepo struct {
	tx    pgx.Tx
	stock *pgstore.TxStore
}

func (r *txRepo) Stock() inventory.TxStore {
	return r.stock
}

func (r *txRepo) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales (tenant_id, warehouse_id, number, request_id, status, total_amount, total_cogs, created_by, posted_at)
VALUES ($1, $2, $3, $4, $5, 0, 0, NULLIF($6, 0), $7)
RETURNING id`,
		sale.TenantID, sale.WarehouseID, sale.Number, sale.RequestID, string(sale.Status), sale.CreatedBy, sale.PostedAt,
	).Scan(&id)
	if err != nil {
		return 0, insertSaleError(err)
	}
	return id, nil
}

const constraintRequestID = "sales_request_id_key"

// insertSaleError maps unique violations on sales to domain errors. A replayed
// request id is an idempotency conflict even when Redis did not see it.
func insertSaleError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	if pgErr.ConstraintName == constraintRequestID {
		return shared.ErrIdempotencyConflict
	}
	return ErrDuplicateNumber
}

func (r *txRepo) InsertLine(ctx context.Context, saleID int64, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_lines (sale_id, product_id, qty, unit_price, amount, cogs)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, saleID, line.ProductID, line.Qty, line.UnitPrice, line.Amount, line.COGS).Scan(&id)
	return id, err
}

func (r *txRepo) InsertUsages(ctx context.Context, lineID int64, usages inventory.Usages) error {
	batch := &pgx.Batch{}
	for _, u := range usages {
		batch.Queue(`INSERT INTO sale_line_batch_usages (sale_line_id, product_batch_id, qty_taken, cost_per_unit)
VALUES ($1, $2, $3, $4)`, lineID, u.ProductBatchID, u.QtyTaken, u.CostPerUnit)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) UpdateTotals(ctx context.Context, saleID int64, amount, cogs decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE sales SET total_amount = $1, total_cogs = $2 WHERE id = $3`, amount, cogs, saleID)
	return err
}
