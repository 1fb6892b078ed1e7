package production

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/inventory/pgstore"
)

// RepositoryPort opens production transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Stock() inventory.TxStore
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	GetBatchForUpdate(ctx context.Context, tenantID, batchID int64) (Batch, error)
	InsertMaterialUsages(ctx context.Context, batchID, productID int64, usages inventory.Usages) error
	MarkStarted(ctx context.Context, batchID int64, at time.Time) error
}

// Repository persists production batches in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	txOpts pgx.TxOptions
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, opts pgx.TxOptions) *Repository {
	return &Repository{pool: pool, txOpts: opts}
}

// WithTx executes the callback inside a transaction shared with stock writes.
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

func (r *txRepo) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO production_batches (tenant_id, warehouse_id, code, status, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		batch.TenantID, batch.WarehouseID, batch.Code, string(batch.Status), batch.CreatedAt).Scan(&id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return 0, ErrDuplicateCode
	}
	return id, err
}

func (r *txRepo) GetBatchForUpdate(ctx context.Context, tenantID, batchID int64) (Batch, error) {
	var (
		b      Batch
		status string
	)
	err := r.tx.QueryRow(ctx, `SELECT id, tenant_id, warehouse_id, code, status, started_at, created_at
FROM production_batches WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, batchID, tenantID).
		Scan(&b.ID, &b.TenantID, &b.WarehouseID, &b.Code, &status, &b.StartedAt, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	return b, nil
}

func (r *txRepo) InsertMaterialUsages(ctx context.Context, batchID, productID int64, usages inventory.Usages) error {
	batch := &pgx.Batch{}
	for _, u := range usages {
		batch.Queue(`INSERT INTO production_material_usages (production_batch_id, product_id, product_batch_id, qty_taken, cost_per_unit)
VALUES ($1, $2, $3, $4, $5)`, batchID, productID, u.ProductBatchID, u.QtyTaken, u.CostPerUnit)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) MarkStarted(ctx context.Context, batchID int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_batches SET status = $1, started_at = $2 WHERE id = $3`,
		string(BatchStatusInProgress), at, batchID)
	return err
}
