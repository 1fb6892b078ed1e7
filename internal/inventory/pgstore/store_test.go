package pgstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/inventory"
	"github.com/odyssey-erp/lotledger/internal/inventory/pgstore"
	"github.com/odyssey-erp/lotledger/internal/platform/db/dbtest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStoreFIFOAndRollback(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	store := pgstore.NewStore(pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{}, nil, nil)
	scope := inventory.Scope{TenantID: 1, WarehouseID: 1, ProductID: 7}
	day0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	lotA, err := svc.Receive(ctx, inventory.ReceiveInput{Scope: scope, BatchCode: "A", Qty: dec("10"), CostPerUnit: dec("1000"), ReceivedAt: day0})
	require.NoError(t, err)
	lotB, err := svc.Receive(ctx, inventory.ReceiveInput{Scope: scope, BatchCode: "B", Qty: dec("10"), CostPerUnit: dec("1200"), ReceivedAt: day0.AddDate(0, 0, 1)})
	require.NoError(t, err)

	usages, err := svc.Consume(ctx, inventory.ConsumeInput{Scope: scope, Qty: dec("5")})
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.Equal(t, lotA.ID, usages[0].ProductBatchID)
	require.True(t, usages[0].CostPerUnit.Equal(dec("1000")))

	usages, err = svc.Consume(ctx, inventory.ConsumeInput{Scope: scope, Qty: dec("10")})
	require.NoError(t, err)
	require.Len(t, usages, 2)
	require.True(t, usages[0].QtyTaken.Equal(dec("5")))
	require.Equal(t, lotB.ID, usages[1].ProductBatchID)
	require.True(t, usages.TotalCost().Equal(dec("11000")))

	_, err = svc.Consume(ctx, inventory.ConsumeInput{Scope: scope, Qty: dec("6")})
	shortage, ok := inventory.AsInsufficientStock(err)
	require.True(t, ok)
	require.True(t, shortage.Available.Equal(dec("5")))

	avail, err := svc.Available(ctx, scope)
	require.NoError(t, err)
	require.True(t, avail.Quantity.Equal(dec("5")))
	require.True(t, avail.LotQuantity.Equal(dec("5")))

	all, err := store.ListLots(ctx, scope, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].QtyRemaining.IsZero())

	// A failure after the engine ran must undo its writes.
	boom := errors.New("boom")
	err = store.WithTx(ctx, func(ctx context.Context, tx inventory.TxStore) error {
		if _, err := svc.ConsumeInTx(ctx, tx, scope, dec("5")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	avail, err = svc.Available(ctx, scope)
	require.NoError(t, err)
	require.True(t, avail.Quantity.Equal(dec("5")))
	require.True(t, avail.LotQuantity.Equal(dec("5")))

	divergences, err := svc.Reconcile(ctx, scope.TenantID)
	require.NoError(t, err)
	require.Empty(t, divergences)
}

func TestStoreConcurrentConsumers(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()

	for _, mode := range []inventory.LockMode{inventory.LockModePessimistic, inventory.LockModeOptimistic} {
		t.Run(string(mode), func(t *testing.T) {
			store := pgstore.NewStore(pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
			svc := inventory.NewService(store, nil, inventory.ServiceConfig{LockMode: mode, MaxRetries: 5, RetryBackoff: time.Millisecond}, nil, nil)
			scope := inventory.Scope{TenantID: 2, WarehouseID: 1, ProductID: 100}
			if mode == inventory.LockModeOptimistic {
				scope.ProductID = 101
			}
			_, err := svc.Receive(ctx, inventory.ReceiveInput{Scope: scope, Qty: dec("10"), CostPerUnit: dec("5")})
			require.NoError(t, err)

			var (
				wg   sync.WaitGroup
				errs = make([]error, 2)
			)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = svc.Consume(ctx, inventory.ConsumeInput{Scope: scope, Qty: dec("6")})
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				require.ErrorIs(t, err, inventory.ErrInsufficientStock)
			}
			require.Equal(t, 1, succeeded)

			avail, err := svc.Available(ctx, scope)
			require.NoError(t, err)
			require.True(t, avail.Quantity.Equal(dec("4")), avail.Quantity.String())
			require.True(t, avail.LotQuantity.Equal(dec("4")))
		})
	}
}

func TestStoreRepairMissingAggregate(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	store := pgstore.NewStore(pool, pgx.TxOptions{})
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{}, nil, nil)
	scope := inventory.Scope{TenantID: 3, WarehouseID: 2, ProductID: 9}

	_, err := svc.Receive(ctx, inventory.ReceiveInput{Scope: scope, Qty: dec("3.5"), CostPerUnit: dec("2")})
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DELETE FROM inventory_aggregates WHERE tenant_id = $1`, scope.TenantID)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, inventory.ConsumeInput{Scope: scope, Qty: dec("1")})
	require.ErrorIs(t, err, inventory.ErrAggregateMissing)

	divergences, err := svc.Reconcile(ctx, scope.TenantID)
	require.NoError(t, err)
	require.Len(t, divergences, 1)
	require.True(t, divergences[0].AggregateMissing)

	fixed, err := svc.Repair(ctx, scope)
	require.NoError(t, err)
	require.True(t, fixed.Repaired)

	agg, err := store.GetAggregate(ctx, scope)
	require.NoError(t, err)
	require.True(t, agg.Quantity.Equal(dec("3.5")))
}
