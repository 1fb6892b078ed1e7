package inventory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testScope = Scope{TenantID: 1, WarehouseID: 1, ProductID: 42}

type auditSink struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditSink) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type countingRecorder struct {
	mu        sync.Mutex
	outcomes  map[string]int
	anomalies map[string]int
	retries   int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, anomalies: map[string]int{}}
}

func (r *countingRecorder) ObserveConsumption(outcome string, _ decimal.Decimal, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) ObserveAggregateAnomaly(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies[kind]++
}

func (r *countingRecorder) ObserveRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *MemoryStore, *countingRecorder) {
	t.Helper()
	store := NewMemoryStore()
	rec := newCountingRecorder()
	return NewService(store, &auditSink{}, cfg, nil, rec), store, rec
}

func receive(t *testing.T, svc *Service, scope Scope, qty, cost string, at time.Time) Lot {
	t.Helper()
	lot, err := svc.Receive(context.Background(), ReceiveInput{Scope: scope, Qty: dec(qty), CostPerUnit: dec(cost), ReceivedAt: at})
	require.NoError(t, err)
	return lot
}

func requireBalanced(t *testing.T, svc *Service, scope Scope, want string) {
	t.Helper()
	avail, err := svc.Available(context.Background(), scope)
	require.NoError(t, err)
	require.False(t, avail.AggregateMissing)
	require.True(t, avail.Quantity.Equal(dec(want)), "aggregate %s want %s", avail.Quantity, want)
	require.True(t, avail.LotQuantity.Equal(dec(want)), "lots %s want %s", avail.LotQuantity, want)
}

func TestConsumeFIFOAcrossLots(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	day0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	lotB := receive(t, svc, testScope, "10", "1200", day0.AddDate(0, 0, 1))
	lotA := receive(t, svc, testScope, "10", "1000", day0)

	usages, err := svc.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("5")})
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.Equal(t, lotA.ID, usages[0].ProductBatchID)
	require.True(t, usages[0].QtyTaken.Equal(dec("5")))
	require.True(t, usages[0].CostPerUnit.Equal(dec("1000")))
	require.True(t, usages.TotalCost().Equal(dec("5000")))
	requireBalanced(t, svc, testScope, "15")

	usages, err = svc.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("10")})
	require.NoError(t, err)
	require.Len(t, usages, 2)
	require.Equal(t, lotA.ID, usages[0].ProductBatchID)
	require.True(t, usages[0].QtyTaken.Equal(dec("5")))
	require.Equal(t, lotB.ID, usages[1].ProductBatchID)
	require.True(t, usages[1].QtyTaken.Equal(dec("5")))
	require.True(t, usages.TotalCost().Equal(dec("11000")))
	requireBalanced(t, svc, testScope, "5")

	a, _ := store.Lot(lotA.ID)
	b, _ := store.Lot(lotB.ID)
	require.True(t, a.QtyRemaining.IsZero())
	require.True(t, b.QtyRemaining.Equal(dec("5")))
	require.EqualValues(t, 2, a.Version)
	require.EqualValues(t, 1, b.Version)
}

func TestConsumeSameReceiptTimeOrdersByID(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := receive(t, svc, testScope, "2", "1", at)
	receive(t, svc, testScope, "2", "9", at)

	usages, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("1")})
	require.NoError(t, err)
	require.Equal(t, first.ID, usages[0].ProductBatchID)
}

func TestConsumeExhaustsScopeExactly(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	now := time.Now().UTC()
	receive(t, svc, testScope, "1.25", "3", now.Add(-time.Hour))
	receive(t, svc, testScope, "0.75", "4", now)

	usages, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("2")})
	require.NoError(t, err)
	require.True(t, usages.TotalQty().Equal(dec("2")))
	require.True(t, usages.TotalCost().Equal(dec("6.75")))
	requireBalanced(t, svc, testScope, "0")

	lots, err := svc.ListLots(context.Background(), testScope, false)
	require.NoError(t, err)
	require.Empty(t, lots)
	lots, err = svc.ListLots(context.Background(), testScope, true)
	require.NoError(t, err)
	require.Len(t, lots, 2)
}

func TestConsumeInsufficientLeavesStockUntouched(t *testing.T) {
	svc, store, rec := newTestService(t, ServiceConfig{})
	lot := receive(t, svc, testScope, "4", "10", time.Now().UTC())

	_, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("6")})
	require.ErrorIs(t, err, ErrInsufficientStock)
	shortage, ok := AsInsufficientStock(err)
	require.True(t, ok)
	require.Equal(t, testScope, shortage.Scope)
	require.True(t, shortage.Requested.Equal(dec("6")))
	require.True(t, shortage.Available.Equal(dec("4")))
	require.True(t, shortage.Shortfall().Equal(dec("2")))

	got, _ := store.Lot(lot.ID)
	require.True(t, got.QtyRemaining.Equal(dec("4")))
	require.Zero(t, got.Version)
	requireBalanced(t, svc, testScope, "4")
	require.Equal(t, 1, rec.outcomes[OutcomeInsufficient])
}

func TestConsumeEmptyScope(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	_, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("1")})
	shortage, ok := AsInsufficientStock(err)
	require.True(t, ok)
	require.True(t, shortage.Available.IsZero())
}

func TestConsumeRejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Consume(ctx, ConsumeInput{Scope: testScope, Qty: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("-1")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Consume(ctx, ConsumeInput{Scope: Scope{TenantID: 1, ProductID: 1}, Qty: dec("1")})
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = svc.Engine().Consume(ctx, nil, testScope, dec("1"))
	require.Error(t, err)
}

func TestReceiveValidation(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: decimal.Zero, CostPerUnit: dec("1")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: dec("1"), CostPerUnit: dec("-0.01")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
	_, err = svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: dec("1"), Source: "GIFT"})
	require.ErrorIs(t, err, ErrInvalidSource)

	lot, err := svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: dec("1"), CostPerUnit: decimal.Zero})
	require.NoError(t, err)
	require.Equal(t, LotSourcePurchase, lot.Source)
	require.NotEmpty(t, lot.BatchCode)
	require.False(t, lot.ReceivedAt.IsZero())
}

func TestAvailableIsReadOnly(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceConfig{})
	lot := receive(t, svc, testScope, "3", "2", time.Now().UTC())

	for i := 0; i < 3; i++ {
		avail, err := svc.Available(context.Background(), testScope)
		require.NoError(t, err)
		require.True(t, avail.Quantity.Equal(dec("3")))
		require.Equal(t, 1, avail.LotCount)
	}
	got, _ := store.Lot(lot.ID)
	require.Zero(t, got.Version)

	other := Scope{TenantID: 2, WarehouseID: 1, ProductID: 42}
	avail, err := svc.Available(context.Background(), other)
	require.NoError(t, err)
	require.True(t, avail.AggregateMissing)
	require.True(t, avail.Quantity.IsZero())
}

func TestConsumeStrictMissingAggregateRollsBack(t *testing.T) {
	svc, store, rec := newTestService(t, ServiceConfig{})
	lot := receive(t, svc, testScope, "5", "1", time.Now().UTC())
	store.DropAggregate(testScope)

	_, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("2")})
	require.ErrorIs(t, err, ErrAggregateMissing)
	got, _ := store.Lot(lot.ID)
	require.True(t, got.QtyRemaining.Equal(dec("5")))
	require.Equal(t, 1, rec.anomalies["missing"])
}

func TestConsumeLenientMissingAggregate(t *testing.T) {
	svc, store, rec := newTestService(t, ServiceConfig{LenientAggregate: true})
	lot := receive(t, svc, testScope, "5", "1", time.Now().UTC())
	store.DropAggregate(testScope)

	usages, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("2")})
	require.NoError(t, err)
	require.Len(t, usages, 1)
	got, _ := store.Lot(lot.ID)
	require.True(t, got.QtyRemaining.Equal(dec("3")))
	_, err = store.GetAggregate(context.Background(), testScope)
	require.ErrorIs(t, err, ErrAggregateMissing)
	require.Equal(t, 1, rec.anomalies["missing"])
}

func TestConsumeAggregateBelowLots(t *testing.T) {
	ctx := context.Background()

	strict, store, _ := newTestService(t, ServiceConfig{})
	receive(t, strict, testScope, "5", "1", time.Now().UTC())
	store.SetAggregate(testScope, dec("1"))
	_, err := strict.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("2")})
	require.ErrorIs(t, err, ErrNegativeStock)

	lenient, store, rec := newTestService(t, ServiceConfig{LenientAggregate: true})
	receive(t, lenient, testScope, "5", "1", time.Now().UTC())
	store.SetAggregate(testScope, dec("1"))
	_, err = lenient.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("2")})
	require.NoError(t, err)
	agg, err := store.GetAggregate(ctx, testScope)
	require.NoError(t, err)
	require.True(t, agg.Quantity.IsZero())
	require.Equal(t, 1, rec.anomalies["negative"])
}

func TestConsumeConcurrentRequestsSerialize(t *testing.T) {
	for _, mode := range []LockMode{LockModePessimistic, LockModeOptimistic} {
		t.Run(string(mode), func(t *testing.T) {
			svc, _, rec := newTestService(t, ServiceConfig{LockMode: mode, MaxRetries: 3})
			receive(t, svc, testScope, "10", "7", time.Now().UTC())

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("6")})
				}(i)
			}
			wg.Wait()

			ok := 0
			for _, err := range errs {
				if err == nil {
					ok++
					continue
				}
				require.ErrorIs(t, err, ErrInsufficientStock)
			}
			require.Equal(t, 1, ok)
			require.Equal(t, 1, rec.outcomes[OutcomeSuccess])
			requireBalanced(t, svc, testScope, "4")
		})
	}
}

// conflictStore makes the first n lot decrements fail as if another writer won.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return s.MemoryStore.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return fn(ctx, &conflictTx{TxStore: tx, parent: s})
	})
}

type conflictTx struct {
	TxStore
	parent *conflictStore
}

func (tx *conflictTx) DecrementLot(ctx context.Context, lot Lot, take decimal.Decimal) (Lot, error) {
	tx.parent.mu.Lock()
	inject := tx.parent.conflicts > 0
	if inject {
		tx.parent.conflicts--
	}
	tx.parent.mu.Unlock()
	if inject {
		return Lot{}, ErrConcurrentModification
	}
	return tx.TxStore.DecrementLot(ctx, lot, take)
}

func TestConsumeRetriesConflicts(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	rec := newCountingRecorder()
	svc := NewService(store, nil, ServiceConfig{LockMode: LockModeOptimistic, MaxRetries: 2}, nil, rec)
	receive(t, svc, testScope, "10", "1", time.Now().UTC())

	store.conflicts = 2
	usages, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("3")})
	require.NoError(t, err)
	require.True(t, usages.TotalQty().Equal(dec("3")))
	require.Equal(t, 2, rec.retries)
	requireBalanced(t, svc, testScope, "7")

	store.conflicts = 3
	_, err = svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("3")})
	require.ErrorIs(t, err, ErrConcurrentModification)
	requireBalanced(t, svc, testScope, "7")
}

func TestRetryPolicyBackoffAndCancel(t *testing.T) {
	var slept []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Millisecond, Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}
	calls := 0
	err := policy.Do(context.Background(), nil, func(context.Context) error {
		calls++
		return ErrConcurrentModification
	})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)

	calls = 0
	other := errors.New("other")
	err = policy.Do(context.Background(), nil, func(context.Context) error {
		calls++
		return other
	})
	require.ErrorIs(t, err, other)
	require.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RetryPolicy{MaxAttempts: 2, Backoff: time.Second}.Do(ctx, nil, func(context.Context) error {
		return ErrConcurrentModification
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConsumeInTxComposesWithCallerRollback(t *testing.T) {
	svc, store, _ := newTestService(t, ServiceConfig{})
	receive(t, svc, testScope, "5", "2", time.Now().UTC())
	boom := errors.New("caller failed")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxStore) error {
		usages, err := svc.ConsumeInTx(ctx, tx, testScope, dec("4"))
		require.NoError(t, err)
		require.Len(t, usages, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)
	requireBalanced(t, svc, testScope, "5")
}

func TestAuditRecordsOperations(t *testing.T) {
	store := NewMemoryStore()
	audit := &auditSink{}
	svc := NewService(store, audit, ServiceConfig{}, nil, nil)
	receive(t, svc, testScope, "2", "1", time.Now().UTC())
	_, err := svc.Consume(context.Background(), ConsumeInput{Scope: testScope, Qty: dec("1"), ActorID: 9, RefModule: "manual"})
	require.NoError(t, err)

	require.Len(t, audit.logs, 2)
	require.Equal(t, "inventory:receive", audit.logs[0].Action)
	require.Equal(t, "inventory:consume", audit.logs[1].Action)
	require.EqualValues(t, 9, audit.logs[1].ActorID)
	require.Equal(t, "manual", audit.logs[1].Meta["ref_module"])
}

func TestRandomOperationsKeepAggregateInStep(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(20240301))
	scopes := []Scope{testScope, {TenantID: 1, WarehouseID: 2, ProductID: 42}, {TenantID: 3, WarehouseID: 1, ProductID: 5}}
	received := map[Scope]decimal.Decimal{}
	consumed := map[Scope]decimal.Decimal{}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 300; i++ {
		scope := scopes[rng.Intn(len(scopes))]
		qty := decimal.New(int64(rng.Intn(5000)+1), -3)
		if rng.Intn(3) == 0 {
			at = at.Add(time.Duration(rng.Intn(120)) * time.Minute)
			_, err := svc.Receive(ctx, ReceiveInput{Scope: scope, Qty: qty, CostPerUnit: decimal.New(int64(rng.Intn(10000)), -2), ReceivedAt: at})
			require.NoError(t, err)
			received[scope] = received[scope].Add(qty)
			continue
		}
		usages, err := svc.Consume(ctx, ConsumeInput{Scope: scope, Qty: qty})
		if errors.Is(err, ErrInsufficientStock) {
			continue
		}
		require.NoError(t, err)
		require.True(t, usages.TotalQty().Equal(qty))
		consumed[scope] = consumed[scope].Add(qty)
	}

	for _, scope := range scopes {
		want := received[scope].Sub(consumed[scope])
		avail, err := svc.Available(ctx, scope)
		require.NoError(t, err)
		if received[scope].IsZero() {
			continue
		}
		require.True(t, avail.Quantity.Equal(want), "%s aggregate %s want %s", scope, avail.Quantity, want)
		require.True(t, avail.LotQuantity.Equal(want))
	}
	divergences, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, divergences)
}

func TestReconcileAndRepair(t *testing.T) {
	svc, store, rec := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	drifted := testScope
	missing := Scope{TenantID: 1, WarehouseID: 3, ProductID: 42}
	foreign := Scope{TenantID: 7, WarehouseID: 1, ProductID: 1}
	receive(t, svc, drifted, "8", "1", time.Now().UTC())
	receive(t, svc, missing, "2", "1", time.Now().UTC())
	receive(t, svc, foreign, "1", "1", time.Now().UTC())
	store.SetAggregate(drifted, dec("5"))
	store.DropAggregate(missing)
	store.SetAggregate(foreign, dec("9"))

	divergences, err := svc.Reconcile(ctx, 1)
	require.NoError(t, err)
	require.Len(t, divergences, 2)
	require.Equal(t, drifted, divergences[0].Scope)
	require.True(t, divergences[0].Delta().Equal(dec("-3")))
	require.Equal(t, missing, divergences[1].Scope)
	require.True(t, divergences[1].AggregateMissing)
	require.Equal(t, 1, rec.anomalies["mismatch"])
	require.Equal(t, 1, rec.anomalies["missing"])

	for _, d := range divergences {
		fixed, err := svc.Repair(ctx, d.Scope)
		require.NoError(t, err)
		require.True(t, fixed.Repaired)
	}
	requireBalanced(t, svc, drifted, "8")
	requireBalanced(t, svc, missing, "2")

	again, err := svc.Repair(ctx, drifted)
	require.NoError(t, err)
	require.False(t, again.Repaired)

	divergences, err = svc.Reconcile(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, divergences)
	divergences, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Len(t, divergences, 1)
}

func TestStoredScaleLimits(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: dec("1.1234567"), CostPerUnit: dec("1")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: dec("1"), CostPerUnit: dec("0.00001")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	// Trailing zeros past the stored scale are not extra precision.
	lot, err := svc.Receive(ctx, ReceiveInput{Scope: testScope, Qty: dec("1.12345600"), CostPerUnit: dec("2.500000")})
	require.NoError(t, err)
	require.True(t, lot.QtyRemaining.Equal(dec("1.123456")))

	_, err = svc.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("0.0000001")})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	usages, err := svc.Consume(ctx, ConsumeInput{Scope: testScope, Qty: dec("1.123456")})
	require.NoError(t, err)
	require.True(t, usages.TotalCost().Equal(dec("2.80864")))
	requireBalanced(t, svc, testScope, "0")
}

// orderTx records the order in which Repair touches the store.
type orderTx struct {
	TxStore
	calls *[]string
}

func (tx orderTx) LockAvailableLots(ctx context.Context, scope Scope) ([]Lot, error) {
	*tx.calls = append(*tx.calls, "lock_lots")
	return tx.TxStore.LockAvailableLots(ctx, scope)
}

func (tx orderTx) GetAggregateForUpdate(ctx context.Context, scope Scope) (Aggregate, error) {
	*tx.calls = append(*tx.calls, "lock_aggregate")
	return tx.TxStore.GetAggregateForUpdate(ctx, scope)
}

func (tx orderTx) AddAggregateQuantity(ctx context.Context, scope Scope, delta decimal.Decimal) (Aggregate, error) {
	*tx.calls = append(*tx.calls, "upsert_aggregate")
	return tx.TxStore.AddAggregateQuantity(ctx, scope, delta)
}

func (tx orderTx) SumLots(ctx context.Context, scope Scope) (decimal.Decimal, int, error) {
	*tx.calls = append(*tx.calls, "sum_lots")
	return tx.TxStore.SumLots(ctx, scope)
}

func (tx orderTx) SetAggregateQuantity(ctx context.Context, scope Scope, qty decimal.Decimal) error {
	*tx.calls = append(*tx.calls, "set_aggregate")
	return tx.TxStore.SetAggregateQuantity(ctx, scope, qty)
}

type orderStore struct {
	*MemoryStore
	calls []string
}

func (s *orderStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return s.MemoryStore.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return fn(ctx, orderTx{TxStore: tx, calls: &s.calls})
	})
}

func TestRepairLocksAggregateBeforeSummingLots(t *testing.T) {
	store := &orderStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, nil, ServiceConfig{}, nil, nil)
	receive(t, svc, testScope, "8", "1", time.Now().UTC())
	missing := Scope{TenantID: 1, WarehouseID: 3, ProductID: 42}
	receive(t, svc, missing, "2", "1", time.Now().UTC())
	store.SetAggregate(testScope, dec("5"))
	store.DropAggregate(missing)

	store.calls = nil
	fixed, err := svc.Repair(context.Background(), testScope)
	require.NoError(t, err)
	require.True(t, fixed.Repaired)
	require.Equal(t, []string{"lock_aggregate", "sum_lots", "set_aggregate"}, store.calls)
	requireBalanced(t, svc, testScope, "8")

	store.calls = nil
	created, err := svc.Repair(context.Background(), missing)
	require.NoError(t, err)
	require.True(t, created.AggregateMissing)
	require.Equal(t, []string{"lock_aggregate", "upsert_aggregate", "sum_lots", "set_aggregate"}, store.calls)
	requireBalanced(t, svc, missing, "2")
}

func TestRepairRetriesConflicts(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	rec := newCountingRecorder()
	svc := NewService(&repairConflictStore{conflictStore: store}, nil, ServiceConfig{MaxRetries: 2}, nil, rec)
	receive(t, svc, testScope, "4", "1", time.Now().UTC())
	store.SetAggregate(testScope, dec("1"))

	store.conflicts = 1
	fixed, err := svc.Repair(context.Background(), testScope)
	require.NoError(t, err)
	require.True(t, fixed.Repaired)
	require.Equal(t, 1, rec.retries)
	requireBalanced(t, svc, testScope, "4")
}

// repairConflictStore fails the first n aggregate locks the way a
// serialization failure surfaces from the database.
type repairConflictStore struct {
	*conflictStore
}

func (s *repairConflictStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return s.MemoryStore.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return fn(ctx, repairConflictTx{TxStore: tx, parent: s.conflictStore})
	})
}

type repairConflictTx struct {
	TxStore
	parent *conflictStore
}

func (tx repairConflictTx) GetAggregateForUpdate(ctx context.Context, scope Scope) (Aggregate, error) {
	tx.parent.mu.Lock()
	inject := tx.parent.conflicts > 0
	if inject {
		tx.parent.conflicts--
	}
	tx.parent.mu.Unlock()
	if inject {
		return Aggregate{}, ErrConcurrentModification
	}
	return tx.TxStore.GetAggregateForUpdate(ctx, scope)
}
