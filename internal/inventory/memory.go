package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps lots and aggregates in process. Transactions are serialized
// and work on a private copy that replaces the shared state only on success.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	lots       map[int64]Lot
	aggregates map[Scope]Aggregate
	nextID     int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		lots:       make(map[int64]Lot, len(s.lots)),
		aggregates: make(map[Scope]Aggregate, len(s.aggregates)),
		nextID:     s.nextID,
	}
	for id, lot := range s.lots {
		out.lots[id] = lot
	}
	for scope, agg := range s.aggregates {
		out.aggregates[scope] = agg
	}
	return out
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{lots: map[int64]Lot{}, aggregates: map[Scope]Aggregate{}},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

// WithTx runs fn against a snapshot and publishes it when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return s.WithTxCommit(ctx, fn, nil)
}

// WithTxCommit is WithTx with a hook that runs after the new state is
// published and before the store lock is released. Repositories layered on
// the store use it to publish their own staged rows atomically with stock.
func (s *MemoryStore) WithTxCommit(ctx context.Context, fn func(context.Context, TxStore) error, onCommit func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{state: s.state.clone(), now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	if onCommit != nil {
		onCommit()
	}
	return nil
}

// GetAggregate returns the aggregate for scope.
func (s *MemoryStore) GetAggregate(_ context.Context, scope Scope) (Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.state.aggregates[scope]
	if !ok {
		return Aggregate{Scope: scope}, ErrAggregateMissing
	}
	return agg, nil
}

// ListLots returns lots of scope in FIFO order.
func (s *MemoryStore) ListLots(_ context.Context, scope Scope, includeExhausted bool) ([]Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.lotsFor(scope, !includeExhausted), nil
}

// ScopeBalances pairs aggregates with lot sums; tenantID 0 selects all tenants.
func (s *MemoryStore) ScopeBalances(_ context.Context, tenantID int64) ([]ScopeBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balances := map[Scope]*ScopeBalance{}
	get := func(scope Scope) *ScopeBalance {
		b, ok := balances[scope]
		if !ok {
			b = &ScopeBalance{Scope: scope, AggregateQty: decimal.Zero, LotQty: decimal.Zero}
			balances[scope] = b
		}
		return b
	}
	for scope, agg := range s.state.aggregates {
		if tenantID != 0 && scope.TenantID != tenantID {
			continue
		}
		b := get(scope)
		b.AggregateQty = agg.Quantity
		b.HasAggregate = true
	}
	for _, lot := range s.state.lots {
		if tenantID != 0 && lot.Scope.TenantID != tenantID {
			continue
		}
		b := get(lot.Scope)
		b.LotQty = b.LotQty.Add(lot.QtyRemaining)
		b.LotCount++
	}
	out := make([]ScopeBalance, 0, len(balances))
	for _, b := range balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return scopeLess(out[i].Scope, out[j].Scope) })
	return out, nil
}

// SetAggregate overwrites the aggregate row, bypassing the engine.
// Intended for fixtures and data repair drills.
func (s *MemoryStore) SetAggregate(scope Scope, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.aggregates[scope] = Aggregate{Scope: scope, Quantity: qty, LastUpdated: s.now()}
}

// DropAggregate removes the aggregate row for scope.
func (s *MemoryStore) DropAggregate(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.aggregates, scope)
}

// Lot returns a copy of the lot with id.
func (s *MemoryStore) Lot(id int64) (Lot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.state.lots[id]
	return lot, ok
}

func (s memoryState) lotsFor(scope Scope, availableOnly bool) []Lot {
	lots := make([]Lot, 0)
	for _, lot := range s.lots {
		if lot.Scope != scope {
			continue
		}
		if availableOnly && !lot.QtyRemaining.IsPositive() {
			continue
		}
		lots = append(lots, lot)
	}
	sortFIFO(lots)
	return lots
}

type memoryTx struct {
	state memoryState
	now   func() time.Time
}

func (tx *memoryTx) LockAvailableLots(_ context.Context, scope Scope) ([]Lot, error) {
	return tx.state.lotsFor(scope, true), nil
}

func (tx *memoryTx) ListAvailableLots(_ context.Context, scope Scope) ([]Lot, error) {
	return tx.state.lotsFor(scope, true), nil
}

func (tx *memoryTx) DecrementLot(_ context.Context, lot Lot, take decimal.Decimal) (Lot, error) {
	current, ok := tx.state.lots[lot.ID]
	if !ok {
		return Lot{}, ErrLotNotFound
	}
	if current.Version != lot.Version || !current.QtyRemaining.Equal(lot.QtyRemaining) {
		return Lot{}, ErrConcurrentModification
	}
	next := current.QtyRemaining.Sub(take)
	if next.IsNegative() {
		return Lot{}, ErrNegativeStock
	}
	current.QtyRemaining = next
	current.Version++
	tx.state.lots[lot.ID] = current
	return current, nil
}

func (tx *memoryTx) GetAggregateForUpdate(_ context.Context, scope Scope) (Aggregate, error) {
	agg, ok := tx.state.aggregates[scope]
	if !ok {
		return Aggregate{Scope: scope}, ErrAggregateMissing
	}
	return agg, nil
}

func (tx *memoryTx) SetAggregateQuantity(_ context.Context, scope Scope, qty decimal.Decimal) error {
	agg, ok := tx.state.aggregates[scope]
	if !ok {
		return ErrAggregateMissing
	}
	if qty.IsNegative() {
		return ErrNegativeStock
	}
	agg.Quantity = qty
	agg.LastUpdated = tx.now()
	tx.state.aggregates[scope] = agg
	return nil
}

func (tx *memoryTx) AddAggregateQuantity(_ context.Context, scope Scope, delta decimal.Decimal) (Aggregate, error) {
	agg, ok := tx.state.aggregates[scope]
	if !ok {
		agg = Aggregate{Scope: scope, Quantity: decimal.Zero}
	}
	agg.Quantity = agg.Quantity.Add(delta)
	if agg.Quantity.IsNegative() {
		return Aggregate{}, ErrNegativeStock
	}
	agg.LastUpdated = tx.now()
	tx.state.aggregates[scope] = agg
	return agg, nil
}

func (tx *memoryTx) InsertLot(_ context.Context, lot Lot) (int64, error) {
	tx.state.nextID++
	lot.ID = tx.state.nextID
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = tx.now()
	}
	tx.state.lots[lot.ID] = lot
	return lot.ID, nil
}

func (tx *memoryTx) SumLots(_ context.Context, scope Scope) (decimal.Decimal, int, error) {
	total := decimal.Zero
	count := 0
	for _, lot := range tx.state.lots {
		if lot.Scope == scope {
			total = total.Add(lot.QtyRemaining)
			count++
		}
	}
	return total, count, nil
}

func sortFIFO(lots []Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ReceivedAt.Equal(lots[j].ReceivedAt) {
			return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

func scopeLess(a, b Scope) bool {
	if a.TenantID != b.TenantID {
		return a.TenantID < b.TenantID
	}
	if a.WarehouseID != b.WarehouseID {
		return a.WarehouseID < b.WarehouseID
	}
	return a.ProductID < b.ProductID
}
