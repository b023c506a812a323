package inventory_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/memstore"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, stock map[string]int) (*inventory.Ledger, *memstore.Store, *clock) {
	t.Helper()
	st := memstore.New()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	l, err := inventory.NewLedger(inventory.LedgerDeps{
		Store:             st,
		Clock:             clk.Now,
		IDGenerator:       func() string { return fmt.Sprintf("r-%d", seq.Add(1)) },
		LowStockThreshold: 2,
		SweepBatch:        2,
	})
	require.NoError(t, err)
	for pid, n := range stock {
		_, err := l.Restock(context.Background(), pid, n)
		require.NoError(t, err)
	}
	return l, st, clk
}

func TestReserveRejectsOverAvailable(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 3})

	_, err := l.Reserve(ctx, "P", 5, "o-1")
	var ise *orders.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "P", ise.ProductID)
	assert.Equal(t, 5, ise.Requested)
	assert.Equal(t, 3, ise.Available)

	lvl, err := l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 0, lvl.Reserved)
	assert.Equal(t, 3, lvl.Available)
}

func TestReserveValidation(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 3})

	_, err := l.Reserve(ctx, "P", 0, "o-1")
	require.ErrorIs(t, err, orders.ErrInvalidInput)
}

func TestReserveUnknownProductIsOutOfStock(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 3})

	_, err := l.Reserve(ctx, "never-stocked", 1, "o-1")
	var ise *orders.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "never-stocked", ise.ProductID)
	assert.Equal(t, 1, ise.Requested)
	assert.Zero(t, ise.Available)
	assert.NotErrorIs(t, err, orders.ErrProductNotFound)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 10})

	var wg sync.WaitGroup
	var ok, rejected atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "P", 1+i%3, fmt.Sprintf("o-%d", i))
			if err == nil {
				ok.Add(1)
				return
			}
			if assert.ErrorIs(t, err, orders.ErrInsufficientStock) {
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	lvl, err := l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.LessOrEqual(t, lvl.Reserved, lvl.OnHand)
	assert.GreaterOrEqual(t, lvl.Available, 0)
	assert.Equal(t, int64(50), ok.Load()+rejected.Load())
	assert.Positive(t, ok.Load())
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 5})

	r, err := l.Reserve(ctx, "P", 4, "o-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := l.Release(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.ReservationReleased, got.Status)
	}
	lvl, err := l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 0, lvl.Reserved)
	assert.Equal(t, 5, lvl.Available)

	_, err = l.Release(ctx, "nope")
	require.ErrorIs(t, err, orders.ErrReservationNotFound)
}

func TestCommitDeductsOnHand(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 5})

	r, err := l.Reserve(ctx, "P", 2, "o-1")
	require.NoError(t, err)
	got, err := l.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationCommitted, got.Status)

	lvl, err := l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, inventory.StockLevel{ProductID: "P", OnHand: 3, Reserved: 0, Available: 3}, lvl)

	// committed reservations are not released
	_, err = l.Release(ctx, r.ID)
	require.NoError(t, err)
	lvl, err = l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 3, lvl.OnHand)

	_, err = l.Commit(ctx, r.ID)
	var irs *orders.InvalidReservationStateError
	require.ErrorAs(t, err, &irs)
	assert.Equal(t, string(inventory.ReservationCommitted), irs.State)

	done, err := l.CommittedForOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, r.ID, done[0].ID)
	active, err := l.ActiveForOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCommitAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"A": 5, "B": 5})

	a, err := l.Reserve(ctx, "A", 1, "o-1")
	require.NoError(t, err)
	b, err := l.Reserve(ctx, "B", 2, "o-1")
	require.NoError(t, err)
	_, err = l.Release(ctx, b.ID)
	require.NoError(t, err)

	_, err = l.CommitAll(ctx, []string{a.ID, b.ID})
	require.ErrorIs(t, err, orders.ErrInvalidReservation)

	got, err := l.GetReservation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationActive, got.Status)
	lvl, err := l.GetAvailableStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 5, lvl.OnHand)
	assert.Equal(t, 1, lvl.Reserved)
}

func TestReleaseForOrder(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"A": 5, "B": 5})

	_, err := l.Reserve(ctx, "A", 1, "o-1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "B", 3, "o-1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "B", 1, "o-2")
	require.NoError(t, err)

	n, err := l.ReleaseForOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.ReleaseForOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	lvl, err := l.GetAvailableStock(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 1, lvl.Reserved)
}

// Abandoned reservations keep holding stock until the sweeper runs; the
// staleness is bounded by the TTL plus one sweep interval.
func TestExpiredReservationsHoldStockUntilSwept(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newLedger(t, map[string]int{"P": 5})

	for i := 0; i < 5; i++ {
		_, err := l.Reserve(ctx, "P", 1, fmt.Sprintf("o-%d", i))
		require.NoError(t, err)
	}
	clk.Advance(inventory.DefaultReservationTTL + time.Second)

	lvl, err := l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 0, lvl.Available)
	assert.True(t, lvl.LowStock)
	_, err = l.Reserve(ctx, "P", 1, "late")
	require.ErrorIs(t, err, orders.ErrInsufficientStock)

	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	lvl, err = l.GetAvailableStock(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 5, lvl.Available)
	assert.False(t, lvl.LowStock)

	n, err = l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSkipsUnexpired(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newLedger(t, map[string]int{"P": 5})

	_, err := l.Reserve(ctx, "P", 1, "old")
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	fresh, err := l.Reserve(ctx, "P", 1, "new")
	require.NoError(t, err)
	clk.Advance(6 * time.Minute)

	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := l.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationActive, got.Status)
}

func TestRestockAndMovements(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t, map[string]int{"P": 5})

	r, err := l.Reserve(ctx, "P", 4, "o-1")
	require.NoError(t, err)
	_, err = l.Restock(ctx, "P", -2)
	require.ErrorIs(t, err, orders.ErrInvalidInput)

	lvl, err := l.Restock(ctx, "P", -1)
	require.NoError(t, err)
	assert.Equal(t, 4, lvl.OnHand)
	_, err = l.Commit(ctx, r.ID)
	require.NoError(t, err)

	mv, err := l.Movements(ctx, "P", 0)
	require.NoError(t, err)
	kinds := make([]inventory.MovementKind, 0, len(mv))
	for _, m := range mv {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []inventory.MovementKind{
		inventory.MovementRestock, inventory.MovementReserve, inventory.MovementRestock, inventory.MovementCommit,
	}, kinds)
	assert.Equal(t, -4, mv[3].OnHandDelta)
	assert.Equal(t, -4, mv[3].ReservedDelta)
}
