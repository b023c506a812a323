package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/lifecycle"
	"github.com/ariefcatur/go-order-lifecycle/internal/memstore"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu      sync.Mutex
	charges []payments.ChargeRequest
	refunds []payments.RefundRequest
	charge  func(payments.ChargeRequest) (payments.ChargeResult, error)
	refund  func(payments.RefundRequest) (payments.RefundResult, error)
}

func (g *fakeGateway) Charge(_ context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	fn := g.charge
	g.mu.Unlock()
	if fn == nil {
		return payments.ChargeResult{Success: true, TransactionID: "tx1"}, nil
	}
	return fn(req)
}

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	fn := g.refund
	g.mu.Unlock()
	if fn == nil {
		return payments.RefundResult{Success: true}, nil
	}
	return fn(req)
}

func (g *fakeGateway) chargeCalls() []payments.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.ChargeRequest(nil), g.charges...)
}

func (g *fakeGateway) refundCalls() []payments.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.RefundRequest(nil), g.refunds...)
}

// recorder is a Notifier that keeps every envelope.
type recorder struct {
	mu     sync.Mutex
	events []orders.Envelope
	err    error
}

func (r *recorder) Publish(_ context.Context, env orders.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return r.err
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

func (r *recorder) statusChanges(t *testing.T) []orders.OrderStatusChangedPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []orders.OrderStatusChangedPayload
	for _, e := range r.events {
		if e.EventType != orders.EventOrderStatusChanged {
			continue
		}
		var p orders.OrderStatusChangedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		out = append(out, p)
	}
	return out
}

// commitFailing makes CommitAll fail while leaving the rest of the ledger intact.
type commitFailing struct {
	*inventory.Ledger
}

func (commitFailing) CommitAll(context.Context, []string) ([]inventory.Reservation, error) {
	return nil, errors.New("disk full")
}

// gatedRepo holds the first n Get calls until all n have arrived, so that
// concurrent callers start from the same order version.
type gatedRepo struct {
	orders.Repository
	gate  sync.WaitGroup
	limit int32
	seen  atomic.Int32
}

func newGatedRepo(r orders.Repository, n int) *gatedRepo {
	g := &gatedRepo{Repository: r, limit: int32(n)}
	g.gate.Add(n)
	return g
}

func (g *gatedRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	o, err := g.Repository.Get(ctx, id)
	if g.seen.Add(1) <= g.limit {
		g.gate.Done()
		g.gate.Wait()
	}
	return o, err
}

type harness struct {
	svc    *lifecycle.Service
	store  *memstore.Store
	ledger *inventory.Ledger
	pay    *payments.Coordinator
	gw     *fakeGateway
	events *recorder
	clock  *testClock
}

type options struct {
	policy    lifecycle.Policy
	repo      func(orders.Repository) orders.Repository
	inventory func(*inventory.Ledger) lifecycle.Inventory
}

func newHarness(t *testing.T, stock map[string]int, opts ...func(*options)) *harness {
	t.Helper()
	o := options{policy: lifecycle.DefaultPolicy()}
	for _, fn := range opts {
		fn(&o)
	}

	st := memstore.New()
	clk := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	retry := func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }

	ledger, err := inventory.NewLedger(inventory.LedgerDeps{Store: st, Clock: clk.Now, IDGenerator: ids})
	require.NoError(t, err)
	for pid, n := range stock {
		_, err := ledger.Restock(context.Background(), pid, n)
		require.NoError(t, err)
	}

	gw := &fakeGateway{}
	pay, err := payments.NewCoordinator(payments.CoordinatorDeps{
		Store: st, Gateway: gw, Clock: clk.Now, IDGenerator: ids, Retry: retry,
	})
	require.NoError(t, err)

	var repo orders.Repository = st
	if o.repo != nil {
		repo = o.repo(st)
	}
	var inv lifecycle.Inventory = ledger
	if o.inventory != nil {
		inv = o.inventory(ledger)
	}

	events := &recorder{}
	svc, err := lifecycle.NewService(lifecycle.Deps{
		Orders:      repo,
		Inventory:   inv,
		Payments:    pay,
		Notifier:    events,
		Policy:      o.policy,
		Clock:       clk.Now,
		IDGenerator: ids,
		Retry:       retry,
	})
	require.NoError(t, err)

	return &harness{svc: svc, store: st, ledger: ledger, pay: pay, gw: gw, events: events, clock: clk}
}

func (h *harness) order(t *testing.T, items ...orders.LineItem) orders.Order {
	t.Helper()
	o, err := h.svc.CreateOrder(context.Background(), "cust-1", items)
	require.NoError(t, err)
	return o
}

func (h *harness) reload(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := h.svc.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Truef(t, orders.CompatiblePayment(o.Status, o.PaymentStatus),
		"persisted %s with payment %s", o.Status, o.PaymentStatus)
	return o
}

func (h *harness) stock(t *testing.T, pid string) inventory.StockLevel {
	t.Helper()
	lvl, err := h.ledger.GetAvailableStock(context.Background(), pid)
	require.NoError(t, err)
	return lvl
}

func (h *harness) confirmed(t *testing.T, items ...orders.LineItem) orders.Order {
	t.Helper()
	o := h.order(t, items...)
	o, err := h.svc.ConfirmOrder(context.Background(), o.ID, "pm_card_visa")
	require.NoError(t, err)
	return o
}

func item(pid string, qty int, price int64) orders.LineItem {
	return orders.LineItem{ProductID: pid, Quantity: qty, UnitPrice: price}
}
