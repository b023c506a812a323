package lifecycle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

// confirmedSaveFailing drops every write that would store a CONFIRMED order
// while fail is set.
type confirmedSaveFailing struct {
	orders.Repository
	fail atomic.Bool
}

func (r *confirmedSaveFailing) Save(ctx context.Context, o orders.Order, expected int64, hist ...orders.StatusHistory) error {
	if r.fail.Load() && o.Status == orders.StatusConfirmed {
		return errors.New("connection reset")
	}
	return r.Repository.Save(ctx, o, expected, hist...)
}

func ambiguousCharge(payments.ChargeRequest) (payments.ChargeResult, error) {
	return payments.ChargeResult{}, context.DeadlineExceeded
}

func TestLostConfirmWriteIsNeverChargedTwice(t *testing.T) {
	ctx := context.Background()
	repo := &confirmedSaveFailing{}
	repo.fail.Store(true)
	h := newHarness(t, map[string]int{"P": 10}, func(o *options) {
		o.repo = func(r orders.Repository) orders.Repository {
			repo.Repository = r
			return repo
		}
	})
	o := h.order(t, item("P", 2, 500))

	_, err := h.svc.ConfirmOrder(ctx, o.ID, "pm")
	require.ErrorIs(t, err, orders.ErrReconciliation)
	assert.Equal(t, 8, h.stock(t, "P").OnHand)

	// the confirm lease has run out, but the captured payment still blocks
	h.clock.Advance(3 * time.Minute)
	_, err = h.svc.ConfirmOrder(ctx, o.ID, "pm")
	require.ErrorIs(t, err, orders.ErrReconciliation)
	_, err = h.svc.CancelOrder(ctx, o.ID, "changed mind", "cust-1")
	require.ErrorIs(t, err, orders.ErrReconciliation)

	assert.Len(t, h.gw.chargeCalls(), 1)
	assert.Equal(t, 8, h.stock(t, "P").OnHand)
	assert.Zero(t, h.stock(t, "P").Reserved)
	assert.Equal(t, orders.StatusPending, h.reload(t, o.ID).Status)

	repo.fail.Store(false)
	got, err := h.svc.ReconcileOrder(ctx, o.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, orders.PaymentPaid, got.PaymentStatus)
	assert.Nil(t, got.Lease)
	assert.Equal(t, got.Version, h.reload(t, o.ID).Version)

	assert.Len(t, h.gw.chargeCalls(), 1)
	assert.Equal(t, 8, h.stock(t, "P").OnHand)

	// nothing left to do
	again, err := h.svc.ReconcileOrder(ctx, o.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
}

func TestResolveAmbiguousChargeCompletesConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"P": 5})
	h.gw.charge = ambiguousCharge
	o := h.order(t, item("P", 2, 100))

	_, err := h.svc.ConfirmOrder(ctx, o.ID, "pm")
	var amb *orders.AmbiguousChargeError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, 2, h.stock(t, "P").Reserved)

	_, err = h.svc.ReconcileOrder(ctx, o.ID, "ops")
	require.ErrorIs(t, err, orders.ErrAmbiguousCharge)

	got, err := h.svc.ResolvePayment(ctx, amb.PaymentID,
		payments.Resolution{Status: payments.StatusCompleted, TransactionID: "tx-late"}, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, orders.PaymentPaid, got.PaymentStatus)

	lvl := h.stock(t, "P")
	assert.Equal(t, 3, lvl.OnHand)
	assert.Zero(t, lvl.Reserved)
	assert.Len(t, h.gw.chargeCalls(), 1)

	hist, err := h.svc.GetOrderHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "ops", hist[0].ActorID)

	// the order is fully usable afterwards
	_, err = h.svc.CancelOrder(ctx, o.ID, "changed mind", "cust-1")
	require.NoError(t, err)
	assert.Len(t, h.gw.refundCalls(), 1)
}

func TestResolveAmbiguousChargeAfterSweepReservesAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"P": 5, "Q": 5})
	h.gw.charge = ambiguousCharge
	o := h.order(t, item("P", 2, 100), item("Q", 1, 100))

	_, err := h.svc.ConfirmOrder(ctx, o.ID, "pm")
	var amb *orders.AmbiguousChargeError
	require.ErrorAs(t, err, &amb)

	h.clock.Advance(inventory.DefaultReservationTTL)
	_, err = h.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, h.stock(t, "P").Reserved)
	require.Zero(t, h.stock(t, "Q").Reserved)

	got, err := h.svc.ResolvePayment(ctx, amb.PaymentID,
		payments.Resolution{Status: payments.StatusCompleted, TransactionID: "tx-late"}, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, 3, h.stock(t, "P").OnHand)
	assert.Equal(t, 4, h.stock(t, "Q").OnHand)
	assert.Zero(t, h.stock(t, "P").Reserved)
	assert.Len(t, h.gw.chargeCalls(), 1)
}

func TestResolvedChargeWithoutStockIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"P": 2})
	h.gw.charge = ambiguousCharge
	o := h.order(t, item("P", 2, 100))

	_, err := h.svc.ConfirmOrder(ctx, o.ID, "pm")
	var amb *orders.AmbiguousChargeError
	require.ErrorAs(t, err, &amb)

	h.clock.Advance(inventory.DefaultReservationTTL)
	_, err = h.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	h.gw.charge = nil
	h.confirmed(t, item("P", 2, 100))

	_, err = h.svc.ResolvePayment(ctx, amb.PaymentID,
		payments.Resolution{Status: payments.StatusCompleted, TransactionID: "tx-late"}, "ops")
	require.ErrorIs(t, err, orders.ErrInsufficientStock)
	assert.NotErrorIs(t, err, orders.ErrReconciliation)

	got := h.reload(t, o.ID)
	assert.Equal(t, orders.StatusFailed, got.Status)
	assert.Equal(t, orders.PaymentRefunded, got.PaymentStatus)
	require.Len(t, h.gw.refundCalls(), 1)
	assert.Equal(t, int64(200), h.gw.refundCalls()[0].Amount)
}

func TestResolveAmbiguousChargeAsDeclined(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"P": 5})
	h.gw.charge = ambiguousCharge
	o := h.order(t, item("P", 2, 100))

	_, err := h.svc.ConfirmOrder(ctx, o.ID, "pm")
	var amb *orders.AmbiguousChargeError
	require.ErrorAs(t, err, &amb)

	got, err := h.svc.ResolvePayment(ctx, amb.PaymentID,
		payments.Resolution{Status: payments.StatusFailed, Reason: "card_declined"}, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)
	assert.Equal(t, orders.PaymentFailed, got.PaymentStatus)
	assert.Zero(t, h.stock(t, "P").Reserved)

	// a fresh attempt is charged under a new key
	h.gw.charge = nil
	confirmed, err := h.svc.ConfirmOrder(ctx, o.ID, "pm")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, confirmed.Status)
	calls := h.gw.chargeCalls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
}

func TestResolveAmbiguousRefundCancelsOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"P": 5})
	o := h.confirmed(t, item("P", 1, 900))
	h.gw.refund = func(payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{}, errors.New("i/o timeout")
	}

	_, err := h.svc.CancelOrder(ctx, o.ID, "changed mind", "cust-1")
	var amb *orders.AmbiguousChargeError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, orders.StatusConfirmed, h.reload(t, o.ID).Status)

	_, err = h.svc.ResolvePayment(ctx, amb.PaymentID,
		payments.Resolution{Status: payments.StatusCompleted, TransactionID: "tx1"}, "ops")
	require.ErrorIs(t, err, orders.ErrInvalidPaymentState)

	got, err := h.svc.ResolvePayment(ctx, amb.PaymentID, payments.Resolution{Status: payments.StatusRefunded}, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, orders.PaymentRefunded, got.PaymentStatus)
	assert.Len(t, h.gw.refundCalls(), 1)
}

func TestResolveFailedRefundKeepsOrderPaid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]int{"P": 5})
	o := h.confirmed(t, item("P", 1, 900))
	_, err := h.svc.ShipOrder(ctx, o.ID, "TRK-1", "warehouse")
	require.NoError(t, err)
	_, err = h.svc.DeliverOrder(ctx, o.ID, "courier")
	require.NoError(t, err)
	h.gw.refund = func(payments.RefundRequest) (payments.RefundResult, error) {
		return payments.RefundResult{}, errors.New("i/o timeout")
	}

	_, err = h.svc.RefundOrder(ctx, o.ID, "damaged", "support")
	var amb *orders.AmbiguousChargeError
	require.ErrorAs(t, err, &amb)

	got, err := h.svc.ResolvePayment(ctx, amb.PaymentID,
		payments.Resolution{Status: payments.StatusRefundFailed, Reason: "charge_disputed"}, "ops")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, got.Status)
	assert.Equal(t, orders.PaymentPaid, got.PaymentStatus)

	// the refund can be tried again now that the outcome is known
	h.gw.refund = nil
	refunded, err := h.svc.RefundOrder(ctx, o.ID, "damaged", "support")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, refunded.Status)
}
