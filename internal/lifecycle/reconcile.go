package lifecycle

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

// ResolvePayment records the outcome of a charge or refund that was left
// without one, then brings the order in line with it:
//
//   - a completed charge finishes the confirm, reusing held stock
//   - a failed charge releases held stock and records the decline
//   - a completed refund cancels or refunds the order, depending on where
//     the refund was started from
//
// A refund that failed leaves the order as it is.
func (s *Service) ResolvePayment(ctx context.Context, paymentID string, res payments.Resolution, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.ResolvePayment", attribute.String("payment.id", paymentID))
	defer func() { finish(span, err) }()

	p, err := s.pay.ResolvePayment(ctx, paymentID, res)
	if err != nil {
		return orders.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", p.OrderID))
	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return orders.Order{}, err
	}
	return s.settle(ctx, o, p, actorID)
}

// ReconcileOrder applies the order's captured payment when the order does
// not show it, as after a confirm whose final write was lost. Orders with
// nothing to reconcile come back unchanged.
func (s *Service) ReconcileOrder(ctx context.Context, orderID, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.ReconcileOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	p, open, err := s.pay.OpenPaymentForOrder(ctx, o.ID)
	if err != nil {
		return orders.Order{}, err
	}
	if open {
		return orders.Order{}, &orders.AmbiguousChargeError{
			Op: "reconcile", OrderID: o.ID, PaymentID: p.ID, IdempotencyKey: p.IdempotencyKey,
		}
	}
	p, err = s.pay.SettledPaymentForOrder(ctx, o.ID)
	if errors.Is(err, orders.ErrPaymentNotFound) {
		return o, nil
	}
	if err != nil {
		return orders.Order{}, err
	}
	return s.settle(ctx, o, p, actorID)
}

func (s *Service) settle(ctx context.Context, o orders.Order, p payments.Payment, actorID string) (orders.Order, error) {
	switch p.Status {
	case payments.StatusCompleted:
		if o.Status == orders.StatusPending {
			return s.settleCapture(ctx, o, p, actorID)
		}
	case payments.StatusFailed:
		if o.Status == orders.StatusPending {
			return s.settleDecline(ctx, o, p)
		}
	case payments.StatusRefunded:
		return s.settleRefund(ctx, o, p, actorID)
	}
	s.log.Info("payment outcome needs no order change",
		zap.String("order_id", o.ID),
		zap.String("payment_id", p.ID),
		zap.String("payment_status", string(p.Status)),
		zap.String("order_status", string(o.Status)))
	return o, nil
}

// settleCapture finishes a confirm whose charge went through. Stock that is
// already committed is kept; otherwise held reservations are topped up and
// committed. When the stock is gone the payment is refunded.
func (s *Service) settleCapture(ctx context.Context, o orders.Order, p payments.Payment, actorID string) (orders.Order, error) {
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	if err := s.claim(ctx, &o, opConfirm); err != nil {
		return orders.Order{}, err
	}

	committed, err := s.inv.CommittedForOrder(ctx, o.ID)
	if err != nil {
		s.dropLease(ctx, &o)
		return orders.Order{}, err
	}
	if len(committed) == 0 {
		held, err := s.holdForOrder(ctx, o)
		if err != nil {
			return s.compensate(ctx, o, held, p, "stock unavailable for captured payment", err)
		}
		if _, err := s.inv.CommitAll(ctx, reservationIDs(held)); err != nil {
			return s.compensate(ctx, o, held, p, "stock commit failed after payment", err)
		}
	}
	return s.finishConfirm(ctx, o, p, "payment reconciled", actorID)
}

func (s *Service) settleDecline(ctx context.Context, o orders.Order, p payments.Payment) (orders.Order, error) {
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	if n, err := s.inv.ReleaseForOrder(ctx, o.ID); err != nil {
		s.log.Error("release after resolved decline failed, sweeper will reclaim",
			zap.String("order_id", o.ID), zap.Error(err))
	} else if n > 0 {
		s.log.Info("released reservations after resolved decline", zap.String("order_id", o.ID), zap.Int("count", n))
	}
	if o.PaymentStatus == orders.PaymentFailed {
		return o, nil
	}
	return s.recordDecline(ctx, o, p)
}

// settleRefund applies a refund that went through. Only a delivered order
// is refunded; a confirmed or processing one was being cancelled, and a
// failed one was being compensated.
func (s *Service) settleRefund(ctx context.Context, o orders.Order, p payments.Payment, actorID string) (orders.Order, error) {
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	var t *orders.Transition
	switch {
	case o.Status == orders.StatusDelivered:
		t = &orders.Transition{To: orders.StatusRefunded, Reason: "refund reconciled"}
	case o.PaymentStatus == orders.PaymentPaid && orders.CanTransition(o.Status, orders.StatusCancelled):
		t = &orders.Transition{To: orders.StatusCancelled, Reason: "cancelled, refund reconciled"}
	case o.Status == orders.StatusFailed && o.PaymentStatus == orders.PaymentRefunding:
	default:
		return o, nil
	}

	prev, before := o.Version, o.PaymentStatus
	s.machine.ClearLease(&o)
	var hist []orders.StatusHistory
	if t != nil {
		t.PaymentStatus = orders.PaymentRefunded
		t.ActorID = actorID
		h, err := s.machine.Apply(&o, *t)
		if err != nil {
			return orders.Order{}, err
		}
		hist = append(hist, h)
	} else if err := s.machine.SetPaymentStatus(&o, orders.PaymentRefunded); err != nil {
		return orders.Order{}, err
	}

	if err := s.saveRetry(ctx, o, prev, hist...); err != nil {
		return orders.Order{}, err
	}
	if o.Status == orders.StatusCancelled {
		if _, err := s.inv.ReleaseForOrder(ctx, o.ID); err != nil {
			s.log.Error("release on cancel failed, sweeper will reclaim",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	s.emit(ctx, o, before, p.Amount, hist...)
	return o, nil
}

// holdForOrder returns reservations covering every line, keeping the ones
// an earlier attempt still holds and reserving the rest.
func (s *Service) holdForOrder(ctx context.Context, o orders.Order) ([]inventory.Reservation, error) {
	active, err := s.inv.ActiveForOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]int, len(active))
	for _, r := range active {
		have[r.ProductID] += r.Quantity
	}
	held := active
	for _, li := range o.LineItems {
		need := li.Quantity
		if got := min(have[li.ProductID], need); got > 0 {
			have[li.ProductID] -= got
			need -= got
		}
		if need == 0 {
			continue
		}
		r, err := s.inv.Reserve(ctx, li.ProductID, need, o.ID)
		if err != nil {
			return held, err
		}
		held = append(held, r)
	}
	return held, nil
}
