package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

const (
	actorSystem = "system"

	opConfirm = "confirm"
	opCancel  = "cancel"
	opRefund  = "refund"
)

// Inventory is the part of the inventory ledger the service drives.
type Inventory interface {
	Reserve(ctx context.Context, productID string, quantity int, orderID string) (inventory.Reservation, error)
	Release(ctx context.Context, reservationID string) (inventory.Reservation, error)
	CommitAll(ctx context.Context, reservationIDs []string) ([]inventory.Reservation, error)
	ReleaseForOrder(ctx context.Context, orderID string) (int, error)
	ActiveForOrder(ctx context.Context, orderID string) ([]inventory.Reservation, error)
	CommittedForOrder(ctx context.Context, orderID string) ([]inventory.Reservation, error)
	GetAvailableStock(ctx context.Context, productID string) (inventory.StockLevel, error)
}

// Payments is the part of the payment coordinator the service drives.
type Payments interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (payments.Payment, error)
	Refund(ctx context.Context, paymentID string, amount int64) (payments.Refund, error)
	OpenPaymentForOrder(ctx context.Context, orderID string) (payments.Payment, bool, error)
	SettledPaymentForOrder(ctx context.Context, orderID string) (payments.Payment, error)
	ResolvePayment(ctx context.Context, paymentID string, res payments.Resolution) (payments.Payment, error)
}

// Notifier receives lifecycle events after they are persisted. Errors are
// logged and never fail the operation that produced the event.
type Notifier interface {
	Publish(ctx context.Context, env orders.Envelope) error
}

type Policy struct {
	// RefundOnCancel refunds a paid order when it is cancelled.
	RefundOnCancel bool
	// FailOnDecline moves the order to FAILED on a declined charge instead
	// of leaving it PENDING for another attempt.
	FailOnDecline bool
	// LeaseTTL bounds how long a confirm, cancel or refund may keep other
	// operations off the order. It must outlast a gateway call.
	LeaseTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{RefundOnCancel: true, LeaseTTL: 2 * time.Minute}
}

// Deps bundles the collaborators required to construct a Service.
type Deps struct {
	Orders      orders.Repository
	Inventory   Inventory
	Payments    Payments
	Notifier    Notifier
	Policy      Policy
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
	ServiceName string
	Retry       func() backoff.BackOff
}

// Service orchestrates the order lifecycle over the ledger, the state
// machine and the payment coordinator.
type Service struct {
	orders      orders.Repository
	inv         Inventory
	pay         Payments
	notifier    Notifier
	machine     *orders.StateMachine
	policy      Policy
	clock       func() time.Time
	newID       func() string
	log         *zap.Logger
	producer    string
	retry       func() backoff.BackOff
	transitions metric.Int64Counter
}

func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("lifecycle: order repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("lifecycle: inventory is required")
	case deps.Payments == nil:
		return nil, errors.New("lifecycle: payments is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	policy := deps.Policy
	if policy.LeaseTTL <= 0 {
		policy.LeaseTTL = DefaultPolicy().LeaseTTL
	}
	producer := deps.ServiceName
	if producer == "" {
		producer = "order-lifecycle"
	}
	retry := deps.Retry
	if retry == nil {
		retry = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		}
	}
	transitions, err := otel.Meter(instrumentationName).Int64Counter("orders.transitions",
		metric.WithDescription("persisted order status transitions"))
	if err != nil {
		transitions = noop.Int64Counter{}
	}
	return &Service{
		orders:      deps.Orders,
		inv:         deps.Inventory,
		pay:         deps.Payments,
		notifier:    deps.Notifier,
		machine:     orders.NewStateMachine(utc, idGen),
		policy:      policy,
		clock:       utc,
		newID:       idGen,
		log:         log.Named("lifecycle"),
		producer:    producer,
		retry:       retry,
		transitions: transitions,
	}, nil
}

// IdempotencyKey derives the charge key from the order version the confirm
// started from, so a retry of the same attempt reuses it and a new attempt
// after a decline gets a fresh one.
func IdempotencyKey(orderID string, version int64) string {
	return fmt.Sprintf("order:%s:confirm:v%d", orderID, version)
}

func (s *Service) CreateOrder(ctx context.Context, customerID string, items []orders.LineItem) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.CreateOrder")
	defer func() { finish(span, err) }()

	o, err := orders.NewOrder(s.newID(), customerID, items, s.clock())
	if err != nil {
		return orders.Order{}, err
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return orders.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	payload := orders.OrderCreatedPayload{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Items:       make([]orders.ItemPrice, 0, len(o.LineItems)),
		TotalAmount: o.TotalAmount,
		Version:     o.Version,
	}
	for _, li := range o.LineItems {
		payload.Items = append(payload.Items, orders.ItemPrice{ProductID: li.ProductID, Qty: li.Quantity, UnitPrice: li.UnitPrice})
	}
	s.publish(ctx, o.ID, orders.EventOrderCreated, payload)
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return s.orders.Get(ctx, orderID)
}

func (s *Service) GetOrderHistory(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	return s.orders.History(ctx, orderID)
}

func (s *Service) GetAvailableStock(ctx context.Context, productID string) (inventory.StockLevel, error) {
	return s.inv.GetAvailableStock(ctx, productID)
}

// ConfirmOrder reserves every line, charges the order total and commits the
// reservations, moving the order to CONFIRMED/PAID.
//
// Stock shortfalls release what was reserved and leave the order PENDING.
// A decline releases stock and records PAYMENT_FAILED. An ambiguous charge
// keeps the reservations (the sweeper frees them on expiry) and leaves the
// order PENDING until the payment is reconciled.
func (s *Service) ConfirmOrder(ctx context.Context, orderID, paymentMethod string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.ConfirmOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanTransition(o.Status, orders.StatusConfirmed) {
		return orders.Order{}, &orders.InvalidTransitionError{OrderID: o.ID, From: o.Status, To: orders.StatusConfirmed}
	}
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	if err := s.checkPayments(ctx, o); err != nil {
		return orders.Order{}, err
	}

	key := IdempotencyKey(o.ID, o.Version)
	if err := s.claim(ctx, &o, opConfirm); err != nil {
		return orders.Order{}, err
	}

	held, err := s.reserveAll(ctx, o)
	if err != nil {
		s.release(ctx, o.ID, held)
		s.dropLease(ctx, &o)
		return orders.Order{}, err
	}

	payment, err := s.pay.Charge(ctx, payments.ChargeRequest{
		OrderID:        o.ID,
		Amount:         o.TotalAmount,
		IdempotencyKey: key,
		PaymentMethod:  paymentMethod,
	})
	if err != nil {
		if errors.Is(err, orders.ErrAmbiguousCharge) || errors.Is(err, orders.ErrReconciliation) {
			s.log.Error("confirm left pending on unresolved charge",
				zap.Bool("reconcile", true),
				zap.String("order_id", o.ID),
				zap.String("payment_id", payment.ID),
				zap.Int("reservations_kept", len(held)),
				zap.Error(err))
		} else {
			s.release(ctx, o.ID, held)
		}
		s.dropLease(ctx, &o)
		return orders.Order{}, err
	}
	if payment.Status != payments.StatusCompleted {
		return s.declined(ctx, o, held, payment)
	}

	if _, err := s.inv.CommitAll(ctx, reservationIDs(held)); err != nil {
		return s.compensate(ctx, o, held, payment, "stock commit failed after payment", err)
	}
	return s.finishConfirm(ctx, o, payment, "payment captured", o.CustomerID)
}

// finishConfirm moves a leased order whose stock is committed to
// CONFIRMED/PAID. A failed write leaves a captured payment on an order that
// is not PAID, which blocks further confirms until ReconcileOrder runs.
func (s *Service) finishConfirm(ctx context.Context, o orders.Order, p payments.Payment, reason, actorID string) (orders.Order, error) {
	prev, before := o.Version, o.PaymentStatus
	s.machine.ClearLease(&o)
	h, err := s.machine.Apply(&o, orders.Transition{
		To:            orders.StatusConfirmed,
		PaymentStatus: orders.PaymentPaid,
		Reason:        reason,
		ActorID:       actorID,
	})
	if err != nil {
		return orders.Order{}, err
	}
	if err := s.saveRetry(ctx, o, prev, h); err != nil {
		s.log.Error("confirmed order not persisted",
			zap.Bool("reconcile", true),
			zap.String("order_id", o.ID),
			zap.String("payment_id", p.ID),
			zap.Error(err))
		return orders.Order{}, &orders.ReconciliationRequiredError{
			OrderID: o.ID, PaymentID: p.ID,
			Detail: "payment captured and stock committed but order not saved", Err: err,
		}
	}
	s.emit(ctx, o, before, p.Amount, h)
	return o, nil
}

func (s *Service) declined(ctx context.Context, o orders.Order, held []inventory.Reservation, p payments.Payment) (orders.Order, error) {
	s.release(ctx, o.ID, held)
	if _, err := s.recordDecline(ctx, o, p); err != nil {
		return orders.Order{}, err
	}
	return orders.Order{}, &orders.PaymentDeclinedError{Op: "charge", OrderID: o.ID, PaymentID: p.ID, Reason: p.FailureReason}
}

// recordDecline marks the order PAYMENT_FAILED, or FAILED when the policy
// says so, and drops any lease it holds.
func (s *Service) recordDecline(ctx context.Context, o orders.Order, p payments.Payment) (orders.Order, error) {
	prev, before := o.Version, o.PaymentStatus
	s.machine.ClearLease(&o)
	var hist []orders.StatusHistory
	if s.policy.FailOnDecline {
		h, err := s.machine.Apply(&o, orders.Transition{
			To:            orders.StatusFailed,
			PaymentStatus: orders.PaymentFailed,
			Reason:        "payment declined: " + p.FailureReason,
			ActorID:       actorSystem,
		})
		if err != nil {
			return orders.Order{}, err
		}
		hist = append(hist, h)
	} else if err := s.machine.SetPaymentStatus(&o, orders.PaymentFailed); err != nil {
		return orders.Order{}, err
	}
	if err := s.saveRetry(ctx, o, prev, hist...); err != nil {
		return orders.Order{}, err
	}
	s.emit(ctx, o, before, p.Amount, hist...)
	return o, nil
}

// compensate undoes a captured charge whose stock could not be committed,
// and parks the order in FAILED.
func (s *Service) compensate(ctx context.Context, o orders.Order, held []inventory.Reservation, p payments.Payment, detail string, cause error) (orders.Order, error) {
	s.log.Error(detail+", refunding",
		zap.String("order_id", o.ID),
		zap.String("payment_id", p.ID),
		zap.Error(cause))
	s.release(ctx, o.ID, held)

	ps := orders.PaymentRefunded
	r, rerr := s.pay.Refund(ctx, p.ID, p.Amount)
	if rerr != nil || r.Status != payments.RefundSucceeded {
		ps = orders.PaymentRefunding
		s.log.Error("compensating refund did not complete",
			zap.Bool("reconcile", true),
			zap.String("order_id", o.ID),
			zap.String("payment_id", p.ID),
			zap.String("refund_id", r.ID),
			zap.Error(rerr))
	}

	prev, before := o.Version, o.PaymentStatus
	s.machine.ClearLease(&o)
	h, err := s.machine.Apply(&o, orders.Transition{
		To:            orders.StatusFailed,
		PaymentStatus: ps,
		Reason:        detail,
		ActorID:       actorSystem,
	})
	if err == nil {
		err = s.saveRetry(ctx, o, prev, h)
	}
	if err != nil {
		s.log.Error("failed order not persisted",
			zap.Bool("reconcile", true),
			zap.String("order_id", o.ID),
			zap.String("payment_id", p.ID),
			zap.Error(err))
	} else {
		s.emit(ctx, o, before, p.Amount, h)
	}

	if ps != orders.PaymentRefunded || err != nil {
		return orders.Order{}, &orders.ReconciliationRequiredError{
			OrderID: o.ID, PaymentID: p.ID, Detail: detail, Err: cause,
		}
	}
	return orders.Order{}, fmt.Errorf("order %s: %s: %w", o.ID, detail, cause)
}

// StartProcessing moves a confirmed order into fulfilment.
func (s *Service) StartProcessing(ctx context.Context, orderID, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.StartProcessing", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()
	return s.simpleTransition(ctx, orderID, orders.Transition{To: orders.StatusProcessing, Reason: "processing started", ActorID: actorID})
}

// ShipOrder records the shipment. A CONFIRMED order passes through
// PROCESSING in the same write, leaving two history entries.
func (s *Service) ShipOrder(ctx context.Context, orderID, trackingRef, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.ShipOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	if trackingRef == "" {
		return orders.Order{}, fmt.Errorf("%w: tracking reference is required", orders.ErrInvalidInput)
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}

	prev, before := o.Version, o.PaymentStatus
	var hist []orders.StatusHistory
	if o.Status == orders.StatusConfirmed {
		h, err := s.machine.Apply(&o, orders.Transition{To: orders.StatusProcessing, Reason: "processing started for shipment", ActorID: actorID})
		if err != nil {
			return orders.Order{}, err
		}
		hist = append(hist, h)
	}
	h, err := s.machine.Apply(&o, orders.Transition{To: orders.StatusShipped, Reason: "shipped " + trackingRef, ActorID: actorID})
	if err != nil {
		return orders.Order{}, err
	}
	hist = append(hist, h)
	o.TrackingRef = trackingRef

	if err := s.orders.Save(ctx, o, prev, hist...); err != nil {
		return orders.Order{}, err
	}
	s.emit(ctx, o, before, o.TotalAmount, hist...)
	return o, nil
}

func (s *Service) DeliverOrder(ctx context.Context, orderID, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.DeliverOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()
	return s.simpleTransition(ctx, orderID, orders.Transition{To: orders.StatusDelivered, Reason: "delivered", ActorID: actorID})
}

// RetryOrder puts a FAILED order back to PENDING so it can be confirmed
// again. Money already returned resets the payment status to UNPAID; a
// refund still outstanding blocks the retry.
func (s *Service) RetryOrder(ctx context.Context, orderID, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.RetryOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	t := orders.Transition{To: orders.StatusPending, Reason: "manual retry", ActorID: actorID}
	if o.PaymentStatus == orders.PaymentRefunded {
		t.PaymentStatus = orders.PaymentUnpaid
	}
	return s.applyAndSave(ctx, o, t)
}

// CancelOrder cancels an order that has not shipped. A paid order is
// refunded first when the policy asks for it, and held stock is released.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.CancelOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanTransition(o.Status, orders.StatusCancelled) {
		return orders.Order{}, &orders.InvalidTransitionError{OrderID: o.ID, From: o.Status, To: orders.StatusCancelled}
	}
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	if err := s.checkPayments(ctx, o); err != nil {
		return orders.Order{}, err
	}

	before := o.PaymentStatus
	var h orders.StatusHistory
	var amount int64
	if o.PaymentStatus == orders.PaymentPaid && s.policy.RefundOnCancel {
		if o, h, amount, err = s.refundAndApply(ctx, o, opCancel, orders.StatusCancelled, reason, actorID); err != nil {
			return orders.Order{}, err
		}
	} else {
		prev := o.Version
		h, err = s.machine.Apply(&o, orders.Transition{To: orders.StatusCancelled, Reason: reason, ActorID: actorID})
		if err != nil {
			return orders.Order{}, err
		}
		if err := s.orders.Save(ctx, o, prev, h); err != nil {
			return orders.Order{}, err
		}
	}

	if n, err := s.inv.ReleaseForOrder(ctx, o.ID); err != nil {
		s.log.Error("release on cancel failed, sweeper will reclaim",
			zap.String("order_id", o.ID), zap.Error(err))
	} else if n > 0 {
		s.log.Info("released reservations on cancel", zap.String("order_id", o.ID), zap.Int("count", n))
	}
	s.emit(ctx, o, before, amount, h)
	return o, nil
}

// RefundOrder returns the full payment of a delivered order.
func (s *Service) RefundOrder(ctx context.Context, orderID, reason, actorID string) (_ orders.Order, err error) {
	ctx, span := startSpan(ctx, "lifecycle.RefundOrder", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanTransition(o.Status, orders.StatusRefunded) {
		return orders.Order{}, &orders.InvalidTransitionError{OrderID: o.ID, From: o.Status, To: orders.StatusRefunded}
	}
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	if err := s.checkPayments(ctx, o); err != nil {
		return orders.Order{}, err
	}

	before := o.PaymentStatus
	o, h, amount, err := s.refundAndApply(ctx, o, opRefund, orders.StatusRefunded, reason, actorID)
	if err != nil {
		return orders.Order{}, err
	}
	s.emit(ctx, o, before, amount, h)
	return o, nil
}

// refundAndApply leases the order, refunds its captured payment in full and
// applies the target status with PaymentStatus REFUNDED.
func (s *Service) refundAndApply(ctx context.Context, o orders.Order, op string, to orders.Status, reason, actorID string) (orders.Order, orders.StatusHistory, int64, error) {
	if err := s.claim(ctx, &o, op); err != nil {
		return orders.Order{}, orders.StatusHistory{}, 0, err
	}
	p, err := s.pay.SettledPaymentForOrder(ctx, o.ID)
	if err != nil {
		s.dropLease(ctx, &o)
		return orders.Order{}, orders.StatusHistory{}, 0, err
	}
	r, err := s.pay.Refund(ctx, p.ID, p.Amount)
	if err != nil {
		s.dropLease(ctx, &o)
		return orders.Order{}, orders.StatusHistory{}, 0, err
	}
	if r.Status != payments.RefundSucceeded {
		s.dropLease(ctx, &o)
		return orders.Order{}, orders.StatusHistory{}, 0, &orders.PaymentDeclinedError{
			Op: "refund", OrderID: o.ID, PaymentID: p.ID, Reason: r.FailureReason,
		}
	}

	prev := o.Version
	s.machine.ClearLease(&o)
	h, err := s.machine.Apply(&o, orders.Transition{
		To:            to,
		PaymentStatus: orders.PaymentRefunded,
		Reason:        reason,
		ActorID:       actorID,
	})
	if err == nil {
		err = s.saveRetry(ctx, o, prev, h)
	}
	if err != nil {
		s.log.Error("refunded order not persisted",
			zap.Bool("reconcile", true),
			zap.String("order_id", o.ID),
			zap.String("payment_id", p.ID),
			zap.String("refund_id", r.ID),
			zap.Error(err))
		return orders.Order{}, orders.StatusHistory{}, 0, &orders.ReconciliationRequiredError{
			OrderID: o.ID, PaymentID: p.ID, Detail: "refund succeeded but order not saved", Err: err,
		}
	}
	return o, h, r.Amount, nil
}

func (s *Service) simpleTransition(ctx context.Context, orderID string, t orders.Transition) (orders.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	return s.applyAndSave(ctx, o, t)
}

func (s *Service) applyAndSave(ctx context.Context, o orders.Order, t orders.Transition) (orders.Order, error) {
	if err := s.machine.CheckFree(o); err != nil {
		return orders.Order{}, err
	}
	prev, before := o.Version, o.PaymentStatus
	h, err := s.machine.Apply(&o, t)
	if err != nil {
		return orders.Order{}, err
	}
	if err := s.orders.Save(ctx, o, prev, h); err != nil {
		return orders.Order{}, err
	}
	s.emit(ctx, o, before, o.TotalAmount, h)
	return o, nil
}

// checkPayments refuses to act on an order whose last gateway call has no
// known outcome, or that holds a captured payment while not PAID. The
// latter happens when a confirm charged the customer but lost the write.
func (s *Service) checkPayments(ctx context.Context, o orders.Order) error {
	p, open, err := s.pay.OpenPaymentForOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if open {
		return &orders.AmbiguousChargeError{
			Op: "reconcile", OrderID: o.ID, PaymentID: p.ID, IdempotencyKey: p.IdempotencyKey,
		}
	}
	if o.PaymentStatus == orders.PaymentPaid {
		return nil
	}
	p, err = s.pay.SettledPaymentForOrder(ctx, o.ID)
	if errors.Is(err, orders.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &orders.ReconciliationRequiredError{
		OrderID: o.ID, PaymentID: p.ID,
		Detail: fmt.Sprintf("payment %s is %s but order is %s", p.ID, p.Status, o.PaymentStatus),
	}
}

// claim takes the operation lease with a version-guarded write.
func (s *Service) claim(ctx context.Context, o *orders.Order, op string) error {
	prev := o.Version
	if err := s.machine.AcquireLease(o, op, s.policy.LeaseTTL); err != nil {
		return err
	}
	return s.orders.Save(ctx, *o, prev)
}

func (s *Service) dropLease(ctx context.Context, o *orders.Order) {
	prev := o.Version
	s.machine.ClearLease(o)
	if o.Version == prev {
		return
	}
	if err := s.saveRetry(ctx, *o, prev); err != nil {
		s.log.Warn("lease not cleared, waiting for expiry",
			zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) saveRetry(ctx context.Context, o orders.Order, expected int64, hist ...orders.StatusHistory) error {
	return backoff.Retry(func() error {
		err := s.orders.Save(ctx, o, expected, hist...)
		if errors.Is(err, orders.ErrConcurrentModification) || errors.Is(err, orders.ErrOrderNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(s.retry(), ctx))
}

func (s *Service) reserveAll(ctx context.Context, o orders.Order) ([]inventory.Reservation, error) {
	held := make([]inventory.Reservation, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		r, err := s.inv.Reserve(ctx, li.ProductID, li.Quantity, o.ID)
		if err != nil {
			return held, err
		}
		held = append(held, r)
	}
	return held, nil
}

func (s *Service) release(ctx context.Context, orderID string, held []inventory.Reservation) {
	for _, r := range held {
		if _, err := s.inv.Release(ctx, r.ID); err != nil {
			s.log.Error("release failed, sweeper will reclaim",
				zap.String("order_id", orderID),
				zap.String("reservation_id", r.ID),
				zap.Error(err))
		}
	}
}

func reservationIDs(rs []inventory.Reservation) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}
