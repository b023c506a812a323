package payments

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

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

// CoordinatorDeps bundles the collaborators required to construct a Coordinator.
type CoordinatorDeps struct {
	Store       Store
	Gateway     Gateway
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
	// Retry builds the policy used when persisting results after a gateway
	// call. Defaults to a short exponential backoff.
	Retry func() backoff.BackOff
}

// Coordinator charges and refunds through the gateway. A payment row is
// written before every gateway call, so an idempotency key never reaches the
// gateway twice from this process.
type Coordinator struct {
	store   Store
	gateway Gateway
	clock   func() time.Time
	newID   func() string
	log     *zap.Logger
	retry   func() backoff.BackOff
	charges metric.Int64Counter
}

func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("payment coordinator: store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment coordinator: gateway is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
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
	charges, err := otel.Meter("github.com/ariefcatur/go-order-lifecycle/internal/payments").
		Int64Counter("payments.charges", metric.WithDescription("charge attempts by outcome"))
	if err != nil {
		charges = noop.Int64Counter{}
	}
	return &Coordinator{
		store:   deps.Store,
		gateway: deps.Gateway,
		clock:   func() time.Time { return clock().UTC() },
		newID:   idGen,
		log:     log.Named("payments"),
		retry:   retry,
		charges: charges,
	}, nil
}

// Charge takes req.Amount once per idempotency key.
//
// A decline returns a Failed payment and no error. A gateway error leaves
// the payment Pending and returns *orders.AmbiguousChargeError. A repeated
// key returns the recorded payment without calling the gateway.
func (c *Coordinator) Charge(ctx context.Context, req ChargeRequest) (Payment, error) {
	if req.OrderID == "" || req.IdempotencyKey == "" {
		return Payment{}, fmt.Errorf("%w: order id and idempotency key are required", orders.ErrInvalidInput)
	}
	if req.Amount <= 0 {
		return Payment{}, fmt.Errorf("%w: charge amount must be positive", orders.ErrInvalidInput)
	}

	existing, err := c.store.GetPaymentByKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		return c.replay(existing, req)
	case !errors.Is(err, orders.ErrPaymentNotFound):
		return Payment{}, err
	}

	now := c.clock()
	p := Payment{
		ID:             c.newID(),
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			existing, gerr := c.store.GetPaymentByKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return Payment{}, gerr
			}
			return c.replay(existing, req)
		}
		return Payment{}, err
	}

	res, err := c.gateway.Charge(ctx, req)
	if err != nil {
		c.charges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ambiguous")))
		c.log.Error("charge outcome unknown",
			zap.Bool("reconcile", true),
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.Error(err))
		return p, &orders.AmbiguousChargeError{
			Op: "charge", OrderID: p.OrderID, PaymentID: p.ID, IdempotencyKey: p.IdempotencyKey, Err: err,
		}
	}

	if res.Success {
		p.Status = StatusCompleted
		p.GatewayTransactionID = res.TransactionID
		c.charges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	} else {
		p.Status = StatusFailed
		p.FailureReason = res.Error
		c.charges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "declined")))
	}
	p.UpdatedAt = c.clock()

	if err := c.persist(ctx, func() error { return c.store.TransitionPayment(ctx, p, StatusPending) }); err != nil {
		c.log.Error("charge result not persisted",
			zap.Bool("reconcile", true),
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("gateway_status", string(p.Status)),
			zap.String("transaction_id", p.GatewayTransactionID),
			zap.Error(err))
		return p, &orders.ReconciliationRequiredError{
			OrderID: p.OrderID, PaymentID: p.ID, Detail: "gateway result " + string(p.Status) + " not recorded", Err: err,
		}
	}
	return p, nil
}

func (c *Coordinator) replay(p Payment, req ChargeRequest) (Payment, error) {
	if p.OrderID != req.OrderID || p.Amount != req.Amount {
		return Payment{}, fmt.Errorf("%w: idempotency key %s reused for a different charge", orders.ErrInvalidInput, req.IdempotencyKey)
	}
	if p.Status == StatusPending {
		return p, &orders.AmbiguousChargeError{
			Op: "charge", OrderID: p.OrderID, PaymentID: p.ID, IdempotencyKey: p.IdempotencyKey,
		}
	}
	return p, nil
}

// Refund returns amount of a Completed payment. A refund that failed before
// may be retried; a refund still in progress or already done is rejected.
//
// A decline leaves the payment RefundFailed and returns the Failed refund
// with no error. A gateway error leaves it Refunding and returns
// *orders.AmbiguousChargeError with Op "refund".
func (c *Coordinator) Refund(ctx context.Context, paymentID string, amount int64) (Refund, error) {
	p, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Refund{}, err
	}
	prev := p.Status
	if prev != StatusCompleted && prev != StatusRefundFailed {
		return Refund{}, &orders.InvalidPaymentStateError{PaymentID: p.ID, State: string(prev), Op: "refund"}
	}
	if amount <= 0 || amount > p.Amount {
		return Refund{}, fmt.Errorf("%w: refund amount %d outside (0, %d]", orders.ErrInvalidInput, amount, p.Amount)
	}

	now := c.clock()
	p.Status = StatusRefunding
	p.UpdatedAt = now
	if err := c.store.TransitionPayment(ctx, p, prev); err != nil {
		return Refund{}, err
	}

	r := Refund{
		ID:        c.newID(),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Amount:    amount,
		Status:    RefundPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateRefund(ctx, r); err != nil {
		// nothing has reached the gateway yet, so the payment can go back
		back := p
		back.Status = prev
		if rerr := c.store.TransitionPayment(ctx, back, StatusRefunding); rerr != nil {
			c.log.Error("refund rollback failed", zap.String("payment_id", p.ID), zap.Error(rerr))
		}
		return Refund{}, err
	}

	res, err := c.gateway.Refund(ctx, RefundRequest{
		TransactionID:  p.GatewayTransactionID,
		Amount:         amount,
		IdempotencyKey: r.ID,
	})
	if err != nil {
		c.log.Error("refund outcome unknown",
			zap.Bool("reconcile", true),
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("refund_id", r.ID),
			zap.Error(err))
		return r, &orders.AmbiguousChargeError{
			Op: "refund", OrderID: p.OrderID, PaymentID: p.ID, IdempotencyKey: r.ID, Err: err,
		}
	}

	now = c.clock()
	if res.Success {
		p.Status = StatusRefunded
		r.Status = RefundSucceeded
	} else {
		p.Status = StatusRefundFailed
		p.FailureReason = res.Error
		r.Status = RefundFailed
		r.FailureReason = res.Error
	}
	p.UpdatedAt = now
	r.UpdatedAt = now

	err = c.persist(ctx, func() error {
		if err := c.store.UpdateRefund(ctx, r); err != nil {
			return err
		}
		return c.store.TransitionPayment(ctx, p, StatusRefunding)
	})
	if err != nil {
		c.log.Error("refund result not persisted",
			zap.Bool("reconcile", true),
			zap.String("order_id", p.OrderID),
			zap.String("payment_id", p.ID),
			zap.String("refund_id", r.ID),
			zap.String("gateway_status", string(r.Status)),
			zap.Error(err))
		return r, &orders.ReconciliationRequiredError{
			OrderID: p.OrderID, PaymentID: p.ID, Detail: "refund result " + string(r.Status) + " not recorded", Err: err,
		}
	}
	return r, nil
}

// ResolvePayment records the known outcome of a Pending charge or a
// Refunding payment. Any other source state, or an outcome that does not
// belong to the pending call, returns *orders.InvalidPaymentStateError.
func (c *Coordinator) ResolvePayment(ctx context.Context, paymentID string, res Resolution) (Payment, error) {
	p, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	from := p.Status
	switch {
	case from == StatusPending && (res.Status == StatusCompleted || res.Status == StatusFailed):
	case from == StatusRefunding && (res.Status == StatusRefunded || res.Status == StatusRefundFailed):
	default:
		return Payment{}, &orders.InvalidPaymentStateError{PaymentID: p.ID, State: string(from), Op: "resolve to " + string(res.Status)}
	}
	if res.Status == StatusCompleted && res.TransactionID == "" {
		return Payment{}, fmt.Errorf("%w: a completed charge needs its gateway transaction id", orders.ErrInvalidInput)
	}

	now := c.clock()
	p.Status = res.Status
	p.UpdatedAt = now
	switch res.Status {
	case StatusCompleted:
		p.GatewayTransactionID = res.TransactionID
		p.FailureReason = ""
	case StatusFailed, StatusRefundFailed:
		p.FailureReason = res.Reason
	}
	if err := c.store.TransitionPayment(ctx, p, from); err != nil {
		return Payment{}, err
	}

	if from == StatusRefunding {
		refunds, err := c.store.ListRefunds(ctx, p.ID)
		if err != nil {
			return p, err
		}
		for _, r := range refunds {
			if r.Status != RefundPending {
				continue
			}
			r.Status = RefundSucceeded
			if res.Status == StatusRefundFailed {
				r.Status = RefundFailed
				r.FailureReason = res.Reason
			}
			r.UpdatedAt = now
			if err := c.persist(ctx, func() error { return c.store.UpdateRefund(ctx, r) }); err != nil {
				return p, err
			}
		}
	}
	c.log.Info("payment resolved",
		zap.String("order_id", p.OrderID),
		zap.String("payment_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(p.Status)))
	return p, nil
}

// OpenPaymentForOrder finds a payment whose gateway outcome is still
// unknown (Pending or Refunding). Such an order must not be charged again.
func (c *Coordinator) OpenPaymentForOrder(ctx context.Context, orderID string) (Payment, bool, error) {
	ps, err := c.store.ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, false, err
	}
	for _, p := range ps {
		if p.Status == StatusPending || p.Status == StatusRefunding {
			return p, true, nil
		}
	}
	return Payment{}, false, nil
}

// SettledPaymentForOrder returns the order's captured payment, which is the
// one a refund goes against.
func (c *Coordinator) SettledPaymentForOrder(ctx context.Context, orderID string) (Payment, error) {
	ps, err := c.store.ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, err
	}
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].Status == StatusCompleted || ps[i].Status == StatusRefundFailed {
			return ps[i], nil
		}
	}
	return Payment{}, fmt.Errorf("%w: no captured payment for order %s", orders.ErrPaymentNotFound, orderID)
}

func (c *Coordinator) GetPayment(ctx context.Context, id string) (Payment, error) {
	return c.store.GetPayment(ctx, id)
}

func (c *Coordinator) PaymentsForOrder(ctx context.Context, orderID string) ([]Payment, error) {
	return c.store.ListPaymentsByOrder(ctx, orderID)
}

func (c *Coordinator) Refunds(ctx context.Context, paymentID string) ([]Refund, error) {
	return c.store.ListRefunds(ctx, paymentID)
}

// persist retries a local write; state conflicts are not retried.
func (c *Coordinator) persist(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, orders.ErrInvalidPaymentState) || errors.Is(err, orders.ErrPaymentNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.retry(), ctx))
}
