package payments

import (
	"context"
	"errors"
)

var ErrDuplicateIdempotencyKey = errors.New("payments: duplicate idempotency key")

// Store persists payments and refunds.
type Store interface {
	// CreatePayment returns ErrDuplicateIdempotencyKey when the key is taken.
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByKey(ctx context.Context, key string) (Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error)

	// TransitionPayment overwrites the mutable fields of p only when the
	// stored status is one of from. Otherwise it returns
	// *orders.InvalidPaymentStateError carrying the stored status.
	TransitionPayment(ctx context.Context, p Payment, from ...Status) error

	CreateRefund(ctx context.Context, r Refund) error
	UpdateRefund(ctx context.Context, r Refund) error
	ListRefunds(ctx context.Context, paymentID string) ([]Refund, error)
}
