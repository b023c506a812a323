package orders

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrInvalidInput        = errors.New("invalid input")

	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAmbiguousCharge        = errors.New("ambiguous gateway outcome")
	ErrInvalidPaymentState    = errors.New("invalid payment state")
	ErrInvalidReservation     = errors.New("invalid reservation state")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrReconciliation         = errors.New("reconciliation required")
)

// InvalidTransitionError is returned when a status change is not in the
// transition table or would leave the order with an incompatible payment status.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type InsufficientStockError struct {
	OrderID   string
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// ConcurrentModificationError means the stored version moved on, or another
// operation holds the order's lease.
type ConcurrentModificationError struct {
	Entity          string
	ID              string
	ExpectedVersion int64
	Reason          string
}

func (e *ConcurrentModificationError) Error() string {
	msg := fmt.Sprintf("%s %s modified concurrently (expected version %d)", e.Entity, e.ID, e.ExpectedVersion)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConcurrentModificationError) Is(target error) bool { return target == ErrConcurrentModification }

// AmbiguousChargeError reports a gateway call whose outcome is unknown. The
// payment is left Pending (charge) or Refunding (refund) for reconciliation.
type AmbiguousChargeError struct {
	Op             string
	OrderID        string
	PaymentID      string
	IdempotencyKey string
	Err            error
}

func (e *AmbiguousChargeError) Error() string {
	msg := fmt.Sprintf("%s for order %s has unknown outcome (payment %s)", e.Op, e.OrderID, e.PaymentID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AmbiguousChargeError) Is(target error) bool { return target == ErrAmbiguousCharge }
func (e *AmbiguousChargeError) Unwrap() error        { return e.Err }

type InvalidPaymentStateError struct {
	PaymentID string
	State     string
	Op        string
}

func (e *InvalidPaymentStateError) Error() string {
	return fmt.Sprintf("payment %s: cannot %s from state %s", e.PaymentID, e.Op, e.State)
}

func (e *InvalidPaymentStateError) Is(target error) bool { return target == ErrInvalidPaymentState }

type InvalidReservationStateError struct {
	ReservationID string
	State         string
}

func (e *InvalidReservationStateError) Error() string {
	return fmt.Sprintf("reservation %s is %s", e.ReservationID, e.State)
}

func (e *InvalidReservationStateError) Is(target error) bool { return target == ErrInvalidReservation }

// PaymentDeclinedError is a definitive refusal from the gateway.
type PaymentDeclinedError struct {
	Op        string
	OrderID   string
	PaymentID string
	Reason    string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("%s declined for order %s: %s", e.Op, e.OrderID, e.Reason)
}

func (e *PaymentDeclinedError) Is(target error) bool { return target == ErrPaymentDeclined }

// ReconciliationRequiredError is returned when an external side effect
// happened but local state could not be brought in line with it.
type ReconciliationRequiredError struct {
	OrderID   string
	PaymentID string
	Detail    string
	Err       error
}

func (e *ReconciliationRequiredError) Error() string {
	msg := fmt.Sprintf("order %s needs reconciliation: %s", e.OrderID, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconciliationRequiredError) Is(target error) bool { return target == ErrReconciliation }
func (e *ReconciliationRequiredError) Unwrap() error        { return e.Err }
