package orders

import (
	"fmt"
	"math"
	"time"
)

// LineItem amounts are in minor currency units (cents).
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

func (li LineItem) Subtotal() int64 { return int64(li.Quantity) * li.UnitPrice }

// Lease marks an order while a multi-step operation with external side
// effects (charge, refund) is in flight.
type Lease struct {
	Operation string
	Until     time.Time
}

func (l *Lease) Active(now time.Time) bool {
	return l != nil && now.Before(l.Until)
}

type Order struct {
	ID            string
	CustomerID    string
	Status        Status // see status.go
	PaymentStatus PaymentStatus
	LineItems     []LineItem
	TotalAmount   int64
	TrackingRef   string
	Version       int64
	Lease         *Lease
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StatusHistory struct {
	ID         string
	OrderID    string
	FromStatus Status
	ToStatus   Status
	Reason     string
	ActorID    string
	CreatedAt  time.Time
}

// NewOrder builds a Pending, Unpaid order at version 1.
func NewOrder(id, customerID string, items []LineItem, now time.Time) (Order, error) {
	if id == "" || customerID == "" {
		return Order{}, fmt.Errorf("%w: order id and customer id are required", ErrInvalidInput)
	}
	o := Order{
		ID:            id,
		CustomerID:    customerID,
		Status:        StatusPending,
		PaymentStatus: PaymentUnpaid,
		LineItems:     append([]LineItem(nil), items...),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.Recalculate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Recalculate validates the line items and recomputes TotalAmount.
func (o *Order) Recalculate() error {
	if len(o.LineItems) == 0 {
		return fmt.Errorf("%w: order has no line items", ErrInvalidInput)
	}
	var total int64
	for i, li := range o.LineItems {
		if li.ProductID == "" {
			return fmt.Errorf("%w: line %d has no product id", ErrInvalidInput, i)
		}
		if li.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidInput, i)
		}
		if li.UnitPrice < 0 {
			return fmt.Errorf("%w: line %d unit price must not be negative", ErrInvalidInput, i)
		}
		if li.UnitPrice > 0 && int64(li.Quantity) > math.MaxInt64/li.UnitPrice {
			return fmt.Errorf("%w: line %d subtotal overflows", ErrInvalidInput, i)
		}
		sub := li.Subtotal()
		if total > math.MaxInt64-sub {
			return fmt.Errorf("%w: order total overflows", ErrInvalidInput)
		}
		total += sub
	}
	o.TotalAmount = total
	return nil
}

// Clone returns a deep copy; stores hand out clones so callers never share slices.
func (o Order) Clone() Order {
	o.LineItems = append([]LineItem(nil), o.LineItems...)
	if o.Lease != nil {
		l := *o.Lease
		o.Lease = &l
	}
	return o
}
