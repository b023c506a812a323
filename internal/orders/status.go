package orders

import "slices"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every order status in declaration order.
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusRefunded,
	StatusFailed,
}

type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "UNPAID"
	PaymentAuthorized PaymentStatus = "AUTHORIZED"
	PaymentPaid       PaymentStatus = "PAID"
	PaymentRefunding  PaymentStatus = "REFUNDING"
	PaymentRefunded   PaymentStatus = "REFUNDED"
	PaymentFailed     PaymentStatus = "PAYMENT_FAILED"
)

var PaymentStatuses = []PaymentStatus{
	PaymentUnpaid,
	PaymentAuthorized,
	PaymentPaid,
	PaymentRefunding,
	PaymentRefunded,
	PaymentFailed,
}

// validNext is the fixed transition graph. Lookups are exact membership
// checks; statuses carry no ordering.
var validNext = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusFailed},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {StatusRefunded},
	StatusCancelled:  {},
	StatusRefunded:   {},
	StatusFailed:     {StatusPending},
}

// requiresPaid lists the statuses that can only be entered once the order is paid.
var requiresPaid = map[Status]bool{
	StatusConfirmed:  true,
	StatusProcessing: true,
	StatusShipped:    true,
	StatusDelivered:  true,
}

// compatiblePayment restricts which payment statuses may accompany an order status.
var compatiblePayment = map[Status][]PaymentStatus{
	StatusPending:    {PaymentUnpaid, PaymentAuthorized, PaymentFailed},
	StatusConfirmed:  {PaymentPaid},
	StatusProcessing: {PaymentPaid},
	StatusShipped:    {PaymentPaid},
	StatusDelivered:  {PaymentPaid},
	StatusCancelled:  {PaymentUnpaid, PaymentAuthorized, PaymentPaid, PaymentRefunded, PaymentFailed},
	StatusRefunded:   {PaymentRefunded},
	StatusFailed:     {PaymentUnpaid, PaymentFailed, PaymentRefunding, PaymentRefunded},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (p PaymentStatus) Valid() bool {
	return slices.Contains(PaymentStatuses, p)
}

func CanTransition(from, to Status) bool {
	return slices.Contains(validNext[from], to)
}

// AllowedTransitions returns the legal targets from the given status.
func AllowedTransitions(from Status) []Status {
	return slices.Clone(validNext[from])
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s Status) bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// CompatiblePayment reports whether the (status, paymentStatus) pair may be persisted.
func CompatiblePayment(s Status, p PaymentStatus) bool {
	return slices.Contains(compatiblePayment[s], p)
}

// RequiresPaid reports whether entering s needs paymentStatus == PAID.
func RequiresPaid(s Status) bool {
	return requiresPaid[s]
}
