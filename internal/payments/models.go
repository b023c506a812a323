package payments

import "time"

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusRefunding    Status = "REFUNDING"
	StatusRefunded     Status = "REFUNDED"
	StatusRefundFailed Status = "REFUND_FAILED"
)

// Payment is one charge attempt. IdempotencyKey is unique across payments.
type Payment struct {
	ID                   string
	OrderID              string
	Amount               int64
	Status               Status
	IdempotencyKey       string
	GatewayTransactionID string
	FailureReason        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

type Refund struct {
	ID            string
	PaymentID     string
	OrderID       string
	Amount        int64
	Status        RefundStatus
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Resolution is the outcome of a charge or refund whose gateway result was
// unknown at the time, as later confirmed by an operator or the gateway.
type Resolution struct {
	// Status is COMPLETED or FAILED for a charge, REFUNDED or REFUND_FAILED
	// for a refund.
	Status        Status
	TransactionID string
	Reason        string
}
