package payments

import "context"

type ChargeRequest struct {
	OrderID        string
	Amount         int64
	IdempotencyKey string
	PaymentMethod  string
}

// ChargeResult is a definitive answer from the gateway. Success=false is a decline.
type ChargeResult struct {
	Success       bool
	TransactionID string
	Error         string
}

type RefundRequest struct {
	TransactionID  string
	Amount         int64
	IdempotencyKey string
}

type RefundResult struct {
	Success bool
	Error   string
}

// Gateway talks to the payment processor. A non-nil error means the outcome
// is unknown (timeout, connection reset); the charge may or may not have happened.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
