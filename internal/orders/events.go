package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated         = "OrderCreated"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventPaymentStatusChanged = "PaymentStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // the order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID     string      `json:"order_id"`
	CustomerID  string      `json:"customer_id"`
	Items       []ItemPrice `json:"items"`
	TotalAmount int64       `json:"total_amount"`
	Version     int64       `json:"version"`
}

type OrderStatusChangedPayload struct {
	OrderID       string        `json:"order_id"`
	From          Status        `json:"from"`
	To            Status        `json:"to"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Reason        string        `json:"reason,omitempty"`
	ActorID       string        `json:"actor_id,omitempty"`
	Version       int64         `json:"version"`
}

type PaymentStatusChangedPayload struct {
	OrderID string        `json:"order_id"`
	Status  Status        `json:"status"`
	From    PaymentStatus `json:"from"`
	To      PaymentStatus `json:"to"`
	Amount  int64         `json:"amount"`
	Version int64         `json:"version"`
}

// NewEnvelope wraps payload for the order's partition.
func NewEnvelope(eventID, eventType, producer, orderID string, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}
