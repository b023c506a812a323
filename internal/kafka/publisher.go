package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

// MessageSink accepts encoded messages; *Producer is the production sink.
type MessageSink interface {
	Publish(key, value []byte, headers ...kafka.Header) error
}

// Publisher sends lifecycle envelopes keyed by order id, so every event of
// one order lands on the same partition in order.
type Publisher struct {
	sink MessageSink
}

func NewPublisher(sink MessageSink) *Publisher { return &Publisher{sink: sink} }

func (p *Publisher) Publish(_ context.Context, env orders.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.sink.Publish(orders.PartitionKey(env.CorrelationID), b,
		kafka.Header{Key: "event_type", Value: []byte(env.EventType)},
		kafka.Header{Key: "event_id", Value: []byte(env.EventID)},
	)
}
