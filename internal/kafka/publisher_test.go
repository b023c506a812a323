package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

type captureSink struct {
	key     []byte
	value   []byte
	headers []kafka.Header
}

func (c *captureSink) Publish(key, value []byte, headers ...kafka.Header) error {
	c.key, c.value, c.headers = key, value, headers
	return nil
}

func TestPublisherKeysByOrder(t *testing.T) {
	sink := &captureSink{}
	env, err := orders.NewEnvelope("ev-1", orders.EventOrderStatusChanged, "order-api", "o-1",
		time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		orders.OrderStatusChangedPayload{OrderID: "o-1", From: orders.StatusPending, To: orders.StatusConfirmed, Version: 3})
	require.NoError(t, err)

	require.NoError(t, NewPublisher(sink).Publish(context.Background(), env))
	assert.Equal(t, []byte("o-1"), sink.key)
	assert.Equal(t, []kafka.Header{
		{Key: "event_type", Value: []byte(orders.EventOrderStatusChanged)},
		{Key: "event_id", Value: []byte("ev-1")},
	}, sink.headers)

	back, err := UnmarshalEnvelope(sink.value)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", back.EventID)
	p, err := UnwrapPayload[orders.OrderStatusChangedPayload](back.Payload)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, p.To)
	assert.Equal(t, int64(3), p.Version)
}
