package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

// emit publishes one OrderStatusChanged per history entry and a
// PaymentStatusChanged when the payment status moved.
//
// Every Apply bumps the version by one, so entry i of n was written at
// o.Version-(n-1-i). Readers that keep the highest version then settle on
// the last entry.
func (s *Service) emit(ctx context.Context, o orders.Order, paymentBefore orders.PaymentStatus, amount int64, hist ...orders.StatusHistory) {
	for i, h := range hist {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(h.FromStatus)),
			attribute.String("to", string(h.ToStatus)),
		))
		s.publish(ctx, o.ID, orders.EventOrderStatusChanged, orders.OrderStatusChangedPayload{
			OrderID:       o.ID,
			From:          h.FromStatus,
			To:            h.ToStatus,
			PaymentStatus: o.PaymentStatus,
			Reason:        h.Reason,
			ActorID:       h.ActorID,
			Version:       o.Version - int64(len(hist)-1-i),
		})
	}
	if o.PaymentStatus != paymentBefore {
		s.publish(ctx, o.ID, orders.EventPaymentStatusChanged, orders.PaymentStatusChangedPayload{
			OrderID: o.ID,
			Status:  o.Status,
			From:    paymentBefore,
			To:      o.PaymentStatus,
			Amount:  amount,
			Version: o.Version,
		})
	}
}

func (s *Service) publish(ctx context.Context, orderID, eventType string, payload any) {
	if s.notifier == nil {
		return
	}
	env, err := orders.NewEnvelope(s.newID(), eventType, s.producer, orderID, s.clock(), payload)
	if err != nil {
		s.log.Error("encode event", zap.String("order_id", orderID), zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env.TraceID = traceID(ctx)
	if err := s.notifier.Publish(ctx, env); err != nil {
		s.log.Error("publish event",
			zap.String("order_id", orderID),
			zap.String("event_type", eventType),
			zap.String("event_id", env.EventID),
			zap.Error(err))
	}
}
