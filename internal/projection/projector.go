// Package projection keeps the order status read model in step with the
// lifecycle event stream.
package projection

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-order-lifecycle/internal/kafka"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/redisx"
)

type Cache interface {
	Put(ctx context.Context, s redisx.StatusSnapshot) (bool, error)
}

type Dedup interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Projector struct {
	Cache  Cache
	Dedup  Dedup
	Logger *zap.Logger
}

// Handle is a kafka.Handler. Unknown event types are skipped; malformed
// messages are logged and skipped so they do not block the partition.
func (p *Projector) Handle(ctx context.Context, m kafkago.Message) error {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Warn("skip malformed message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	var snap redisx.StatusSnapshot
	switch env.EventType {
	case orders.EventOrderCreated:
		pl, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			log.Warn("skip malformed payload", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		snap = redisx.StatusSnapshot{
			OrderID: pl.OrderID, Status: string(orders.StatusPending),
			PaymentStatus: string(orders.PaymentUnpaid), Version: pl.Version,
		}
	case orders.EventOrderStatusChanged:
		pl, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			log.Warn("skip malformed payload", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		snap = redisx.StatusSnapshot{
			OrderID: pl.OrderID, Status: string(pl.To),
			PaymentStatus: string(pl.PaymentStatus), Version: pl.Version,
		}
	case orders.EventPaymentStatusChanged:
		pl, err := kafkax.UnwrapPayload[orders.PaymentStatusChangedPayload](env.Payload)
		if err != nil {
			log.Warn("skip malformed payload", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		snap = redisx.StatusSnapshot{
			OrderID: pl.OrderID, Status: string(pl.Status),
			PaymentStatus: string(pl.To), Version: pl.Version,
		}
	default:
		return nil
	}
	snap.UpdatedAt = env.OccurredAt

	if p.Dedup != nil {
		first, err := p.Dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}
	if _, err := p.Cache.Put(ctx, snap); err != nil {
		if p.Dedup != nil {
			if ferr := p.Dedup.Forget(ctx, env.EventID); ferr != nil {
				log.Warn("dedup forget", zap.String("event_id", env.EventID), zap.Error(ferr))
			}
		}
		return err
	}
	return nil
}
