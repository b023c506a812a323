package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is processed and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	log     *zap.Logger
	retry   func() backoff.BackOff
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r:       r,
		workers: workers,
		log:     log.Named("kafka.consumer"),
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Start fetches messages and fans them out to the worker pool until ctx is
// done. A partition always lands on the same worker, which handles its
// messages in order and retries a failing one until it succeeds, so an
// offset is committed only after everything before it was handled.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if err := c.handle(wctx, id, h, m); err != nil {
					// shutting down; nothing after m may be committed
					return
				}
				if err := c.r.CommitMessages(wctx, m); err != nil && wctx.Err() == nil {
					c.log.Error("commit offset", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
				}
			}
		}(i, lanes[i])
	}
	// stop abandons queued work; uncommitted messages are redelivered
	stop := func() {
		cancel()
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle runs h until it succeeds. It only gives up when ctx is done, in
// which case the offset stays uncommitted and the message is redelivered.
func (c *Consumer) handle(ctx context.Context, worker int, h Handler, m kafka.Message) error {
	return backoff.RetryNotify(func() error {
		return h(ctx, m)
	}, backoff.WithContext(c.retry(), ctx), func(err error, wait time.Duration) {
		c.log.Error("handle message",
			zap.Int("worker", worker),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
}
