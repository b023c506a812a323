package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Locker hands out a short exclusive lease so only one sweeper instance runs
// a pass at a time. ok is false when another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

const SweeperLockKey = "inventory:sweeper"

type Sweeper struct {
	Ledger   *Ledger
	Interval time.Duration
	Locker   Locker // optional
	Logger   *zap.Logger
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log := s.logger()
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs a single pass, skipping it when another instance holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	log := s.logger()
	if s.Locker != nil {
		unlock, ok, err := s.Locker.TryLock(ctx, SweeperLockKey, s.lockTTL())
		if err != nil {
			return 0, err
		}
		if !ok {
			log.Debug("sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("sweeper unlock", zap.Error(err))
			}
		}()
	}

	n, err := s.Ledger.SweepExpired(ctx)
	if n > 0 {
		log.Info("sweep released expired reservations", zap.Int("count", n))
	}
	return n, err
}

func (s *Sweeper) lockTTL() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Minute
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
