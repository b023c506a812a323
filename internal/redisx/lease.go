package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseIfHolder = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a single-key lease (SET NX PX) with a holder token, so only the
// holder can release it.
type Locker struct {
	rdb redis.Cmdable
}

func NewLocker(rdb redis.Cmdable) *Locker { return &Locker{rdb: rdb} }

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := fmt.Sprintf(KeyLease, name)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	unlock := func(ctx context.Context) error {
		return releaseIfHolder.Run(ctx, l.rdb, []string{key}, token).Err()
	}
	return unlock, true, nil
}
