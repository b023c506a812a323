package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids per consuming service.
type Dedup struct {
	rdb     redis.Cmdable
	service string
}

func NewDedup(rdb redis.Cmdable, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service}
}

// FirstSeen marks eventID as seen and reports whether this call was the first.
// SETNX makes the check and the mark one step.
func (d *Dedup) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.service, eventID), "1", TTLDedup).Result()
}

// Forget drops the mark so a redelivery is processed again.
func (d *Dedup) Forget(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.service, eventID)).Err()
}
