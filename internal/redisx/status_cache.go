package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusSnapshot is the cached read model of one order.
type StatusSnapshot struct {
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// putIfNewer writes ARGV[1] unless the cached snapshot has a version >= ARGV[2].
var putIfNewer = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and doc["version"] and tonumber(doc["version"]) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

// Put stores s unless a snapshot with the same or a later version is cached.
// Events can arrive out of order across redeliveries; versions decide.
func (c *StatusCache) Put(ctx context.Context, s StatusSnapshot) (bool, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	key := fmt.Sprintf(KeyOrderStatus, s.OrderID)
	n, err := putIfNewer.Run(ctx, c.rdb, []string{key}, b, s.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusSnapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusSnapshot{}, false, nil
	}
	if err != nil {
		return StatusSnapshot{}, false, err
	}
	var s StatusSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return StatusSnapshot{}, false, err
	}
	return s, true, nil
}
