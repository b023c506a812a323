package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> StatusSnapshot json
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Distributed lease: lease:{name} -> holder token
	KeyLease = "lease:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
