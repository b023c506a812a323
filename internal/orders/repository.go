package orders

import "context"

// Repository persists orders and their status history.
//
// Save is a version-guarded write: it stores o only when the stored version
// equals expectedVersion, and inserts history in the same transaction.
// A mismatch returns *ConcurrentModificationError.
type Repository interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	Save(ctx context.Context, o Order, expectedVersion int64, history ...StatusHistory) error
	History(ctx context.Context, orderID string) ([]StatusHistory, error)
}
