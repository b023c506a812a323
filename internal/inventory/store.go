package inventory

import (
	"context"
	"time"
)

// Store is the persistence contract of the ledger. Every method that changes
// counters does so atomically together with its reservation row and its
// movement row.
type Store interface {
	// GetRecord returns orders.ErrProductNotFound for unknown products.
	GetRecord(ctx context.Context, productID string) (Record, error)

	// Restock adds delta to on-hand, creating the record when missing.
	// The result may not drop on-hand below reserved.
	Restock(ctx context.Context, productID string, delta int, now time.Time) (Record, error)

	// Reserve raises reserved by res.Quantity iff reserved+quantity <= on_hand
	// and inserts res. ok is false when the condition does not hold.
	Reserve(ctx context.Context, res Reservation) (ok bool, err error)

	// Release flips an Active reservation to Released and gives its quantity
	// back. released is false (and nothing changes) when it was not Active.
	Release(ctx context.Context, reservationID string, now time.Time, kind MovementKind) (res Reservation, released bool, err error)

	// CommitAll flips every reservation from Active to Committed and deducts
	// its quantity from on-hand and reserved. If any id is not Active nothing
	// is changed and *orders.InvalidReservationStateError is returned.
	CommitAll(ctx context.Context, reservationIDs []string, now time.Time) ([]Reservation, error)

	GetReservation(ctx context.Context, id string) (Reservation, error)
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	ListMovements(ctx context.Context, productID string, limit int) ([]Movement, error)
}
