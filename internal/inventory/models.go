package inventory

import "time"

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationCommitted ReservationStatus = "COMMITTED"
)

// Record holds stock counters for one product. 0 <= Reserved <= OnHand.
type Record struct {
	ProductID string
	OnHand    int
	Reserved  int
	UpdatedAt time.Time
}

func (r Record) Available() int { return r.OnHand - r.Reserved }

type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether an Active reservation is past its expiry and
// waiting for the sweeper.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationActive && !now.Before(r.ExpiresAt)
}

type MovementKind string

const (
	MovementRestock MovementKind = "RESTOCK"
	MovementReserve MovementKind = "RESERVE"
	MovementRelease MovementKind = "RELEASE"
	MovementExpire  MovementKind = "EXPIRE"
	MovementCommit  MovementKind = "COMMIT"
)

// Movement is one audit row per counter change, written in the same
// transaction as the change.
type Movement struct {
	ID            string
	ProductID     string
	ReservationID string
	Kind          MovementKind
	OnHandDelta   int
	ReservedDelta int
	CreatedAt     time.Time
}

type StockLevel struct {
	ProductID string
	OnHand    int
	Reserved  int
	Available int
	LowStock  bool
}

// ReservationFilter narrows ListReservations. Zero fields match everything.
type ReservationFilter struct {
	OrderID       string
	Status        ReservationStatus
	ExpiresBefore time.Time // inclusive: ExpiresAt <= ExpiresBefore
	Limit         int
}

func (f ReservationFilter) Match(r Reservation) bool {
	if f.OrderID != "" && r.OrderID != f.OrderID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.ExpiresBefore.IsZero() && r.ExpiresAt.After(f.ExpiresBefore) {
		return false
	}
	return true
}
