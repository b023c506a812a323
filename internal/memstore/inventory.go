package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

func (s *Store) GetRecord(_ context.Context, productID string) (inventory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[productID]
	if !ok {
		return inventory.Record{}, orders.ErrProductNotFound
	}
	return rec, nil
}

func (s *Store) Restock(_ context.Context, productID string, delta int, now time.Time) (inventory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[productID]
	if !ok {
		rec = inventory.Record{ProductID: productID}
	}
	if rec.OnHand+delta < rec.Reserved || rec.OnHand+delta < 0 {
		return inventory.Record{}, fmt.Errorf("%w: on hand for %s would drop below reserved", orders.ErrInvalidInput, productID)
	}
	rec.OnHand += delta
	rec.UpdatedAt = now
	s.records[productID] = rec
	s.move(productID, "", inventory.MovementRestock, delta, 0, now)
	return rec, nil
}

func (s *Store) Reserve(_ context.Context, res inventory.Reservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[res.ProductID]
	if !ok {
		return false, orders.ErrProductNotFound
	}
	if rec.Reserved+res.Quantity > rec.OnHand {
		return false, nil
	}
	if _, dup := s.reservations[res.ID]; dup {
		return false, fmt.Errorf("%w: reservation %s already exists", orders.ErrInvalidInput, res.ID)
	}
	rec.Reserved += res.Quantity
	rec.UpdatedAt = res.CreatedAt
	s.records[res.ProductID] = rec
	s.reservations[res.ID] = res
	s.resOrder = append(s.resOrder, res.ID)
	s.move(res.ProductID, res.ID, inventory.MovementReserve, 0, res.Quantity, res.CreatedAt)
	return true, nil
}

func (s *Store) Release(_ context.Context, id string, now time.Time, kind inventory.MovementKind) (inventory.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return inventory.Reservation{}, false, orders.ErrReservationNotFound
	}
	if res.Status != inventory.ReservationActive {
		return res, false, nil
	}
	res.Status = inventory.ReservationReleased
	res.UpdatedAt = now
	s.reservations[id] = res

	rec := s.records[res.ProductID]
	rec.Reserved -= res.Quantity
	rec.UpdatedAt = now
	s.records[res.ProductID] = rec
	s.move(res.ProductID, res.ID, kind, 0, -res.Quantity, now)
	return res, true, nil
}

func (s *Store) CommitAll(_ context.Context, ids []string, now time.Time) ([]inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("%w: reservation %s listed twice", orders.ErrInvalidInput, id)
		}
		seen[id] = true
		res, ok := s.reservations[id]
		if !ok {
			return nil, orders.ErrReservationNotFound
		}
		if res.Status != inventory.ReservationActive {
			return nil, &orders.InvalidReservationStateError{ReservationID: id, State: string(res.Status)}
		}
	}
	out := make([]inventory.Reservation, 0, len(ids))
	for _, id := range ids {
		res := s.reservations[id]
		res.Status = inventory.ReservationCommitted
		res.UpdatedAt = now
		s.reservations[id] = res

		rec := s.records[res.ProductID]
		rec.OnHand -= res.Quantity
		rec.Reserved -= res.Quantity
		rec.UpdatedAt = now
		s.records[res.ProductID] = rec
		s.move(res.ProductID, res.ID, inventory.MovementCommit, -res.Quantity, -res.Quantity, now)
		out = append(out, res)
	}
	return out, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return inventory.Reservation{}, orders.ErrReservationNotFound
	}
	return res, nil
}

func (s *Store) ListReservations(_ context.Context, f inventory.ReservationFilter) ([]inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Reservation
	for _, id := range s.resOrder {
		res := s.reservations[id]
		if !f.Match(res) {
			continue
		}
		out = append(out, res)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Movement
	for _, m := range s.movements {
		if productID != "" && m.ProductID != productID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// move appends an audit row; callers hold s.mu.
func (s *Store) move(productID, reservationID string, kind inventory.MovementKind, onHand, reserved int, at time.Time) {
	s.seq++
	s.movements = append(s.movements, inventory.Movement{
		ID:            fmt.Sprintf("mv-%d", s.seq),
		ProductID:     productID,
		ReservationID: reservationID,
		Kind:          kind,
		OnHandDelta:   onHand,
		ReservedDelta: reserved,
		CreatedAt:     at,
	})
}
