package memstore

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

func (s *Store) Create(_ context.Context, o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidInput, o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *Store) Save(_ context.Context, o orders.Order, expectedVersion int64, history ...orders.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[o.ID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if cur.Version != expectedVersion || o.Version <= expectedVersion {
		return &orders.ConcurrentModificationError{Entity: "order", ID: o.ID, ExpectedVersion: expectedVersion}
	}
	s.orders[o.ID] = o.Clone()
	s.history[o.ID] = append(s.history[o.ID], history...)
	return nil
}

func (s *Store) History(_ context.Context, orderID string) ([]orders.StatusHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return nil, orders.ErrOrderNotFound
	}
	return append([]orders.StatusHistory(nil), s.history[orderID]...), nil
}
