package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

func (s *Store) CreatePayment(_ context.Context, p payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paymentKeys[p.IdempotencyKey]; ok {
		return payments.ErrDuplicateIdempotencyKey
	}
	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("%w: payment %s already exists", orders.ErrInvalidInput, p.ID)
	}
	s.payments[p.ID] = p
	s.paymentKeys[p.IdempotencyKey] = p.ID
	s.payOrder = append(s.payOrder, p.ID)
	return nil
}

func (s *Store) GetPayment(_ context.Context, id string) (payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return payments.Payment{}, orders.ErrPaymentNotFound
	}
	return p, nil
}

func (s *Store) GetPaymentByKey(_ context.Context, key string) (payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.paymentKeys[key]
	if !ok {
		return payments.Payment{}, orders.ErrPaymentNotFound
	}
	return s.payments[id], nil
}

func (s *Store) ListPaymentsByOrder(_ context.Context, orderID string) ([]payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Payment
	for _, id := range s.payOrder {
		if p := s.payments[id]; p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) TransitionPayment(_ context.Context, p payments.Payment, from ...payments.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[p.ID]
	if !ok {
		return orders.ErrPaymentNotFound
	}
	if !slices.Contains(from, cur.Status) {
		return &orders.InvalidPaymentStateError{PaymentID: p.ID, State: string(cur.Status), Op: "move to " + string(p.Status)}
	}
	cur.Status = p.Status
	cur.GatewayTransactionID = p.GatewayTransactionID
	cur.FailureReason = p.FailureReason
	cur.UpdatedAt = p.UpdatedAt
	s.payments[p.ID] = cur
	return nil
}

func (s *Store) CreateRefund(_ context.Context, r payments.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[r.PaymentID]; !ok {
		return orders.ErrPaymentNotFound
	}
	if _, ok := s.refunds[r.ID]; ok {
		return fmt.Errorf("%w: refund %s already exists", orders.ErrInvalidInput, r.ID)
	}
	s.refunds[r.ID] = r
	s.refundOrder = append(s.refundOrder, r.ID)
	return nil
}

func (s *Store) UpdateRefund(_ context.Context, r payments.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.refunds[r.ID]
	if !ok {
		return fmt.Errorf("%w: refund %s", orders.ErrPaymentNotFound, r.ID)
	}
	cur.Status = r.Status
	cur.FailureReason = r.FailureReason
	cur.UpdatedAt = r.UpdatedAt
	s.refunds[r.ID] = cur
	return nil
}

func (s *Store) ListRefunds(_ context.Context, paymentID string) ([]payments.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Refund
	for _, id := range s.refundOrder {
		if r := s.refunds[id]; r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}
