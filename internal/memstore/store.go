// Package memstore keeps every persistence contract in process memory behind
// one mutex. Each method is a single critical section, which gives it the
// same atomicity the postgres store gets from transactions.
package memstore

import (
	"sync"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

var (
	_ orders.Repository = (*Store)(nil)
	_ inventory.Store   = (*Store)(nil)
	_ payments.Store    = (*Store)(nil)
)

type Store struct {
	mu sync.Mutex

	orders  map[string]orders.Order
	history map[string][]orders.StatusHistory

	records      map[string]inventory.Record
	reservations map[string]inventory.Reservation
	resOrder     []string // reservation ids in insertion order
	movements    []inventory.Movement

	payments    map[string]payments.Payment
	paymentKeys map[string]string
	payOrder    []string
	refunds     map[string]payments.Refund
	refundOrder []string

	seq int
}

func New() *Store {
	return &Store{
		orders:       map[string]orders.Order{},
		history:      map[string][]orders.StatusHistory{},
		records:      map[string]inventory.Record{},
		reservations: map[string]inventory.Reservation{},
		payments:     map[string]payments.Payment{},
		paymentKeys:  map[string]string{},
		refunds:      map[string]payments.Refund{},
	}
}
