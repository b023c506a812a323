package orders

import (
	"fmt"
	"time"
)

// Transition describes a requested status change. PaymentStatus, when set,
// is applied together with the status so the pair is validated as one.
type Transition struct {
	To            Status
	PaymentStatus PaymentStatus
	Reason        string
	ActorID       string
}

// StateMachine validates and applies order status changes.
type StateMachine struct {
	clock func() time.Time
	newID func() string
}

func NewStateMachine(clock func() time.Time, newID func() string) *StateMachine {
	if clock == nil {
		clock = time.Now
	}
	return &StateMachine{clock: clock, newID: newID}
}

func (m *StateMachine) CanTransition(from, to Status) bool { return CanTransition(from, to) }

// Apply checks t against the transition table and the payment requirements,
// then mutates o (status, payment status, version, updatedAt) and returns the
// history entry to persist with it. On error o is left untouched.
func (m *StateMachine) Apply(o *Order, t Transition) (StatusHistory, error) {
	from := o.Status
	ps := o.PaymentStatus
	if t.PaymentStatus != "" {
		ps = t.PaymentStatus
	}
	if !CanTransition(from, t.To) {
		return StatusHistory{}, &InvalidTransitionError{OrderID: o.ID, From: from, To: t.To}
	}
	if RequiresPaid(t.To) && ps != PaymentPaid {
		return StatusHistory{}, &InvalidTransitionError{
			OrderID: o.ID, From: from, To: t.To,
			Reason: fmt.Sprintf("payment status is %s, want %s", ps, PaymentPaid),
		}
	}
	if !CompatiblePayment(t.To, ps) {
		return StatusHistory{}, &InvalidTransitionError{
			OrderID: o.ID, From: from, To: t.To,
			Reason: fmt.Sprintf("payment status %s not allowed in %s", ps, t.To),
		}
	}

	now := m.clock()
	o.Status = t.To
	o.PaymentStatus = ps
	o.Version++
	o.UpdatedAt = now
	return StatusHistory{
		ID:         m.newID(),
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   t.To,
		Reason:     t.Reason,
		ActorID:    t.ActorID,
		CreatedAt:  now,
	}, nil
}

// SetPaymentStatus changes only the payment status, keeping the order status.
func (m *StateMachine) SetPaymentStatus(o *Order, ps PaymentStatus) error {
	if !CompatiblePayment(o.Status, ps) {
		return &InvalidTransitionError{
			OrderID: o.ID, From: o.Status, To: o.Status,
			Reason: fmt.Sprintf("payment status %s not allowed in %s", ps, o.Status),
		}
	}
	o.PaymentStatus = ps
	o.Version++
	o.UpdatedAt = m.clock()
	return nil
}

// AcquireLease marks o as owned by op until now+ttl. The caller persists the
// result with a version-guarded write, which is what makes the claim exclusive.
func (m *StateMachine) AcquireLease(o *Order, op string, ttl time.Duration) error {
	now := m.clock()
	if o.Lease.Active(now) {
		return &ConcurrentModificationError{
			Entity: "order", ID: o.ID, ExpectedVersion: o.Version,
			Reason: fmt.Sprintf("operation %s in flight", o.Lease.Operation),
		}
	}
	o.Lease = &Lease{Operation: op, Until: now.Add(ttl)}
	o.Version++
	o.UpdatedAt = now
	return nil
}

// ClearLease drops the lease in memory; it is persisted with the next write.
func (m *StateMachine) ClearLease(o *Order) {
	if o.Lease == nil {
		return
	}
	o.Lease = nil
	o.Version++
	o.UpdatedAt = m.clock()
}

// CheckFree fails when another operation holds a live lease on o.
func (m *StateMachine) CheckFree(o Order) error {
	if o.Lease.Active(m.clock()) {
		return &ConcurrentModificationError{
			Entity: "order", ID: o.ID, ExpectedVersion: o.Version,
			Reason: fmt.Sprintf("operation %s in flight", o.Lease.Operation),
		}
	}
	return nil
}
