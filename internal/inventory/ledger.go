package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

const (
	DefaultReservationTTL = 15 * time.Minute
	DefaultSweepBatch     = 500
)

// LedgerDeps bundles the collaborators required to construct a Ledger.
type LedgerDeps struct {
	Store             Store
	Clock             func() time.Time
	IDGenerator       func() string
	ReservationTTL    time.Duration
	LowStockThreshold int
	SweepBatch        int
	Logger            *zap.Logger
}

// Ledger owns stock counts and reservations. Availability checks and counter
// updates are single atomic store operations, so concurrent callers can never
// reserve more than is on hand.
type Ledger struct {
	store     Store
	clock     func() time.Time
	newID     func() string
	ttl       time.Duration
	lowStock  int
	batch     int
	log       *zap.Logger
	rejected  metric.Int64Counter
	reserveOK metric.Int64Counter
}

func NewLedger(deps LedgerDeps) (*Ledger, error) {
	if deps.Store == nil {
		return nil, errors.New("inventory ledger: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	batch := deps.SweepBatch
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	meter := otel.Meter("github.com/ariefcatur/go-order-lifecycle/internal/inventory")
	rejected, err := meter.Int64Counter("inventory.reservations.rejected",
		metric.WithDescription("reservations refused for insufficient stock"))
	if err != nil {
		rejected = noop.Int64Counter{}
	}
	reserveOK, err := meter.Int64Counter("inventory.reservations.created")
	if err != nil {
		reserveOK = noop.Int64Counter{}
	}

	return &Ledger{
		store:     deps.Store,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		ttl:       ttl,
		lowStock:  deps.LowStockThreshold,
		batch:     batch,
		log:       log.Named("inventory"),
		rejected:  rejected,
		reserveOK: reserveOK,
	}, nil
}

// Reserve holds quantity units of productID for orderID until the
// reservation expires, is released, or is committed.
func (l *Ledger) Reserve(ctx context.Context, productID string, quantity int, orderID string) (Reservation, error) {
	if productID == "" || orderID == "" {
		return Reservation{}, fmt.Errorf("%w: product id and order id are required", orders.ErrInvalidInput)
	}
	if quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity must be positive", orders.ErrInvalidInput)
	}

	now := l.clock()
	res := Reservation{
		ID:        l.newID(),
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		Status:    ReservationActive,
		ExpiresAt: now.Add(l.ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ok, err := l.store.Reserve(ctx, res)
	if errors.Is(err, orders.ErrProductNotFound) {
		// a product that was never stocked has nothing available
		ok, err = false, nil
	}
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		available := 0
		if rec, err := l.store.GetRecord(ctx, productID); err == nil {
			available = rec.Available()
		}
		l.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("product_id", productID)))
		return Reservation{}, &orders.InsufficientStockError{
			OrderID:   orderID,
			ProductID: productID,
			Requested: quantity,
			Available: available,
		}
	}
	l.reserveOK.Add(ctx, 1)
	return res, nil
}

// Release returns an Active reservation's quantity to available stock.
// Releasing a reservation that is already Released or Committed is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID string) (Reservation, error) {
	res, _, err := l.store.Release(ctx, reservationID, l.clock(), MovementRelease)
	return res, err
}

// Commit converts one Active reservation into a permanent deduction.
func (l *Ledger) Commit(ctx context.Context, reservationID string) (Reservation, error) {
	out, err := l.CommitAll(ctx, []string{reservationID})
	if err != nil {
		return Reservation{}, err
	}
	return out[0], nil
}

// CommitAll commits every reservation or none of them.
func (l *Ledger) CommitAll(ctx context.Context, reservationIDs []string) ([]Reservation, error) {
	if len(reservationIDs) == 0 {
		return nil, fmt.Errorf("%w: no reservations to commit", orders.ErrInvalidInput)
	}
	return l.store.CommitAll(ctx, reservationIDs, l.clock())
}

// ReleaseForOrder releases every Active reservation held by orderID and
// reports how many were released.
func (l *Ledger) ReleaseForOrder(ctx context.Context, orderID string) (int, error) {
	active, err := l.store.ListReservations(ctx, ReservationFilter{OrderID: orderID, Status: ReservationActive})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, r := range active {
		_, released, err := l.store.Release(ctx, r.ID, l.clock(), MovementRelease)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", r.ID, err))
			continue
		}
		if released {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ActiveForOrder lists the order's reservations that still hold stock.
func (l *Ledger) ActiveForOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	return l.store.ListReservations(ctx, ReservationFilter{OrderID: orderID, Status: ReservationActive})
}

// CommittedForOrder lists the order's reservations already deducted from
// stock.
func (l *Ledger) CommittedForOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	return l.store.ListReservations(ctx, ReservationFilter{OrderID: orderID, Status: ReservationCommitted})
}

// SweepExpired releases Active reservations whose expiry has passed, in
// batches, until none are left. Reservations are only counted once released.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		now := l.clock()
		expired, err := l.store.ListReservations(ctx, ReservationFilter{
			Status:        ReservationActive,
			ExpiresBefore: now,
			Limit:         l.batch,
		})
		if err != nil {
			return total, err
		}
		for _, r := range expired {
			_, released, err := l.store.Release(ctx, r.ID, now, MovementExpire)
			if err != nil {
				return total, fmt.Errorf("expire %s: %w", r.ID, err)
			}
			if released {
				total++
				l.log.Info("reservation expired",
					zap.String("reservation_id", r.ID),
					zap.String("order_id", r.OrderID),
					zap.String("product_id", r.ProductID),
					zap.Int("quantity", r.Quantity))
			}
		}
		if len(expired) < l.batch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Restock adds delta units on hand. A negative delta records shrinkage and
// fails if it would leave on-hand below what is reserved.
func (l *Ledger) Restock(ctx context.Context, productID string, delta int) (StockLevel, error) {
	if productID == "" || delta == 0 {
		return StockLevel{}, fmt.Errorf("%w: product id and non-zero delta are required", orders.ErrInvalidInput)
	}
	rec, err := l.store.Restock(ctx, productID, delta, l.clock())
	if err != nil {
		return StockLevel{}, err
	}
	return l.level(rec), nil
}

// GetAvailableStock reads the counters. Expired reservations that the
// sweeper has not reached yet still count as reserved.
func (l *Ledger) GetAvailableStock(ctx context.Context, productID string) (StockLevel, error) {
	rec, err := l.store.GetRecord(ctx, productID)
	if err != nil {
		return StockLevel{}, err
	}
	return l.level(rec), nil
}

func (l *Ledger) GetReservation(ctx context.Context, id string) (Reservation, error) {
	return l.store.GetReservation(ctx, id)
}

func (l *Ledger) Movements(ctx context.Context, productID string, limit int) ([]Movement, error) {
	return l.store.ListMovements(ctx, productID, limit)
}

func (l *Ledger) level(rec Record) StockLevel {
	avail := rec.Available()
	return StockLevel{
		ProductID: rec.ProductID,
		OnHand:    rec.OnHand,
		Reserved:  rec.Reserved,
		Available: avail,
		LowStock:  avail <= l.lowStock,
	}
}
