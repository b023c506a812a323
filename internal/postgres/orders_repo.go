package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

type OrderRepo struct{ DB *pgxpool.Pool }

var _ orders.Repository = (*OrderRepo)(nil)

func (r *OrderRepo) Create(ctx context.Context, o orders.Order) error {
	return inTx(ctx, r.DB, func(tx pgx.Tx) error {
		op, until := leaseColumns(o.Lease)
		_, err := tx.Exec(ctx, `
			INSERT INTO orders(id, customer_id, status, payment_status, total_amount, tracking_ref,
			                   version, lease_operation, lease_until, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			o.ID, o.CustomerID, o.Status, o.PaymentStatus, o.TotalAmount, o.TrackingRef,
			o.Version, op, until, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			if code, _ := pgCode(err); code == codeUniqueViolation {
				return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidInput, o.ID)
			}
			return err
		}
		for i, li := range o.LineItems {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_items(order_id, position, product_id, quantity, unit_price)
				VALUES ($1,$2,$3,$4,$5)`, o.ID, i, li.ProductID, li.Quantity, li.UnitPrice); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OrderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	var (
		o     orders.Order
		op    *string
		until *time.Time
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, customer_id, status, payment_status, total_amount, tracking_ref,
		       version, lease_operation, lease_until, created_at, updated_at
		FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.CustomerID, &o.Status, &o.PaymentStatus, &o.TotalAmount, &o.TrackingRef,
			&o.Version, &op, &until, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	if op != nil && until != nil {
		o.Lease = &orders.Lease{Operation: *op, Until: *until}
	}

	rows, err := r.DB.Query(ctx, `
		SELECT product_id, quantity, unit_price FROM order_items
		WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return orders.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var li orders.LineItem
		if err := rows.Scan(&li.ProductID, &li.Quantity, &li.UnitPrice); err != nil {
			return orders.Order{}, err
		}
		o.LineItems = append(o.LineItems, li)
	}
	return o, rows.Err()
}

// Save writes the mutable columns only; line items never change after Create.
func (r *OrderRepo) Save(ctx context.Context, o orders.Order, expectedVersion int64, history ...orders.StatusHistory) error {
	if o.Version <= expectedVersion {
		return &orders.ConcurrentModificationError{Entity: "order", ID: o.ID, ExpectedVersion: expectedVersion}
	}
	return inTx(ctx, r.DB, func(tx pgx.Tx) error {
		op, until := leaseColumns(o.Lease)
		ct, err := tx.Exec(ctx, `
			UPDATE orders
			SET status=$3, payment_status=$4, tracking_ref=$5, version=$6,
			    lease_operation=$7, lease_until=$8, updated_at=$9
			WHERE id=$1 AND version=$2`,
			o.ID, expectedVersion, o.Status, o.PaymentStatus, o.TrackingRef, o.Version,
			op, until, o.UpdatedAt)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return orders.ErrOrderNotFound
			}
			return &orders.ConcurrentModificationError{Entity: "order", ID: o.ID, ExpectedVersion: expectedVersion}
		}
		for _, h := range history {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_status_history(id, order_id, from_status, to_status, reason, actor_id, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				h.ID, h.OrderID, h.FromStatus, h.ToStatus, h.Reason, h.ActorID, h.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OrderRepo) History(ctx context.Context, orderID string) ([]orders.StatusHistory, error) {
	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, orders.ErrOrderNotFound
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, from_status, to_status, reason, actor_id, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orders.StatusHistory
	for rows.Next() {
		var h orders.StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.FromStatus, &h.ToStatus, &h.Reason, &h.ActorID, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func leaseColumns(l *orders.Lease) (*string, *time.Time) {
	if l == nil {
		return nil, nil
	}
	op, until := l.Operation, l.Until
	return &op, &until
}
