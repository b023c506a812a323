package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
)

// InventoryRepo keeps counters and reservations in one database so that
// every counter change commits together with its reservation and movement.
type InventoryRepo struct{ DB *pgxpool.Pool }

var _ inventory.Store = (*InventoryRepo)(nil)

const reservationColumns = `id, order_id, product_id, quantity, status, expires_at, created_at, updated_at`

func scanReservation(row pgx.Row) (inventory.Reservation, error) {
	var res inventory.Reservation
	err := row.Scan(&res.ID, &res.OrderID, &res.ProductID, &res.Quantity, &res.Status,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	return res, err
}

func (r *InventoryRepo) GetRecord(ctx context.Context, productID string) (inventory.Record, error) {
	var rec inventory.Record
	err := r.DB.QueryRow(ctx, `
		SELECT product_id, on_hand, reserved, updated_at FROM inventory_records WHERE product_id=$1`, productID).
		Scan(&rec.ProductID, &rec.OnHand, &rec.Reserved, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Record{}, orders.ErrProductNotFound
	}
	return rec, err
}

func (r *InventoryRepo) Restock(ctx context.Context, productID string, delta int, now time.Time) (inventory.Record, error) {
	var rec inventory.Record
	err := inTx(ctx, r.DB, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO inventory_records(product_id, on_hand, reserved, updated_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (product_id) DO UPDATE
			SET on_hand = inventory_records.on_hand + EXCLUDED.on_hand, updated_at = EXCLUDED.updated_at
			WHERE inventory_records.on_hand + EXCLUDED.on_hand >= inventory_records.reserved
			RETURNING product_id, on_hand, reserved, updated_at`, productID, delta, now).
			Scan(&rec.ProductID, &rec.OnHand, &rec.Reserved, &rec.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: on hand for %s would drop below reserved", orders.ErrInvalidInput, productID)
		}
		if code, _ := pgCode(err); code == codeCheckViolation {
			return fmt.Errorf("%w: on hand for %s would drop below zero", orders.ErrInvalidInput, productID)
		}
		if err != nil {
			return err
		}
		return insertMovement(ctx, tx, productID, "", inventory.MovementRestock, delta, 0, now)
	})
	if err != nil {
		return inventory.Record{}, err
	}
	return rec, nil
}

// Reserve is a single conditional UPDATE; the row lock it takes serialises
// concurrent reservers of the same product.
func (r *InventoryRepo) Reserve(ctx context.Context, res inventory.Reservation) (bool, error) {
	ok := false
	err := inTx(ctx, r.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE inventory_records SET reserved = reserved + $2, updated_at = $3
			WHERE product_id = $1 AND reserved + $2 <= on_hand`, res.ProductID, res.Quantity, res.CreatedAt)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM inventory_records WHERE product_id=$1)`,
				res.ProductID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return orders.ErrProductNotFound
			}
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(`+reservationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			res.ID, res.OrderID, res.ProductID, res.Quantity, res.Status, res.ExpiresAt, res.CreatedAt, res.UpdatedAt); err != nil {
			if code, _ := pgCode(err); code == codeUniqueViolation {
				return fmt.Errorf("%w: reservation %s already exists", orders.ErrInvalidInput, res.ID)
			}
			return err
		}
		if err := insertMovement(ctx, tx, res.ProductID, res.ID, inventory.MovementReserve, 0, res.Quantity, res.CreatedAt); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *InventoryRepo) Release(ctx context.Context, id string, now time.Time, kind inventory.MovementKind) (inventory.Reservation, bool, error) {
	var (
		res      inventory.Reservation
		released bool
	)
	err := inTx(ctx, r.DB, func(tx pgx.Tx) error {
		var err error
		res, err = scanReservation(tx.QueryRow(ctx, `
			UPDATE reservations SET status = $3, updated_at = $2
			WHERE id = $1 AND status = $4
			RETURNING `+reservationColumns, id, now, inventory.ReservationReleased, inventory.ReservationActive))
		if errors.Is(err, pgx.ErrNoRows) {
			res, err = scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
			if errors.Is(err, pgx.ErrNoRows) {
				return orders.ErrReservationNotFound
			}
			return err
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE inventory_records SET reserved = reserved - $2, updated_at = $3 WHERE product_id = $1`,
			res.ProductID, res.Quantity, now); err != nil {
			return err
		}
		released = true
		return insertMovement(ctx, tx, res.ProductID, res.ID, kind, 0, -res.Quantity, now)
	})
	if err != nil {
		return inventory.Reservation{}, false, err
	}
	return res, released, nil
}

func (r *InventoryRepo) CommitAll(ctx context.Context, ids []string, now time.Time) ([]inventory.Reservation, error) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("%w: reservation %s listed twice", orders.ErrInvalidInput, id)
		}
		seen[id] = true
	}
	out := make([]inventory.Reservation, 0, len(ids))
	err := inTx(ctx, r.DB, func(tx pgx.Tx) error {
		for _, id := range ids {
			res, err := scanReservation(tx.QueryRow(ctx, `
				UPDATE reservations SET status = $3, updated_at = $2
				WHERE id = $1 AND status = $4
				RETURNING `+reservationColumns, id, now, inventory.ReservationCommitted, inventory.ReservationActive))
			if errors.Is(err, pgx.ErrNoRows) {
				var state string
				err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE id=$1`, id).Scan(&state)
				if errors.Is(err, pgx.ErrNoRows) {
					return orders.ErrReservationNotFound
				}
				if err != nil {
					return err
				}
				return &orders.InvalidReservationStateError{ReservationID: id, State: state}
			}
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE inventory_records
				SET on_hand = on_hand - $2, reserved = reserved - $2, updated_at = $3
				WHERE product_id = $1`, res.ProductID, res.Quantity, now); err != nil {
				return err
			}
			if err := insertMovement(ctx, tx, res.ProductID, res.ID, inventory.MovementCommit, -res.Quantity, -res.Quantity, now); err != nil {
				return err
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *InventoryRepo) GetReservation(ctx context.Context, id string) (inventory.Reservation, error) {
	res, err := scanReservation(r.DB.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, orders.ErrReservationNotFound
	}
	return res, err
}

func (r *InventoryRepo) ListReservations(ctx context.Context, f inventory.ReservationFilter) ([]inventory.Reservation, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.OrderID != "" {
		add("order_id = ?", f.OrderID)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if !f.ExpiresBefore.IsZero() {
		add("expires_at <= ?", f.ExpiresBefore)
	}
	q := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []inventory.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *InventoryRepo) ListMovements(ctx context.Context, productID string, limit int) ([]inventory.Movement, error) {
	q := `SELECT id::text, product_id, reservation_id, kind, on_hand_delta, reserved_delta, created_at
	      FROM stock_movements WHERE ($1::text = '' OR product_id = $1) ORDER BY id`
	args := []any{productID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []inventory.Movement
	for rows.Next() {
		var m inventory.Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.ReservationID, &m.Kind, &m.OnHandDelta, &m.ReservedDelta, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func insertMovement(ctx context.Context, tx pgx.Tx, productID, reservationID string, kind inventory.MovementKind, onHand, reserved int, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_movements(product_id, reservation_id, kind, on_hand_delta, reserved_delta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, productID, reservationID, kind, onHand, reserved, at)
	return err
}
