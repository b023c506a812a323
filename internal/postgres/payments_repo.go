package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
)

type PaymentRepo struct{ DB *pgxpool.Pool }

var _ payments.Store = (*PaymentRepo)(nil)

const (
	paymentColumns = `id, order_id, amount, status, idempotency_key, gateway_tx_id, failure_reason, created_at, updated_at`
	refundColumns  = `id, payment_id, order_id, amount, status, failure_reason, created_at, updated_at`
)

func scanPayment(row pgx.Row) (payments.Payment, error) {
	var p payments.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Status, &p.IdempotencyKey,
		&p.GatewayTransactionID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *PaymentRepo) CreatePayment(ctx context.Context, p payments.Payment) error {
	_, err := r.DB.Exec(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.OrderID, p.Amount, p.Status, p.IdempotencyKey, p.GatewayTransactionID, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if code, constraint := pgCode(err); code == codeUniqueViolation {
		if constraint == "payments_idempotency_key_uniq" {
			return payments.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("%w: payment %s already exists", orders.ErrInvalidInput, p.ID)
	}
	return err
}

func (r *PaymentRepo) GetPayment(ctx context.Context, id string) (payments.Payment, error) {
	p, err := scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Payment{}, orders.ErrPaymentNotFound
	}
	return p, err
}

func (r *PaymentRepo) GetPaymentByKey(ctx context.Context, key string) (payments.Payment, error) {
	p, err := scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Payment{}, orders.ErrPaymentNotFound
	}
	return p, err
}

func (r *PaymentRepo) ListPaymentsByOrder(ctx context.Context, orderID string) ([]payments.Payment, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payments.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PaymentRepo) TransitionPayment(ctx context.Context, p payments.Payment, from ...payments.Status) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments SET status=$2, gateway_tx_id=$3, failure_reason=$4, updated_at=$5
		WHERE id=$1 AND status = ANY($6)`,
		p.ID, p.Status, p.GatewayTransactionID, p.FailureReason, p.UpdatedAt, states)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var cur string
	err = r.DB.QueryRow(ctx, `SELECT status FROM payments WHERE id=$1`, p.ID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrPaymentNotFound
	}
	if err != nil {
		return err
	}
	return &orders.InvalidPaymentStateError{PaymentID: p.ID, State: cur, Op: "move to " + string(p.Status)}
}

func (r *PaymentRepo) CreateRefund(ctx context.Context, rf payments.Refund) error {
	_, err := r.DB.Exec(ctx, `INSERT INTO refunds(`+refundColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rf.ID, rf.PaymentID, rf.OrderID, rf.Amount, rf.Status, rf.FailureReason, rf.CreatedAt, rf.UpdatedAt)
	switch code, _ := pgCode(err); code {
	case codeForeignKeyViolation:
		return orders.ErrPaymentNotFound
	case codeUniqueViolation:
		return fmt.Errorf("%w: refund %s already exists", orders.ErrInvalidInput, rf.ID)
	}
	return err
}

func (r *PaymentRepo) UpdateRefund(ctx context.Context, rf payments.Refund) error {
	ct, err := r.DB.Exec(ctx, `UPDATE refunds SET status=$2, failure_reason=$3, updated_at=$4 WHERE id=$1`,
		rf.ID, rf.Status, rf.FailureReason, rf.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: refund %s", orders.ErrPaymentNotFound, rf.ID)
	}
	return nil
}

func (r *PaymentRepo) ListRefunds(ctx context.Context, paymentID string) ([]payments.Refund, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+refundColumns+` FROM refunds WHERE payment_id=$1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payments.Refund
	for rows.Next() {
		var rf payments.Refund
		if err := rows.Scan(&rf.ID, &rf.PaymentID, &rf.OrderID, &rf.Amount, &rf.Status,
			&rf.FailureReason, &rf.CreatedAt, &rf.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}
