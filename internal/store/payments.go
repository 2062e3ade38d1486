package store

import (
	"context"
	"fmt"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const paymentColumns = "id, member_id, amount, type, method, gateway_order_id, gateway_payment_id, " +
	"gateway_signature, loan_id, processed_by, notes, status, created_at, completed_at"

// GetPaymentByOrderID retrieves a gateway payment by its order id
func (s *Postgres) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return getOne[models.Payment](ctx, s.db, errs.ErrPaymentNotFound,
		"SELECT "+paymentColumns+" FROM payments WHERE gateway_order_id = $1", orderID)
}

// ListPayments lists payments, newest first
func (s *Postgres) ListPayments(ctx context.Context, f PaymentFilter) ([]models.Payment, error) {
	sel := qb.Select(paymentColumns).From("payments").OrderBy("created_at DESC", "id DESC")
	if f.MemberID != nil {
		sel = sel.Where(sq.Eq{"member_id": *f.MemberID})
	}
	if f.Status != "" {
		sel = sel.Where(sq.Eq{"status": f.Status})
	}
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit))
	}

	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}

	payments := []models.Payment{}
	if err := s.db.SelectContext(ctx, &payments, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO payments (member_id, amount, type, method, gateway_order_id, loan_id,
		   processed_by, notes, status, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		p.MemberID, p.Amount, p.Type, p.Method, p.GatewayOrderID, p.LoanID,
		p.ProcessedBy, p.Notes, p.Status, p.CompletedAt,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) LockPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return getOne[models.Payment](ctx, t.tx, errs.ErrPaymentNotFound,
		"SELECT "+paymentColumns+" FROM payments WHERE gateway_order_id = $1 FOR UPDATE", orderID)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, gateway_payment_id = $2, gateway_signature = $3, completed_at = $4
		 WHERE id = $5`,
		p.Status, p.GatewayPaymentID, p.GatewaySignature, p.CompletedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}
