package store

import (
	"context"
	"fmt"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const (
	loanColumns = "id, member_id, title_id, issue_date, due_date, return_date, penalty_amount, " +
		"penalty_waived, penalty_settled_at, status, created_at, updated_at"
	subscriptionColumns = "id, member_id, start_date, end_date, amount, stacked_from, payment_id, status, created_at, updated_at"
)

var openLoanStatuses = []string{models.LoanStatusIssued, models.LoanStatusOverdue}

// GetLoan retrieves a loan by ID
func (s *Postgres) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return getOne[models.Loan](ctx, s.db, errs.ErrLoanNotFound,
		"SELECT "+loanColumns+" FROM loans WHERE id = $1", id)
}

// ListOpenLoans lists open loans for one member, or for everyone when memberID is nil
func (s *Postgres) ListOpenLoans(ctx context.Context, memberID *int64) ([]models.Loan, error) {
	where := sq.And{sq.Eq{"status": openLoanStatuses}}
	if memberID != nil {
		where = append(where, sq.Eq{"member_id": *memberID})
	}

	q, args, err := qb.Select(loanColumns).From("loans").Where(where).OrderBy("due_date", "id").ToSql()
	if err != nil {
		return nil, err
	}

	loans := []models.Loan{}
	if err := s.db.SelectContext(ctx, &loans, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list open loans: %w", err)
	}
	return loans, nil
}

// LoanHistory lists a member's returned loans, newest first
func (s *Postgres) LoanHistory(ctx context.Context, memberID int64, limit int) ([]models.Loan, error) {
	sel := qb.Select(loanColumns).From("loans").
		Where(sq.Eq{"member_id": memberID, "status": models.LoanStatusReturned}).
		OrderBy("return_date DESC", "id DESC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}

	loans := []models.Loan{}
	if err := s.db.SelectContext(ctx, &loans, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list loan history: %w", err)
	}
	return loans, nil
}

// OverdueLoanIDs lists open, unwaived loans that fell due before today
func (s *Postgres) OverdueLoanIDs(ctx context.Context, today time.Time) ([]int64, error) {
	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM loans
		 WHERE status IN ('ISSUED', 'OVERDUE') AND return_date IS NULL
		   AND penalty_waived = FALSE AND due_date < $1
		 ORDER BY id`, today)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue loans: %w", err)
	}
	return ids, nil
}

// ListSubscriptions lists all subscriptions of a member, latest end date first
func (s *Postgres) ListSubscriptions(ctx context.Context, memberID int64) ([]models.Subscription, error) {
	subs := []models.Subscription{}
	err := s.db.SelectContext(ctx, &subs,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE member_id = $1 ORDER BY end_date DESC, id DESC",
		memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// LapsedSubscriptionIDs lists ACTIVE subscriptions that ended before today
func (s *Postgres) LapsedSubscriptionIDs(ctx context.Context, today time.Time) ([]int64, error) {
	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM subscriptions WHERE status = 'ACTIVE' AND end_date < $1 ORDER BY id", today)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	return ids, nil
}

func (t *pgTx) ActiveSubscriptionOn(ctx context.Context, memberID int64, today time.Time) (*models.Subscription, error) {
	return getOptional[models.Subscription](ctx, t.tx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE member_id = $1 AND status = 'ACTIVE' AND end_date >= $2
		 ORDER BY end_date DESC LIMIT 1`, memberID, today)
}

func (t *pgTx) LatestActiveSubscription(ctx context.Context, memberID int64) (*models.Subscription, error) {
	return getOptional[models.Subscription](ctx, t.tx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE member_id = $1 AND status = 'ACTIVE'
		 ORDER BY end_date DESC LIMIT 1`, memberID)
}

func (t *pgTx) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO subscriptions (member_id, start_date, end_date, amount, stacked_from, payment_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		sub.MemberID, sub.StartDate, sub.EndDate, sub.Amount, sub.StackedFrom, sub.PaymentID, sub.Status,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (t *pgTx) ExpireSubscription(ctx context.Context, id int64, today time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'EXPIRED', updated_at = NOW()
		 WHERE id = $1 AND status = 'ACTIVE' AND end_date < $2`, id, today)
	if err != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return getOne[models.Loan](ctx, t.tx, errs.ErrLoanNotFound,
		"SELECT "+loanColumns+" FROM loans WHERE id = $1", id)
}

func (t *pgTx) LockLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return getOne[models.Loan](ctx, t.tx, errs.ErrLoanNotFound,
		"SELECT "+loanColumns+" FROM loans WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) HasOpenLoan(ctx context.Context, memberID, titleID int64) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM loans
		 WHERE member_id = $1 AND title_id = $2 AND status IN ('ISSUED', 'OVERDUE'))`,
		memberID, titleID)
	if err != nil {
		return false, fmt.Errorf("failed to check open loan: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertLoan(ctx context.Context, l *models.Loan) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO loans (member_id, title_id, issue_date, due_date, penalty_amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		l.MemberID, l.TitleID, l.IssueDate, l.DueDate, l.PenaltyAmount, l.Status,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	err := t.tx.QueryRowxContext(ctx,
		`UPDATE loans SET return_date = $1, penalty_amount = $2, penalty_waived = $3,
		   penalty_settled_at = $4, status = $5, updated_at = NOW()
		 WHERE id = $6 RETURNING updated_at`,
		l.ReturnDate, l.PenaltyAmount, l.PenaltyWaived, l.PenaltySettledAt, l.Status, l.ID,
	).Scan(&l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return nil
}
