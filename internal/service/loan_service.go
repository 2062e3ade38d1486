package service

import (
	"context"
	"fmt"
	"time"

	"circulation-service/internal/catalog"
	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LoanService drives the issue/return lifecycle of a loan
type LoanService struct {
	store   store.Store
	tracker *catalog.Tracker
	policy  Policy
	effects
}

// NewLoanService creates a new loan service
func NewLoanService(
	st store.Store,
	tracker *catalog.Tracker,
	policy Policy,
	notifier Notifier,
	auditor Auditor,
) *LoanService {
	return &LoanService{
		store:   st,
		tracker: tracker,
		policy:  policy,
		effects: newEffects(notifier, auditor),
	}
}

// ReturnReceipt is the outcome of a return
type ReturnReceipt struct {
	Loan        *models.Loan    `json:"loan"`
	Penalty     decimal.Decimal `json:"penalty"`
	DaysOverdue int             `json:"days_overdue"`
}

// IssueLoan lends one copy of a title to a member
func (s *LoanService) IssueLoan(ctx context.Context, memberID, titleID int64, now time.Time) (*models.Loan, error) {
	ctx, span := util.StartSpan(ctx, "LoanService.IssueLoan",
		attribute.Int64("member_id", memberID),
		attribute.Int64("title_id", titleID))
	defer span.End()

	if memberID <= 0 || titleID <= 0 {
		return nil, errs.Invalid("member and title are required")
	}
	due, err := s.policy.DueDate(now)
	if err != nil {
		return nil, errs.Invalid(err.Error())
	}

	start := time.Now()
	defer func() {
		util.LoanOperationLatency.WithLabelValues("issue").Observe(time.Since(start).Seconds())
	}()

	var loan *models.Loan
	var title *models.Title
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sub, err := tx.ActiveSubscriptionOn(ctx, memberID, s.policy.Today(now))
		if err != nil {
			return fmt.Errorf("failed to check subscription: %w", err)
		}
		if sub == nil {
			return errs.ErrNoActiveSubscription
		}

		title, err = s.tracker.ReserveCopy(ctx, tx, titleID)
		if err != nil {
			return err
		}

		open, err := tx.HasOpenLoan(ctx, memberID, titleID)
		if err != nil {
			return err
		}
		if open {
			return errs.ErrDuplicateLoan
		}

		loan = &models.Loan{
			MemberID:      memberID,
			TitleID:       titleID,
			IssueDate:     now,
			DueDate:       due,
			PenaltyAmount: decimal.Zero,
			Status:        models.LoanStatusIssued,
		}
		return tx.InsertLoan(ctx, loan)
	})
	if err != nil {
		observeFailure("issue", err)
		util.RecordError(span, err)
		return nil, err
	}

	util.LoansIssuedTotal.Inc()
	s.logger.Info("Loan issued",
		zap.Int64("loan_id", loan.ID),
		zap.Int64("member_id", memberID),
		zap.Int64("title_id", titleID),
		zap.Time("due_date", loan.DueDate))

	s.audit(ctx, models.AuditBookIssued, models.EntityLoan, &loan.ID, &memberID,
		map[string]interface{}{"title_id": titleID, "due_date": loan.DueDate})
	s.availabilityChanged(s.tracker, title)
	return loan, nil
}

// ReturnLoan closes a member's open loan and fixes its final penalty
func (s *LoanService) ReturnLoan(ctx context.Context, loanID, memberID int64, now time.Time) (*ReturnReceipt, error) {
	ctx, span := util.StartSpan(ctx, "LoanService.ReturnLoan",
		attribute.Int64("loan_id", loanID),
		attribute.Int64("member_id", memberID))
	defer span.End()

	if loanID <= 0 || memberID <= 0 {
		return nil, errs.Invalid("loan and member are required")
	}

	start := time.Now()
	defer func() {
		util.LoanOperationLatency.WithLabelValues("return").Observe(time.Since(start).Seconds())
	}()

	receipt := &ReturnReceipt{}
	var title *models.Title
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Title before loan, the same order issue takes them in.
		peek, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if peek.MemberID != memberID || !peek.IsOpen() {
			return errs.ErrLoanNotFound
		}
		if _, err := tx.LockTitle(ctx, peek.TitleID); err != nil {
			return err
		}

		loan, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.MemberID != memberID || !loan.IsOpen() {
			return errs.ErrLoanNotFound
		}

		penalty, days := s.policy.Penalty(loan.DueDate, now)
		if loan.PenaltyWaived {
			penalty = decimal.Zero
		}

		loan.ReturnDate = &now
		loan.PenaltyAmount = penalty
		loan.Status = models.LoanStatusReturned
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		title, err = s.tracker.ReleaseCopy(ctx, tx, loan.TitleID)
		if err != nil {
			return err
		}

		receipt.Loan = loan
		receipt.Penalty = penalty
		receipt.DaysOverdue = days
		return nil
	})
	if err != nil {
		observeFailure("return", err)
		util.RecordError(span, err)
		return nil, err
	}

	util.LoansReturnedTotal.Inc()
	if receipt.Penalty.IsPositive() {
		util.PenaltiesAssessedTotal.Inc()
	}
	s.logger.Info("Loan returned",
		zap.Int64("loan_id", loanID),
		zap.Int64("member_id", memberID),
		zap.String("penalty", receipt.Penalty.StringFixed(2)),
		zap.Int("days_overdue", receipt.DaysOverdue))

	s.audit(ctx, models.AuditBookReturned, models.EntityLoan, &loanID, &memberID,
		map[string]interface{}{"penalty": receipt.Penalty.StringFixed(2), "days_overdue": receipt.DaysOverdue})
	s.availabilityChanged(s.tracker, title)
	return receipt, nil
}

// ListOpenLoans lists a member's ISSUED and OVERDUE loans
func (s *LoanService) ListOpenLoans(ctx context.Context, memberID int64) ([]models.Loan, error) {
	return s.store.ListOpenLoans(ctx, &memberID)
}

// ListAllOpenLoans lists every open loan, soonest due first
func (s *LoanService) ListAllOpenLoans(ctx context.Context) ([]models.Loan, error) {
	return s.store.ListOpenLoans(ctx, nil)
}

// LoanHistory lists a member's returned loans, newest first
func (s *LoanService) LoanHistory(ctx context.Context, memberID int64, limit int) ([]models.Loan, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.LoanHistory(ctx, memberID, limit)
}
