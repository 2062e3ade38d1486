package service

import (
	"context"
	"fmt"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Locker is a cross-instance mutual exclusion lock
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

const (
	sweepLockKey = "penalty-sweep"
	sweepLockTTL = 30 * time.Minute
)

// SweepReport summarises one sweep run
type SweepReport struct {
	StartedAt            time.Time     `json:"started_at"`
	Duration             time.Duration `json:"duration"`
	LoansUpdated         int           `json:"loans_updated"`
	LoansUnchanged       int           `json:"loans_unchanged"`
	LoanFailures         int           `json:"loan_failures"`
	SubscriptionsExpired int           `json:"subscriptions_expired"`
	SubscriptionFailures int           `json:"subscription_failures"`
	Skipped              bool          `json:"skipped"`
}

// PenaltySweep marks overdue loans, accrues their penalties and expires
// lapsed subscriptions
type PenaltySweep struct {
	store  store.Store
	policy Policy
	locker Locker
	group  singleflight.Group
	effects
}

// NewPenaltySweep creates a sweep. locker may be nil on a single instance.
func NewPenaltySweep(st store.Store, policy Policy, locker Locker, notifier Notifier, auditor Auditor) *PenaltySweep {
	return &PenaltySweep{
		store:   st,
		policy:  policy,
		locker:  locker,
		effects: newEffects(notifier, auditor),
	}
}

// RunSweepOnce runs one pass at instant now. Concurrent callers in this
// process share a single run; another instance holding the lock makes the
// run report Skipped.
func (s *PenaltySweep) RunSweepOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	v, err, _ := s.group.Do("sweep", func() (interface{}, error) {
		return s.runLocked(ctx, now)
	})
	if err != nil {
		return SweepReport{}, err
	}
	return v.(SweepReport), nil
}

func (s *PenaltySweep) runLocked(ctx context.Context, now time.Time) (SweepReport, error) {
	if s.locker == nil {
		return s.run(ctx, now)
	}

	token, ok, err := s.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
	if err != nil {
		util.SweepRunsTotal.WithLabelValues("error").Inc()
		return SweepReport{}, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		util.SweepRunsTotal.WithLabelValues("skipped").Inc()
		s.logger.Info("Penalty sweep already running elsewhere, skipping")
		return SweepReport{StartedAt: now, Skipped: true}, nil
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, sweepLockKey, token); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.Error(err))
		}
	}()

	return s.run(ctx, now)
}

func (s *PenaltySweep) run(ctx context.Context, now time.Time) (SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "PenaltySweep.Run")
	defer span.End()

	start := time.Now()
	report := SweepReport{StartedAt: now}
	today := s.policy.Today(now)

	loanIDs, err := s.store.OverdueLoanIDs(ctx, today)
	if err != nil {
		util.SweepRunsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return report, fmt.Errorf("failed to list overdue loans: %w", err)
	}

	for _, id := range loanIDs {
		if ctx.Err() != nil {
			break
		}
		changed, err := s.accrue(ctx, id, today)
		switch {
		case err != nil:
			report.LoanFailures++
			util.SweepRowsTotal.WithLabelValues("loan", "failed").Inc()
			s.logger.Error("Failed to accrue penalty",
				zap.Int64("loan_id", id),
				zap.Error(err))
		case changed:
			report.LoansUpdated++
			util.SweepRowsTotal.WithLabelValues("loan", "updated").Inc()
		default:
			report.LoansUnchanged++
			util.SweepRowsTotal.WithLabelValues("loan", "unchanged").Inc()
		}
	}

	subIDs, err := s.store.LapsedSubscriptionIDs(ctx, today)
	if err != nil {
		s.logger.Error("Failed to list lapsed subscriptions", zap.Error(err))
		report.SubscriptionFailures++
	}
	for _, id := range subIDs {
		if ctx.Err() != nil {
			break
		}
		var expired bool
		err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			expired, err = tx.ExpireSubscription(ctx, id, today)
			return err
		})
		if err != nil {
			report.SubscriptionFailures++
			util.SweepRowsTotal.WithLabelValues("subscription", "failed").Inc()
			s.logger.Error("Failed to expire subscription",
				zap.Int64("subscription_id", id),
				zap.Error(err))
			continue
		}
		if expired {
			report.SubscriptionsExpired++
			util.SweepRowsTotal.WithLabelValues("subscription", "expired").Inc()
		}
	}

	report.Duration = time.Since(start)
	util.SweepDuration.Observe(report.Duration.Seconds())
	result := "ok"
	if report.LoanFailures > 0 || report.SubscriptionFailures > 0 {
		result = "partial"
	}
	util.SweepRunsTotal.WithLabelValues(result).Inc()

	s.logger.Info("Penalty sweep finished",
		zap.Int("loans_updated", report.LoansUpdated),
		zap.Int("loans_unchanged", report.LoansUnchanged),
		zap.Int("loan_failures", report.LoanFailures),
		zap.Int("subscriptions_expired", report.SubscriptionsExpired),
		zap.Int("subscription_failures", report.SubscriptionFailures),
		zap.Duration("duration", report.Duration))
	s.audit(ctx, models.AuditPenaltySweepFinished, models.EntitySweep, nil, nil, report)

	return report, ctx.Err()
}

// accrue recomputes one loan's penalty in its own transaction. The amount
// depends only on the due date and the library day, so any number of runs
// on the same day agree.
func (s *PenaltySweep) accrue(ctx context.Context, loanID int64, today time.Time) (bool, error) {
	var event *models.PenaltyUpdatedEvent
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		loan, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		// The row may have been returned or waived since it was listed.
		if !loan.IsOpen() || loan.ReturnDate != nil || loan.PenaltyWaived || !loan.DueDate.Before(today) {
			return nil
		}

		penalty, days := s.policy.Penalty(loan.DueDate, today)
		if loan.Status == models.LoanStatusOverdue && loan.PenaltyAmount.Equal(penalty) {
			return nil
		}

		loan.PenaltyAmount = penalty
		loan.Status = models.LoanStatusOverdue
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		event = &models.PenaltyUpdatedEvent{
			LoanID:        loan.ID,
			MemberID:      loan.MemberID,
			PenaltyAmount: penalty,
			DaysOverdue:   days,
		}
		return nil
	})
	if err != nil {
		observeFailure("sweep", err)
		return false, err
	}
	if event == nil {
		return false, nil
	}

	util.PenaltiesAssessedTotal.Inc()
	s.notify(models.TopicPenaltyUpdated, *event)
	return true, nil
}
