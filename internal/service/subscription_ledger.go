package service

import (
	"context"
	"fmt"
	"time"

	"circulation-service/internal/calendar"
	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubscriptionLedger computes and records subscription periods
type SubscriptionLedger struct {
	store  store.Store
	policy Policy
	logger *zap.Logger
}

// NewSubscriptionLedger creates a ledger
func NewSubscriptionLedger(st store.Store, policy Policy) *SubscriptionLedger {
	return &SubscriptionLedger{store: st, policy: policy, logger: util.GetLogger()}
}

// Stack adds one subscription period for a member inside tx. A period bought
// while another is still running starts the day after it ends, so unused
// time is never lost. The member row lock serialises concurrent stacking.
func (l *SubscriptionLedger) Stack(
	ctx context.Context,
	tx store.Tx,
	memberID int64,
	amount decimal.Decimal,
	paymentID *int64,
	now time.Time,
) (*models.Subscription, error) {
	if _, err := tx.LockMember(ctx, memberID); err != nil {
		return nil, err
	}

	latest, err := tx.LatestActiveSubscription(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest subscription: %w", err)
	}

	sub := &models.Subscription{
		MemberID:  memberID,
		Amount:    amount,
		PaymentID: paymentID,
		Status:    models.SubscriptionStatusActive,
		StartDate: now,
	}
	mode := "fresh"
	if latest != nil && latest.EndDate.After(now) {
		start, err := calendar.AddDays(latest.EndDate, 1)
		if err != nil {
			return nil, errs.Invalid(err.Error())
		}
		sub.StartDate = start
		sub.StackedFrom = &latest.ID
		mode = "stacked"
	}

	sub.EndDate, err = calendar.AddMonths(sub.StartDate, l.policy.SubscriptionMonths)
	if err != nil {
		return nil, errs.Invalid(err.Error())
	}

	if err := tx.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	util.SubscriptionsStackedTotal.WithLabelValues(mode).Inc()
	l.logger.Info("Subscription recorded",
		zap.Int64("subscription_id", sub.ID),
		zap.Int64("member_id", memberID),
		zap.String("mode", mode),
		zap.Time("start_date", sub.StartDate),
		zap.Time("end_date", sub.EndDate))
	return sub, nil
}

// Current returns the ACTIVE subscription covering now, or nil
func (l *SubscriptionLedger) Current(ctx context.Context, memberID int64, now time.Time) (*models.Subscription, error) {
	subs, err := l.store.ListSubscriptions(ctx, memberID)
	if err != nil {
		return nil, err
	}

	today := l.policy.Today(now)
	var current *models.Subscription
	for i := range subs {
		sub := &subs[i]
		if sub.Status != models.SubscriptionStatusActive || sub.StartDate.After(now) || sub.EndDate.Before(today) {
			continue
		}
		if current == nil || sub.StartDate.After(current.StartDate) {
			current = sub
		}
	}
	return current, nil
}

// List returns every subscription of a member, latest end date first
func (l *SubscriptionLedger) List(ctx context.Context, memberID int64) ([]models.Subscription, error) {
	return l.store.ListSubscriptions(ctx, memberID)
}
