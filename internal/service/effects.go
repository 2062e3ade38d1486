package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"circulation-service/internal/audit"
	"circulation-service/internal/catalog"
	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

// Notifier publishes best-effort notifications
type Notifier interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// Auditor records audit entries without blocking the caller
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

const notifyTimeout = 5 * time.Second

// effects runs the post-commit side effects shared by the services
type effects struct {
	notifier Notifier
	auditor  Auditor
	logger   *zap.Logger
}

func newEffects(notifier Notifier, auditor Auditor) effects {
	return effects{notifier: notifier, auditor: auditor, logger: util.GetLogger()}
}

// notify publishes in the background; failures are logged and counted
func (e effects) notify(topic string, payload interface{}) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := e.notifier.Publish(ctx, topic, payload); err != nil {
			util.NotificationsFailed.WithLabelValues(topic).Inc()
			e.logger.Warn("Failed to publish notification",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}()
}

// availabilityChanged refreshes the mirror and tells listeners a title's
// counts moved. Call it after commit.
func (e effects) availabilityChanged(tracker *catalog.Tracker, title *models.Title) {
	if title == nil {
		return
	}
	tracker.PublishAvailability(title)
	e.notify(models.TopicAvailabilityChanged, models.AvailabilityChangedEvent{
		TitleID:         title.ID,
		AvailableCopies: title.AvailableCopies,
		TotalCopies:     title.TotalCopies,
	})
}

func (e effects) audit(ctx context.Context, action, entityType string, entityID, performedBy *int64, detail interface{}) {
	if e.auditor == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			e.logger.Warn("Failed to encode audit detail", zap.String("action", action), zap.Error(err))
		} else {
			raw = b
		}
	}
	e.auditor.Record(ctx, audit.Entry{
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		PerformedBy: performedBy,
		Detail:      raw,
	})
}

// observeFailure counts a rejected operation by error class
func observeFailure(operation string, err error) {
	switch {
	case errs.IsRetryable(err):
		util.ContentionErrorsTotal.WithLabelValues(operation).Inc()
		util.OperationsFailed.WithLabelValues(operation, "contention").Inc()
	case errors.Is(err, errs.ErrValidation):
		util.OperationsFailed.WithLabelValues(operation, "validation").Inc()
	default:
		util.OperationsFailed.WithLabelValues(operation, reason(err)).Inc()
	}
}

func reason(err error) string {
	for _, sentinel := range []error{
		errs.ErrNoActiveSubscription, errs.ErrTitleNotFound, errs.ErrUnavailable,
		errs.ErrDuplicateLoan, errs.ErrLoanNotFound, errs.ErrMemberNotFound,
		errs.ErrPaymentNotFound, errs.ErrInvalidSignature,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}

func ptr[T any](v T) *T { return &v }
