package worker

import (
	"context"
	"time"

	"circulation-service/internal/broker"
	"circulation-service/internal/models"
	"circulation-service/internal/service"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

// GatewayConfirmer completes gateway payments
type GatewayConfirmer interface {
	ConfirmGatewayPayment(ctx context.Context, orderID, providerPaymentID, signature string, now time.Time) (*service.Confirmation, error)
}

// EventLog remembers which broker events were already applied
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentWorker applies gateway payment events relayed through Kafka
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	payments     GatewayConfirmer
	events       EventLog
	now          func() time.Time
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(
	consumer *broker.Consumer,
	payments GatewayConfirmer,
	events EventLog,
) *PaymentWorker {
	pw := &PaymentWorker{
		consumer: consumer,
		payments: payments,
		events:   events,
		now:      time.Now,
		logger:   util.GetLogger(),
	}

	pw.eventHandler = broker.NewEventHandler()
	pw.eventHandler.OnGatewayPayment(pw.HandleGatewayPayment)
	return pw
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")
	return pw.consumer.StartConsuming(ctx, pw.eventHandler.HandleMessage)
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.consumer.Close()
}

// HandleGatewayPayment confirms the payment behind one event. Events that
// can never succeed are recorded and acknowledged; other failures are
// returned so the message is retried.
func (pw *PaymentWorker) HandleGatewayPayment(ctx context.Context, event *models.GatewayPaymentEvent) error {
	if event.EventID != "" {
		processed, err := pw.events.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return err
		}
		if processed {
			pw.logger.Debug("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	conf, err := pw.payments.ConfirmGatewayPayment(ctx, event.OrderID, event.PaymentID, event.Signature, pw.now())
	if err != nil {
		if !service.IsRejected(err) {
			return err
		}
		pw.logger.Warn("Rejected gateway payment event",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	} else {
		pw.logger.Info("Gateway payment event applied",
			zap.String("event_id", event.EventID),
			zap.Int64("payment_id", conf.Payment.ID),
			zap.Bool("duplicate", conf.Duplicate))
	}

	if event.EventID != "" {
		if err := pw.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			pw.logger.Warn("Failed to mark event processed",
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
	}
	return nil
}
