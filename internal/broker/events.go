package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notification is the envelope every published notification travels in
type Notification struct {
	models.BaseEvent
	Payload interface{} `json:"payload"`
}

// EventPublisher publishes domain notifications, one Kafka topic per
// notification topic
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish wraps payload in a Notification and writes it to topic
func (ep *EventPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	n := Notification{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: topic,
			Timestamp: time.Now().UTC(),
		},
		Payload: payload,
	}
	return ep.producer.PublishEvent(ctx, topic, notificationKey(payload), n)
}

// notificationKey keeps notifications about one entity on one partition
func notificationKey(payload interface{}) string {
	switch p := payload.(type) {
	case models.AvailabilityChangedEvent:
		return fmt.Sprintf("title-%d", p.TitleID)
	case models.PenaltyUpdatedEvent:
		return fmt.Sprintf("loan-%d", p.LoanID)
	case models.PaymentCompletedEvent:
		return fmt.Sprintf("member-%d", p.MemberID)
	}
	return ""
}

// EventHandler handles incoming events
type EventHandler struct {
	onGatewayPayment func(context.Context, *models.GatewayPaymentEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnGatewayPayment registers a handler for captured gateway payments
func (eh *EventHandler) OnGatewayPayment(handler func(context.Context, *models.GatewayPaymentEvent) error) {
	eh.onGatewayPayment = handler
}

// HandleMessage routes messages to appropriate handlers. Messages that can
// never be handled are dropped rather than retried.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeGatewayPaymentCaptured:
		if eh.onGatewayPayment != nil {
			var event models.GatewayPaymentEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Dropping malformed gateway event", zap.String("id", baseEvent.EventID), zap.Error(err))
				return nil
			}
			return eh.onGatewayPayment(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
