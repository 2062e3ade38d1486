package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notification topics
const (
	TopicAvailabilityChanged = "book_availability_changed"
	TopicPenaltyUpdated      = "penalty_updated"
	TopicPaymentCompleted    = "payment_completed"
)

// Event types
const (
	EventTypeGatewayPaymentCaptured = "GATEWAY_PAYMENT_CAPTURED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AvailabilityChangedEvent published after an issue or return commits
type AvailabilityChangedEvent struct {
	TitleID         int64 `json:"title_id"`
	AvailableCopies int   `json:"available_copies"`
	TotalCopies     int   `json:"total_copies"`
}

// PenaltyUpdatedEvent published by the sweep for every loan it changed
type PenaltyUpdatedEvent struct {
	LoanID        int64           `json:"loan_id"`
	MemberID      int64           `json:"member_id"`
	PenaltyAmount decimal.Decimal `json:"penalty_amount"`
	DaysOverdue   int             `json:"days_overdue"`
}

// PaymentCompletedEvent published once per payment
type PaymentCompletedEvent struct {
	PaymentID int64           `json:"payment_id"`
	MemberID  int64           `json:"member_id"`
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
}

// GatewayPaymentEvent is a gateway webhook relayed through the broker
type GatewayPaymentEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}
