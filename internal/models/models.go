package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member is a library patron or an administrator
type Member struct {
	ID        int64     `db:"id" json:"id"`
	FullName  string    `db:"full_name" json:"full_name"`
	Email     string    `db:"email" json:"email"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Role      string    `db:"role" json:"role"`
	Batch     *string   `db:"batch" json:"batch,omitempty"`
	TimeSlot  *string   `db:"time_slot" json:"time_slot,omitempty"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Title is a catalog book with its copy counters
type Title struct {
	ID              int64     `db:"id" json:"id"`
	Title           string    `db:"title" json:"title"`
	Author          string    `db:"author" json:"author"`
	ISBN            *string   `db:"isbn" json:"isbn,omitempty"`
	Genre           *string   `db:"genre" json:"genre,omitempty"`
	TotalCopies     int       `db:"total_copies" json:"total_copies"`
	AvailableCopies int       `db:"available_copies" json:"available_copies"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Loan is one issued copy of a title
type Loan struct {
	ID               int64           `db:"id" json:"id"`
	MemberID         int64           `db:"member_id" json:"member_id"`
	TitleID          int64           `db:"title_id" json:"title_id"`
	IssueDate        time.Time       `db:"issue_date" json:"issue_date"`
	DueDate          time.Time       `db:"due_date" json:"due_date"`
	ReturnDate       *time.Time      `db:"return_date" json:"return_date,omitempty"`
	PenaltyAmount    decimal.Decimal `db:"penalty_amount" json:"penalty_amount"`
	PenaltyWaived    bool            `db:"penalty_waived" json:"penalty_waived"`
	PenaltySettledAt *time.Time      `db:"penalty_settled_at" json:"penalty_settled_at,omitempty"`
	Status           string          `db:"status" json:"status"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the loan still holds a copy
func (l *Loan) IsOpen() bool {
	return l.Status == LoanStatusIssued || l.Status == LoanStatusOverdue
}

// Subscription is one paid access period
type Subscription struct {
	ID          int64           `db:"id" json:"id"`
	MemberID    int64           `db:"member_id" json:"member_id"`
	StartDate   time.Time       `db:"start_date" json:"start_date"`
	EndDate     time.Time       `db:"end_date" json:"end_date"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	StackedFrom *int64          `db:"stacked_from" json:"stacked_from,omitempty"`
	PaymentID   *int64          `db:"payment_id" json:"payment_id,omitempty"`
	Status      string          `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Covers reports whether the subscription grants access at t
func (s *Subscription) Covers(t time.Time) bool {
	return s.Status == SubscriptionStatusActive && !t.Before(s.StartDate) && !t.After(s.EndDate)
}

// Payment represents a payment transaction
type Payment struct {
	ID               int64           `db:"id" json:"id"`
	MemberID         int64           `db:"member_id" json:"member_id"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Type             string          `db:"type" json:"type"`
	Method           string          `db:"method" json:"method"`
	GatewayOrderID   *string         `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	GatewayPaymentID *string         `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	GatewaySignature *string         `db:"gateway_signature" json:"-"`
	LoanID           *int64          `db:"loan_id" json:"loan_id,omitempty"`
	ProcessedBy      *int64          `db:"processed_by" json:"processed_by,omitempty"`
	Notes            *string         `db:"notes" json:"notes,omitempty"`
	Status           string          `db:"status" json:"status"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// AuditEntry is one append-only audit record
type AuditEntry struct {
	ID          int64     `db:"id" json:"id"`
	Action      string    `db:"action" json:"action"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    *int64    `db:"entity_id" json:"entity_id,omitempty"`
	PerformedBy *int64    `db:"performed_by" json:"performed_by,omitempty"`
	Detail      []byte    `db:"detail" json:"detail,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Roles
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// Member statuses
const (
	MemberStatusActive    = "ACTIVE"
	MemberStatusInactive  = "INACTIVE"
	MemberStatusSuspended = "SUSPENDED"
)

// IsValidMemberStatus reports whether s names a member status
func IsValidMemberStatus(s string) bool {
	switch s {
	case MemberStatusActive, MemberStatusInactive, MemberStatusSuspended:
		return true
	}
	return false
}

// Batches
const (
	BatchMorning = "MORNING"
	BatchEvening = "EVENING"
)

// Title statuses
const (
	TitleStatusActive   = "ACTIVE"
	TitleStatusArchived = "ARCHIVED"
)

// Loan statuses
const (
	LoanStatusIssued   = "ISSUED"
	LoanStatusOverdue  = "OVERDUE"
	LoanStatusReturned = "RETURNED"
)

// Subscription statuses
const (
	SubscriptionStatusActive    = "ACTIVE"
	SubscriptionStatusExpired   = "EXPIRED"
	SubscriptionStatusCancelled = "CANCELLED"
)

// Payment types, methods and statuses
const (
	PaymentTypeSubscription = "SUBSCRIPTION"
	PaymentTypePenalty      = "PENALTY"

	PaymentMethodCash    = "CASH"
	PaymentMethodGateway = "GATEWAY"

	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

// Audit actions
const (
	AuditBookIssued           = "BOOK_ISSUED"
	AuditBookReturned         = "BOOK_RETURNED"
	AuditPaymentCompleted     = "PAYMENT_COMPLETED"
	AuditCashPaymentAccepted  = "CASH_PAYMENT_ACCEPTED"
	AuditSubscriptionStacked  = "SUBSCRIPTION_STACKED"
	AuditRequestCreated       = "REQUEST_CREATED"
	AuditRequestApproved      = "REQUEST_APPROVED"
	AuditRequestRejected      = "REQUEST_REJECTED"
	AuditBatchChanged         = "BATCH_CHANGED"
	AuditPenaltyWaived        = "PENALTY_WAIVED"
	AuditMemberRegistered     = "MEMBER_REGISTERED"
	AuditPenaltySweepFinished = "PENALTY_SWEEP_FINISHED"
	AuditTitleUpdated         = "TITLE_UPDATED"
	AuditTitleArchived        = "TITLE_ARCHIVED"
	AuditMemberStatusUpdated  = "MEMBER_STATUS_UPDATED"
)

// Audit entity types
const (
	EntityTitle        = "TITLE"
	EntityLoan         = "LOAN"
	EntityPayment      = "PAYMENT"
	EntitySubscription = "SUBSCRIPTION"
	EntityRequest      = "REQUEST"
	EntityMember       = "MEMBER"
	EntitySweep        = "SWEEP"
)
