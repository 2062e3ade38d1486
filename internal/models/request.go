package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Request types
const (
	RequestTypeBookRequest           = "BOOK_REQUEST"
	RequestTypeSubscriptionExtension = "SUBSCRIPTION_EXTENSION"
	RequestTypePenaltyWaiver         = "PENALTY_WAIVER"
	RequestTypeMembership            = "MEMBERSHIP_REGISTRATION"
	RequestTypeBatchChange           = "BATCH_CHANGE"
	RequestTypeOther                 = "OTHER"
)

// Request statuses
const (
	RequestStatusPending  = "PENDING"
	RequestStatusApproved = "APPROVED"
	RequestStatusRejected = "REJECTED"
)

// Request is an approval workflow item. MemberID is nil for membership
// applications submitted before the applicant has an account.
type Request struct {
	ID            int64           `db:"id" json:"id"`
	MemberID      *int64          `db:"member_id" json:"member_id,omitempty"`
	Type          string          `db:"type" json:"type"`
	Subject       string          `db:"subject" json:"subject"`
	Description   string          `db:"description" json:"description"`
	Details       json.RawMessage `db:"details" json:"details,omitempty"`
	Status        string          `db:"status" json:"status"`
	AdminResponse *string         `db:"admin_response" json:"admin_response,omitempty"`
	ReviewedBy    *int64          `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time      `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// RequestDetails is the typed payload of a Request. Exactly one variant
// exists per request type.
type RequestDetails interface {
	RequestType() string
}

type BatchChangeDetails struct {
	NewBatch    string `json:"new_batch" validate:"required,oneof=MORNING EVENING"`
	NewTimeSlot string `json:"new_time_slot" validate:"required,max=64"`
}

func (BatchChangeDetails) RequestType() string { return RequestTypeBatchChange }

type PenaltyWaiverDetails struct {
	LoanID int64  `json:"loan_id" validate:"required,gt=0"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

func (PenaltyWaiverDetails) RequestType() string { return RequestTypePenaltyWaiver }

type MembershipDetails struct {
	FullName string `json:"full_name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,max=32"`
	Batch    string `json:"batch,omitempty" validate:"omitempty,oneof=MORNING EVENING"`
}

func (MembershipDetails) RequestType() string { return RequestTypeMembership }

type BookRequestDetails struct {
	Title  string `json:"title" validate:"required,max=255"`
	Author string `json:"author,omitempty" validate:"max=255"`
}

func (BookRequestDetails) RequestType() string { return RequestTypeBookRequest }

type SubscriptionExtensionDetails struct {
	Note string `json:"note,omitempty" validate:"max=500"`
}

func (SubscriptionExtensionDetails) RequestType() string { return RequestTypeSubscriptionExtension }

type OtherDetails struct{}

func (OtherDetails) RequestType() string { return RequestTypeOther }

var validate = validator.New()

// DecodeRequestDetails parses and validates the raw details payload for the
// given request type. Empty payloads are accepted only for types whose
// variant has no required fields.
func DecodeRequestDetails(requestType string, raw json.RawMessage) (RequestDetails, error) {
	var details RequestDetails
	switch requestType {
	case RequestTypeBatchChange:
		details = &BatchChangeDetails{}
	case RequestTypePenaltyWaiver:
		details = &PenaltyWaiverDetails{}
	case RequestTypeMembership:
		details = &MembershipDetails{}
	case RequestTypeBookRequest:
		details = &BookRequestDetails{}
	case RequestTypeSubscriptionExtension:
		details = &SubscriptionExtensionDetails{}
	case RequestTypeOther:
		details = &OtherDetails{}
	default:
		return nil, fmt.Errorf("unknown request type %q", requestType)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(details); err != nil {
			return nil, fmt.Errorf("invalid %s details: %w", requestType, err)
		}
	}

	if err := validate.Struct(details); err != nil {
		return nil, fmt.Errorf("invalid %s details: %w", requestType, err)
	}

	return details, nil
}

// IsValidRequestType reports whether t names a known request type
func IsValidRequestType(t string) bool {
	switch t {
	case RequestTypeBookRequest, RequestTypeSubscriptionExtension, RequestTypePenaltyWaiver,
		RequestTypeMembership, RequestTypeBatchChange, RequestTypeOther:
		return true
	}
	return false
}
