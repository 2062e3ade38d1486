package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RequestService runs the member request and admin review workflow
type RequestService struct {
	store store.Store
	effects
}

// NewRequestService creates a request service
func NewRequestService(st store.Store, notifier Notifier, auditor Auditor) *RequestService {
	return &RequestService{store: st, effects: newEffects(notifier, auditor)}
}

// NewRequest is a request submitted by a signed-in member
type NewRequest struct {
	Type        string          `json:"type" binding:"required"`
	Subject     string          `json:"subject" binding:"required,max=255"`
	Description string          `json:"description" binding:"max=2000"`
	Details     json.RawMessage `json:"details"`
}

// MembershipApplication is submitted before the applicant has an account
type MembershipApplication struct {
	models.MembershipDetails
	Message string `json:"message"`
}

// Create files a request on behalf of memberID
func (s *RequestService) Create(ctx context.Context, memberID int64, in NewRequest) (*models.Request, error) {
	if memberID <= 0 {
		return nil, errs.Invalid("member is required")
	}
	if !models.IsValidRequestType(in.Type) {
		return nil, errs.Invalid(fmt.Sprintf("unknown request type %q", in.Type))
	}
	if in.Type == models.RequestTypeMembership {
		return nil, errs.Invalid("membership applications are submitted without an account")
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, errs.Invalid("subject is required")
	}

	details, err := models.DecodeRequestDetails(in.Type, in.Details)
	if err != nil {
		return nil, errs.Invalid(err.Error())
	}
	if waiver, ok := details.(*models.PenaltyWaiverDetails); ok {
		loan, err := s.store.GetLoan(ctx, waiver.LoanID)
		if err != nil {
			return nil, err
		}
		if loan.MemberID != memberID {
			return nil, errs.ErrLoanNotFound
		}
	}

	return s.insert(ctx, &memberID, in.Type, in.Subject, in.Description, details)
}

// CreateMembership files a membership application
func (s *RequestService) CreateMembership(ctx context.Context, in MembershipApplication) (*models.Request, error) {
	raw, err := json.Marshal(in.MembershipDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to encode membership details: %w", err)
	}
	details, err := models.DecodeRequestDetails(models.RequestTypeMembership, raw)
	if err != nil {
		return nil, errs.Invalid(err.Error())
	}

	subject := "Membership registration: " + in.FullName
	return s.insert(ctx, nil, models.RequestTypeMembership, subject, in.Message, details)
}

func (s *RequestService) insert(ctx context.Context, memberID *int64, requestType, subject, description string, details models.RequestDetails) (*models.Request, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request details: %w", err)
	}

	req := &models.Request{
		MemberID:    memberID,
		Type:        requestType,
		Subject:     subject,
		Description: description,
		Details:     raw,
		Status:      models.RequestStatusPending,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		observeFailure("create_request", err)
		return nil, err
	}

	s.logger.Info("Request created",
		zap.Int64("request_id", req.ID),
		zap.String("type", requestType))
	s.audit(ctx, models.AuditRequestCreated, models.EntityRequest, &req.ID, memberID,
		map[string]string{"type": requestType})
	return req, nil
}

// ListMine lists the requests a member filed
func (s *RequestService) ListMine(ctx context.Context, memberID int64) ([]models.Request, error) {
	return s.store.ListRequests(ctx, store.RequestFilter{MemberID: &memberID})
}

// ListAll lists every request, optionally by status
func (s *RequestService) ListAll(ctx context.Context, status string) ([]models.Request, error) {
	switch status {
	case "", models.RequestStatusPending, models.RequestStatusApproved, models.RequestStatusRejected:
	default:
		return nil, errs.Invalid(fmt.Sprintf("unknown request status %q", status))
	}
	return s.store.ListRequests(ctx, store.RequestFilter{Status: status})
}

// Approve accepts a pending request and applies its effect in the same
// transaction
func (s *RequestService) Approve(ctx context.Context, requestID, adminID int64, response string, now time.Time) (*models.Request, error) {
	ctx, span := util.StartSpan(ctx, "RequestService.Approve",
		attribute.Int64("request_id", requestID))
	defer span.End()

	if requestID <= 0 || adminID <= 0 {
		return nil, errs.Invalid("request and admin are required")
	}

	var req *models.Request
	var applied string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		req, err = s.lockPending(ctx, tx, requestID)
		if err != nil {
			return err
		}

		details, err := models.DecodeRequestDetails(req.Type, req.Details)
		if err != nil {
			return errs.Invalid(err.Error())
		}
		applied, err = s.apply(ctx, tx, req, details)
		if err != nil {
			return err
		}

		return s.review(ctx, tx, req, models.RequestStatusApproved, adminID, response, now)
	})
	if err != nil {
		observeFailure("approve_request", err)
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Request approved",
		zap.Int64("request_id", requestID),
		zap.String("type", req.Type),
		zap.Int64("admin_id", adminID))
	s.audit(ctx, models.AuditRequestApproved, models.EntityRequest, &requestID, &adminID,
		map[string]string{"type": req.Type})
	if applied != "" {
		s.audit(ctx, applied, models.EntityRequest, &requestID, &adminID, nil)
	}
	return req, nil
}

// Reject declines a pending request
func (s *RequestService) Reject(ctx context.Context, requestID, adminID int64, reason string, now time.Time) (*models.Request, error) {
	if requestID <= 0 || adminID <= 0 {
		return nil, errs.Invalid("request and admin are required")
	}

	var req *models.Request
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		req, err = s.lockPending(ctx, tx, requestID)
		if err != nil {
			return err
		}
		return s.review(ctx, tx, req, models.RequestStatusRejected, adminID, reason, now)
	})
	if err != nil {
		observeFailure("reject_request", err)
		return nil, err
	}

	s.logger.Info("Request rejected", zap.Int64("request_id", requestID), zap.Int64("admin_id", adminID))
	s.audit(ctx, models.AuditRequestRejected, models.EntityRequest, &requestID, &adminID,
		map[string]string{"reason": reason})
	return req, nil
}

func (s *RequestService) lockPending(ctx context.Context, tx store.Tx, requestID int64) (*models.Request, error) {
	req, err := tx.LockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestStatusPending {
		return nil, errs.ErrRequestNotPending
	}
	return req, nil
}

func (s *RequestService) review(ctx context.Context, tx store.Tx, req *models.Request, status string, adminID int64, response string, now time.Time) error {
	req.Status = status
	req.ReviewedBy = &adminID
	req.ReviewedAt = &now
	if response != "" {
		req.AdminResponse = &response
	}
	return tx.UpdateRequest(ctx, req)
}

// apply runs the effect of an approved request and returns the audit action
// it corresponds to, if any
func (s *RequestService) apply(ctx context.Context, tx store.Tx, req *models.Request, details models.RequestDetails) (string, error) {
	switch d := details.(type) {
	case *models.BatchChangeDetails:
		if req.MemberID == nil {
			return "", errs.ErrMemberNotFound
		}
		member, err := tx.LockMember(ctx, *req.MemberID)
		if err != nil {
			return "", err
		}
		member.Batch = ptr(d.NewBatch)
		member.TimeSlot = ptr(d.NewTimeSlot)
		if err := tx.UpdateMember(ctx, member); err != nil {
			return "", err
		}
		return models.AuditBatchChanged, nil

	case *models.PenaltyWaiverDetails:
		loan, err := tx.LockLoan(ctx, d.LoanID)
		if err != nil {
			return "", err
		}
		if req.MemberID == nil || loan.MemberID != *req.MemberID {
			return "", errs.ErrLoanNotFound
		}
		loan.PenaltyAmount = decimal.Zero
		loan.PenaltyWaived = true
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return "", err
		}
		return models.AuditPenaltyWaived, nil

	case *models.MembershipDetails:
		member := &models.Member{
			FullName: d.FullName,
			Email:    d.Email,
			Phone:    ptr(d.Phone),
			Role:     models.RoleMember,
			Status:   models.MemberStatusActive,
		}
		if d.Batch != "" {
			member.Batch = ptr(d.Batch)
		}
		if err := tx.InsertMember(ctx, member); err != nil {
			return "", err
		}
		req.MemberID = &member.ID
		return models.AuditMemberRegistered, nil
	}
	return "", nil
}
