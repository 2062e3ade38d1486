package service

import (
	"context"
	"fmt"

	"circulation-service/internal/catalog"
	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"

	"go.uber.org/zap"
)

const (
	defaultAuditPage = 50
	maxAuditPage     = 200
)

// AdminService holds back-office edits that sit outside the circulation flow
type AdminService struct {
	store   store.Store
	tracker *catalog.Tracker
	effects
}

// NewAdminService creates a new admin service
func NewAdminService(st store.Store, tracker *catalog.Tracker, notifier Notifier, auditor Auditor) *AdminService {
	return &AdminService{
		store:   st,
		tracker: tracker,
		effects: newEffects(notifier, auditor),
	}
}

// UpdateTitle applies an admin edit to a title
func (s *AdminService) UpdateTitle(ctx context.Context, adminID, titleID int64, in catalog.TitleUpdate) (*models.Title, error) {
	var title *models.Title
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		title, err = s.tracker.EditTitle(ctx, tx, titleID, in)
		return err
	})
	if err != nil {
		observeFailure("update_title", err)
		return nil, err
	}

	s.logger.Info("Title updated",
		zap.Int64("title_id", title.ID),
		zap.Int64("admin_id", adminID),
		zap.Int("total_copies", title.TotalCopies),
		zap.Int("available_copies", title.AvailableCopies))

	s.audit(ctx, models.AuditTitleUpdated, models.EntityTitle, &title.ID, &adminID, in)
	s.availabilityChanged(s.tracker, title)
	return title, nil
}

// ArchiveTitle soft-deletes a title
func (s *AdminService) ArchiveTitle(ctx context.Context, adminID, titleID int64) (*models.Title, error) {
	var title *models.Title
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		title, err = s.tracker.ArchiveTitle(ctx, tx, titleID)
		return err
	})
	if err != nil {
		observeFailure("archive_title", err)
		return nil, err
	}

	s.logger.Info("Title archived", zap.Int64("title_id", title.ID), zap.Int64("admin_id", adminID))
	s.audit(ctx, models.AuditTitleArchived, models.EntityTitle, &title.ID, &adminID, nil)
	s.tracker.PublishAvailability(title)
	return title, nil
}

// SetMemberStatus moves a member between ACTIVE, INACTIVE and SUSPENDED.
// Setting the current status again changes nothing.
func (s *AdminService) SetMemberStatus(ctx context.Context, adminID, memberID int64, status string) (*models.Member, error) {
	if !models.IsValidMemberStatus(status) {
		return nil, errs.Invalid(fmt.Sprintf("unknown member status %q", status))
	}

	var member *models.Member
	var previous string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		member, err = tx.LockMember(ctx, memberID)
		if err != nil {
			return err
		}
		previous = member.Status
		if previous == status {
			return nil
		}
		if err := tx.UpdateMemberStatus(ctx, memberID, status); err != nil {
			return err
		}
		member.Status = status
		return nil
	})
	if err != nil {
		observeFailure("member_status", err)
		return nil, err
	}
	if previous == status {
		return member, nil
	}

	s.logger.Info("Member status updated",
		zap.Int64("member_id", memberID),
		zap.Int64("admin_id", adminID),
		zap.String("from", previous),
		zap.String("to", status))
	s.audit(ctx, models.AuditMemberStatusUpdated, models.EntityMember, &memberID, &adminID,
		map[string]string{"old_status": previous, "new_status": status})
	return member, nil
}

// AuditLog pages through the audit trail, newest first
func (s *AdminService) AuditLog(ctx context.Context, f store.AuditFilter) ([]models.AuditEntry, error) {
	if f.Offset < 0 {
		return nil, errs.Invalid("offset must not be negative")
	}
	if f.Limit <= 0 {
		f.Limit = defaultAuditPage
	}
	if f.Limit > maxAuditPage {
		f.Limit = maxAuditPage
	}
	return s.store.ListAuditEntries(ctx, f)
}
