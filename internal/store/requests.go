package store

import (
	"context"
	"fmt"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const auditColumns = "id, action, entity_type, entity_id, performed_by, detail, created_at"

const requestColumns = "id, member_id, type, subject, description, details, status, admin_response, " +
	"reviewed_by, reviewed_at, created_at, updated_at"

// GetRequest retrieves a request by ID
func (s *Postgres) GetRequest(ctx context.Context, id int64) (*models.Request, error) {
	return getOne[models.Request](ctx, s.db, errs.ErrRequestNotFound,
		"SELECT "+requestColumns+" FROM requests WHERE id = $1", id)
}

// ListRequests lists requests, newest first
func (s *Postgres) ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	sel := qb.Select(requestColumns).From("requests").OrderBy("created_at DESC", "id DESC")
	if f.MemberID != nil {
		sel = sel.Where(sq.Eq{"member_id": *f.MemberID})
	}
	if f.Status != "" {
		sel = sel.Where(sq.Eq{"status": f.Status})
	}

	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}

	requests := []models.Request{}
	if err := s.db.SelectContext(ctx, &requests, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return requests, nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r *models.Request) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO requests (member_id, type, subject, description, details, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		r.MemberID, r.Type, r.Subject, r.Description, nullableJSON(r.Details), r.Status,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (t *pgTx) LockRequest(ctx context.Context, id int64) (*models.Request, error) {
	return getOne[models.Request](ctx, t.tx, errs.ErrRequestNotFound,
		"SELECT "+requestColumns+" FROM requests WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *models.Request) error {
	err := t.tx.QueryRowxContext(ctx,
		`UPDATE requests SET member_id = $1, status = $2, admin_response = $3, reviewed_by = $4,
		   reviewed_at = $5, updated_at = NOW()
		 WHERE id = $6 RETURNING updated_at`,
		r.MemberID, r.Status, r.AdminResponse, r.ReviewedBy, r.ReviewedAt, r.ID,
	).Scan(&r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	return nil
}

// InsertAuditEntry appends an audit record
func (s *Postgres) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (action, entity_type, entity_id, performed_by, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.Action, entry.EntityType, entry.EntityID, entry.PerformedBy, nullableJSON(entry.Detail))
	return err
}

// ListAuditEntries reads the audit trail, newest first
func (s *Postgres) ListAuditEntries(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	sel := qb.Select(auditColumns).From("audit_logs").OrderBy("created_at DESC", "id DESC")
	if f.Action != "" {
		sel = sel.Where(sq.Eq{"action": f.Action})
	}
	if f.EntityType != "" {
		sel = sel.Where(sq.Eq{"entity_type": f.EntityType})
	}
	if f.EntityID != nil {
		sel = sel.Where(sq.Eq{"entity_id": *f.EntityID})
	}
	if f.PerformedBy != nil {
		sel = sel.Where(sq.Eq{"performed_by": *f.PerformedBy})
	}
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit)).Offset(uint64(f.Offset))
	}

	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}

	entries := []models.AuditEntry{}
	if err := s.db.SelectContext(ctx, &entries, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// IsEventProcessed checks if an event has been processed (idempotency)
func (s *Postgres) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM processed_events WHERE event_id = $1", eventID)
	return count > 0, err
}

// MarkEventProcessed marks an event as processed
func (s *Postgres) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		eventID, eventType)
	return err
}
