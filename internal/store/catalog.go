package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const (
	memberColumns = "id, full_name, email, phone, role, batch, time_slot, status, created_at, updated_at"
	titleColumns  = "id, title, author, isbn, genre, total_copies, available_copies, status, created_at, updated_at"
)

// GetMember retrieves a member by ID
func (s *Postgres) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	return getOne[models.Member](ctx, s.db, errs.ErrMemberNotFound,
		"SELECT "+memberColumns+" FROM members WHERE id = $1", id)
}

// GetTitle retrieves a title by ID, archived titles included
func (s *Postgres) GetTitle(ctx context.Context, id int64) (*models.Title, error) {
	return getOne[models.Title](ctx, s.db, errs.ErrTitleNotFound,
		"SELECT "+titleColumns+" FROM titles WHERE id = $1", id)
}

// ListTitles searches ACTIVE titles and returns one page plus the total match count
func (s *Postgres) ListTitles(ctx context.Context, f TitleFilter) ([]models.Title, int, error) {
	where := sq.And{sq.Eq{"status": models.TitleStatusActive}}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		where = append(where, sq.Or{sq.ILike{"title": pattern}, sq.ILike{"author": pattern}})
	}
	if f.Genre != "" {
		where = append(where, sq.Eq{"genre": f.Genre})
	}
	if f.AvailableOnly {
		where = append(where, sq.Gt{"available_copies": 0})
	}

	countQ, countArgs, err := qb.Select("COUNT(*)").From("titles").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.GetContext(ctx, &total, countQ, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count titles: %w", err)
	}

	sel := qb.Select(titleColumns).From("titles").Where(where).OrderBy("title", "id")
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit)).Offset(uint64(f.Offset))
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, 0, err
	}

	titles := []models.Title{}
	if err := s.db.SelectContext(ctx, &titles, q, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list titles: %w", err)
	}
	return titles, total, nil
}

func (t *pgTx) LockMember(ctx context.Context, id int64) (*models.Member, error) {
	return getOne[models.Member](ctx, t.tx, errs.ErrMemberNotFound,
		"SELECT "+memberColumns+" FROM members WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) InsertMember(ctx context.Context, m *models.Member) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO members (full_name, email, phone, role, batch, time_slot, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		m.FullName, m.Email, m.Phone, m.Role, m.Batch, m.TimeSlot, m.Status,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateMember(ctx context.Context, m *models.Member) error {
	err := t.tx.QueryRowxContext(ctx,
		`UPDATE members SET batch = $1, time_slot = $2, status = $3, updated_at = NOW()
		 WHERE id = $4 RETURNING updated_at`,
		m.Batch, m.TimeSlot, m.Status, m.ID,
	).Scan(&m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateMemberStatus(ctx context.Context, id int64, status string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE members SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.ErrMemberNotFound
	}
	return nil
}

func (t *pgTx) LockTitle(ctx context.Context, id int64) (*models.Title, error) {
	return getOne[models.Title](ctx, t.tx, errs.ErrTitleNotFound,
		"SELECT "+titleColumns+" FROM titles WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) InsertTitle(ctx context.Context, title *models.Title) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO titles (title, author, isbn, genre, total_copies, available_copies, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		title.Title, title.Author, title.ISBN, title.Genre, title.TotalCopies, title.AvailableCopies, title.Status,
	).Scan(&title.ID, &title.CreatedAt, &title.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert title: %w", err)
	}
	return nil
}

func (t *pgTx) SetAvailableCopies(ctx context.Context, titleID int64, available int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE titles SET available_copies = $1, updated_at = NOW() WHERE id = $2",
		available, titleID)
	if err != nil {
		return fmt.Errorf("failed to update available copies: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateTitle(ctx context.Context, title *models.Title) error {
	err := t.tx.QueryRowxContext(ctx,
		`UPDATE titles SET title = $1, author = $2, isbn = $3, genre = $4, total_copies = $5,
		   available_copies = $6, status = $7, updated_at = NOW()
		 WHERE id = $8 RETURNING updated_at`,
		title.Title, title.Author, title.ISBN, title.Genre, title.TotalCopies,
		title.AvailableCopies, title.Status, title.ID,
	).Scan(&title.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrTitleNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	return nil
}
