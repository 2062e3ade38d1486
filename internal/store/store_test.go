package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	s := NewWithDB(sqlx.NewDb(db, "sqlmock"), 5*time.Second)
	t.Cleanup(func() { s.Close() })
	return s, mock
}

var titleRowColumns = []string{"id", "title", "author", "isbn", "genre", "total_copies", "available_copies", "status", "created_at", "updated_at"}

func TestWithTxReserveCommits(t *testing.T) {
	s, mock := setupMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '5000ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM titles WHERE id = $1 FOR UPDATE")).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(titleRowColumns).
			AddRow(7, "Dune", "Frank Herbert", nil, "SciFi", 3, 3, "ACTIVE", now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE titles SET available_copies = $1, updated_at = NOW() WHERE id = $2")).
		WithArgs(2, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		title, err := tx.LockTitle(ctx, 7)
		if err != nil {
			return err
		}
		return tx.SetAvailableCopies(ctx, title.ID, title.AvailableCopies-1)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxMissingTitle(t *testing.T) {
	s, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM titles WHERE id = $1 FOR UPDATE")).
		WithArgs(99).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockTitle(ctx, 99)
		return err
	})
	assert.ErrorIs(t, err, errs.ErrTitleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxClassifiesDriverErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"lock timeout", &pq.Error{Code: "55P03"}, errs.ErrContention},
		{"deadlock", &pq.Error{Code: "40P01"}, errs.ErrContention},
		{"serialization failure", &pq.Error{Code: "40001"}, errs.ErrContention},
		{"open loan unique index", &pq.Error{Code: "23505", Constraint: openLoanIndex}, errs.ErrDuplicateLoan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupMock(t)

			mock.ExpectBegin()
			mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta("FROM loans WHERE id = $1 FOR UPDATE")).
				WithArgs(1).
				WillReturnError(tt.err)
			mock.ExpectRollback()

			err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
				_, err := tx.LockLoan(ctx, 1)
				return err
			})
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClassifyLeavesOtherUniqueViolations(t *testing.T) {
	err := classify(&pq.Error{Code: "23505", Constraint: "members_email_key"})
	assert.NotErrorIs(t, err, errs.ErrDuplicateLoan)
	assert.False(t, errs.IsRetryable(err))
}

func TestListTitlesBuildsSearch(t *testing.T) {
	s, mock := setupMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM titles WHERE`).
		WithArgs(models.TitleStatusActive, "%dune%", "%dune%", 0).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(21))
	mock.ExpectQuery(`FROM titles WHERE .* ORDER BY title, id LIMIT 10 OFFSET 20`).
		WithArgs(models.TitleStatusActive, "%dune%", "%dune%", 0).
		WillReturnRows(sqlmock.NewRows(titleRowColumns).
			AddRow(1, "Dune", "Frank Herbert", nil, nil, 2, 1, "ACTIVE", now, now))

	titles, total, err := s.ListTitles(context.Background(), TitleFilter{
		Search:        "dune",
		AvailableOnly: true,
		Limit:         10,
		Offset:        20,
	})
	require.NoError(t, err)
	assert.Equal(t, 21, total)
	require.Len(t, titles, 1)
	assert.Equal(t, "Dune", titles[0].Title)
	assert.Nil(t, titles[0].Genre)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverdueLoanIDs(t *testing.T) {
	s, mock := setupMock(t)
	today := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND penalty_waived = FALSE AND due_date < $1")).
		WithArgs(today).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(8))

	ids, err := s.OverdueLoanIDs(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 8}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireSubscriptionIsConditional(t *testing.T) {
	s, mock := setupMock(t)
	today := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'ACTIVE' AND end_date < $2")).
		WithArgs(4, today).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var changed bool
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		changed, err = tx.ExpireSubscription(ctx, 4, today)
		return err
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedEvents(t *testing.T) {
	s, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM processed_events WHERE event_id = $1")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING")).
		WithArgs("evt-1", models.EventTypeGatewayPaymentCaptured).
		WillReturnResult(sqlmock.NewResult(0, 1))

	processed, err := s.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt-1", models.EventTypeGatewayPaymentCaptured))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTitleAndMemberStatus(t *testing.T) {
	s, mock := setupMock(t)
	now := time.Now()
	genre := "SciFi"

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE titles SET title = $1, author = $2, isbn = $3, genre = $4, total_copies = $5")).
		WithArgs("Dune", "Frank Herbert", nil, &genre, 4, 3, models.TitleStatusArchived, 7).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE members SET status = $1, updated_at = NOW() WHERE id = $2")).
		WithArgs(models.MemberStatusSuspended, 9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	title := &models.Title{ID: 7, Title: "Dune", Author: "Frank Herbert", Genre: &genre,
		TotalCopies: 4, AvailableCopies: 3, Status: models.TitleStatusArchived}
	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.UpdateTitle(ctx, title); err != nil {
			return err
		}
		return tx.UpdateMemberStatus(ctx, 9, models.MemberStatusSuspended)
	})
	require.NoError(t, err)
	assert.True(t, title.UpdatedAt.Equal(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRowsNotFound(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		run    func(ctx context.Context, tx Tx) error
		want   error
	}{
		{
			name: "member",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE members SET status").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			run:  func(ctx context.Context, tx Tx) error { return tx.UpdateMemberStatus(ctx, 99, models.MemberStatusActive) },
			want: errs.ErrMemberNotFound,
		},
		{
			name: "title",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE titles SET title").WillReturnError(sql.ErrNoRows)
			},
			run:  func(ctx context.Context, tx Tx) error { return tx.UpdateTitle(ctx, &models.Title{ID: 99}) },
			want: errs.ErrTitleNotFound,
		},
		{
			name: "duplicate isbn",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE titles SET title").
					WillReturnError(&pq.Error{Code: "23505", Constraint: "titles_isbn_key"})
			},
			run:  func(ctx context.Context, tx Tx) error { return tx.UpdateTitle(ctx, &models.Title{ID: 7}) },
			want: errs.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := setupMock(t)
			mock.ExpectBegin()
			mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
			tt.expect(mock)
			mock.ExpectRollback()

			err := s.WithTx(context.Background(), tt.run)
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListAuditEntriesFilters(t *testing.T) {
	s, mock := setupMock(t)
	now := time.Now()
	adminID := int64(3)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM audit_logs WHERE action = $1 AND performed_by = $2 ORDER BY created_at DESC, id DESC LIMIT 5 OFFSET 10")).
		WithArgs(models.AuditTitleArchived, adminID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "entity_type", "entity_id", "performed_by", "detail", "created_at"}).
			AddRow(40, models.AuditTitleArchived, models.EntityTitle, 7, adminID, nil, now))

	entries, err := s.ListAuditEntries(context.Background(), AuditFilter{
		Action:      models.AuditTitleArchived,
		PerformedBy: &adminID,
		Limit:       5,
		Offset:      10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(40), entries[0].ID)
	require.NotNil(t, entries[0].EntityID)
	assert.Equal(t, int64(7), *entries[0].EntityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
