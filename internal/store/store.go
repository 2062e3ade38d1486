package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store is the authoritative persistence layer. Reads outside WithTx see
// committed state only.
type Store interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Lock waits that exceed the
	// configured lock timeout surface as errs.ErrContention.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetMember(ctx context.Context, id int64) (*models.Member, error)
	GetTitle(ctx context.Context, id int64) (*models.Title, error)
	ListTitles(ctx context.Context, f TitleFilter) ([]models.Title, int, error)
	GetLoan(ctx context.Context, id int64) (*models.Loan, error)
	ListOpenLoans(ctx context.Context, memberID *int64) ([]models.Loan, error)
	LoanHistory(ctx context.Context, memberID int64, limit int) ([]models.Loan, error)
	OverdueLoanIDs(ctx context.Context, today time.Time) ([]int64, error)
	ListSubscriptions(ctx context.Context, memberID int64) ([]models.Subscription, error)
	LapsedSubscriptionIDs(ctx context.Context, today time.Time) ([]int64, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]models.Payment, error)
	GetRequest(ctx context.Context, id int64) (*models.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error)
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a unit of work. Lock* methods take an exclusive row lock that is
// held until the enclosing transaction ends; taking the same lock twice in
// one transaction does not block.
type Tx interface {
	LockMember(ctx context.Context, id int64) (*models.Member, error)
	InsertMember(ctx context.Context, m *models.Member) error
	UpdateMember(ctx context.Context, m *models.Member) error
	UpdateMemberStatus(ctx context.Context, id int64, status string) error

	LockTitle(ctx context.Context, id int64) (*models.Title, error)
	InsertTitle(ctx context.Context, t *models.Title) error
	// UpdateTitle writes every editable column of a title locked by LockTitle
	UpdateTitle(ctx context.Context, t *models.Title) error
	SetAvailableCopies(ctx context.Context, titleID int64, available int) error

	// ActiveSubscriptionOn returns the ACTIVE subscription with the latest
	// end date that is not before today, or nil.
	ActiveSubscriptionOn(ctx context.Context, memberID int64, today time.Time) (*models.Subscription, error)
	// LatestActiveSubscription returns the ACTIVE subscription with the
	// latest end date, or nil.
	LatestActiveSubscription(ctx context.Context, memberID int64) (*models.Subscription, error)
	InsertSubscription(ctx context.Context, s *models.Subscription) error
	// ExpireSubscription flips an ACTIVE subscription that ended before today
	// to EXPIRED and reports whether a row changed.
	ExpireSubscription(ctx context.Context, id int64, today time.Time) (bool, error)

	GetLoan(ctx context.Context, id int64) (*models.Loan, error)
	LockLoan(ctx context.Context, id int64) (*models.Loan, error)
	HasOpenLoan(ctx context.Context, memberID, titleID int64) (bool, error)
	InsertLoan(ctx context.Context, l *models.Loan) error
	UpdateLoan(ctx context.Context, l *models.Loan) error

	InsertPayment(ctx context.Context, p *models.Payment) error
	LockPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error

	InsertRequest(ctx context.Context, r *models.Request) error
	LockRequest(ctx context.Context, id int64) (*models.Request, error)
	UpdateRequest(ctx context.Context, r *models.Request) error
}

// TitleFilter narrows a catalog listing. Limit 0 means no limit.
type TitleFilter struct {
	Search        string
	Genre         string
	AvailableOnly bool
	Limit         int
	Offset        int
}

type PaymentFilter struct {
	MemberID *int64
	Status   string
	Limit    int
}

type RequestFilter struct {
	MemberID *int64
	Status   string
}

// AuditFilter narrows the audit trail, newest entries first
type AuditFilter struct {
	Action      string
	EntityType  string
	EntityID    *int64
	PerformedBy *int64
	Limit       int
	Offset      int
}

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres implements Store on PostgreSQL
type Postgres struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewStore creates a new database store
func NewStore(databaseURL string, lockTimeout time.Duration) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db, lockTimeout: lockTimeout}, nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *sqlx.DB, lockTimeout time.Duration) *Postgres {
	return &Postgres{db: db, lockTimeout: lockTimeout}
}

// Close closes the database connection
func (s *Postgres) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Postgres) GetDB() *sqlx.DB {
	return s.db
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction with a bounded lock wait
func (s *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify maps driver errors onto the errs taxonomy. Errors that already
// carry a domain sentinel pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgerrcode.LockNotAvailable, pgerrcode.DeadlockDetected, pgerrcode.SerializationFailure:
			return fmt.Errorf("%w: %v", errs.ErrContention, err)
		case pgerrcode.UniqueViolation:
			switch pqErr.Constraint {
			case openLoanIndex:
				return fmt.Errorf("%w: %v", errs.ErrDuplicateLoan, err)
			case memberEmailKey:
				return errs.Invalid("email already registered")
			case titleISBNKey:
				return errs.Invalid("isbn already in catalog")
			}
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errs.ErrContention) {
		return fmt.Errorf("%w: %v", errs.ErrContention, err)
	}
	return err
}

const (
	openLoanIndex  = "loans_open_member_title_idx"
	memberEmailKey = "members_email_key"
	titleISBNKey   = "titles_isbn_key"
)

type pgTx struct {
	tx *sqlx.Tx
}

func getOne[T any](ctx context.Context, q sqlx.QueryerContext, notFound error, query string, args ...interface{}) (*T, error) {
	var out T
	err := sqlx.GetContext(ctx, q, &out, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// getOptional returns nil, nil when no row matches
func getOptional[T any](ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*T, error) {
	var out T
	err := sqlx.GetContext(ctx, q, &out, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
