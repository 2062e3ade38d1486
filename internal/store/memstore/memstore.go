// Package memstore is an in-memory store.Store. Row locks are per-key
// channels held until the owning transaction ends, and every write inside a
// transaction is undone on rollback. Unlocked reads may observe writes of a
// transaction that is still running.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
)

type Store struct {
	lockTimeout time.Duration

	mu        sync.Mutex
	seq       int64
	members   map[int64]models.Member
	titles    map[int64]models.Title
	loans     map[int64]models.Loan
	subs      map[int64]models.Subscription
	payments  map[int64]models.Payment
	requests  map[int64]models.Request
	audit     []models.AuditEntry
	processed map[string]models.ProcessedEvent
	rowLocks  map[string]chan struct{}
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*memTx)(nil)
)

// New creates an empty store. A zero lockTimeout waits on the context only.
func New(lockTimeout time.Duration) *Store {
	return &Store{
		lockTimeout: lockTimeout,
		members:     make(map[int64]models.Member),
		titles:      make(map[int64]models.Title),
		loans:       make(map[int64]models.Loan),
		subs:        make(map[int64]models.Subscription),
		payments:    make(map[int64]models.Payment),
		requests:    make(map[int64]models.Request),
		processed:   make(map[string]models.ProcessedEvent),
		rowLocks:    make(map[string]chan struct{}),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// WithTx runs fn with row locks released and writes undone unless fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := &memTx{s: s, held: make(map[string]chan struct{})}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
		t.release()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) rowLock(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[key] = ch
	}
	return ch
}

// AddMember seeds a member and returns its id
func (s *Store) AddMember(m models.Member) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextID()
	}
	if m.Status == "" {
		m.Status = models.MemberStatusActive
	}
	if m.Role == "" {
		m.Role = models.RoleMember
	}
	s.members[m.ID] = m
	return m.ID
}

// AddTitle seeds a title and returns its id
func (s *Store) AddTitle(t models.Title) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID()
	}
	if t.Status == "" {
		t.Status = models.TitleStatusActive
	}
	s.titles[t.ID] = t
	return t.ID
}

// AddLoan seeds a loan and returns its id
func (s *Store) AddLoan(l models.Loan) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		l.ID = s.nextID()
	}
	s.loans[l.ID] = l
	return l.ID
}

// AddSubscription seeds a subscription and returns its id
func (s *Store) AddSubscription(sub models.Subscription) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.nextID()
	}
	s.subs[sub.ID] = sub
	return sub.ID
}

// AddPayment seeds a payment and returns its id
func (s *Store) AddPayment(p models.Payment) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextID()
	}
	s.payments[p.ID] = p
	return p.ID
}

// AuditEntries returns a copy of the audit trail
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.audit...)
}

func (s *Store) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, errs.ErrMemberNotFound
	}
	return &m, nil
}

func (s *Store) GetTitle(ctx context.Context, id int64) (*models.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.titles[id]
	if !ok {
		return nil, errs.ErrTitleNotFound
	}
	return &t, nil
}

func (s *Store) ListTitles(ctx context.Context, f store.TitleFilter) ([]models.Title, int, error) {
	s.mu.Lock()
	search := strings.ToLower(f.Search)
	matched := []models.Title{}
	for _, t := range s.titles {
		if t.Status != models.TitleStatusActive {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Title), search) &&
			!strings.Contains(strings.ToLower(t.Author), search) {
			continue
		}
		if f.Genre != "" && (t.Genre == nil || *t.Genre != f.Genre) {
			continue
		}
		if f.AvailableOnly && t.AvailableCopies <= 0 {
			continue
		}
		matched = append(matched, t)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Title != matched[j].Title {
			return matched[i].Title < matched[j].Title
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if f.Limit > 0 {
		start := f.Offset
		if start > total {
			start = total
		}
		end := start + f.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (s *Store) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, errs.ErrLoanNotFound
	}
	return &l, nil
}

func (s *Store) ListOpenLoans(ctx context.Context, memberID *int64) ([]models.Loan, error) {
	s.mu.Lock()
	loans := []models.Loan{}
	for _, l := range s.loans {
		if l.IsOpen() && (memberID == nil || l.MemberID == *memberID) {
			loans = append(loans, l)
		}
	}
	s.mu.Unlock()

	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].DueDate.Equal(loans[j].DueDate) {
			return loans[i].DueDate.Before(loans[j].DueDate)
		}
		return loans[i].ID < loans[j].ID
	})
	return loans, nil
}

func (s *Store) LoanHistory(ctx context.Context, memberID int64, limit int) ([]models.Loan, error) {
	s.mu.Lock()
	loans := []models.Loan{}
	for _, l := range s.loans {
		if l.MemberID == memberID && l.Status == models.LoanStatusReturned {
			loans = append(loans, l)
		}
	}
	s.mu.Unlock()

	sort.Slice(loans, func(i, j int) bool {
		a, b := loans[i].ReturnDate, loans[j].ReturnDate
		if a != nil && b != nil && !a.Equal(*b) {
			return a.After(*b)
		}
		return loans[i].ID > loans[j].ID
	})
	if limit > 0 && len(loans) > limit {
		loans = loans[:limit]
	}
	return loans, nil
}

func (s *Store) OverdueLoanIDs(ctx context.Context, today time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []int64{}
	for _, l := range s.loans {
		if l.IsOpen() && l.ReturnDate == nil && !l.PenaltyWaived && l.DueDate.Before(today) {
			ids = append(ids, l.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, memberID int64) ([]models.Subscription, error) {
	s.mu.Lock()
	subs := []models.Subscription{}
	for _, sub := range s.subs {
		if sub.MemberID == memberID {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].EndDate.Equal(subs[j].EndDate) {
			return subs[i].EndDate.After(subs[j].EndDate)
		}
		return subs[i].ID > subs[j].ID
	})
	return subs, nil
}

func (s *Store) LapsedSubscriptionIDs(ctx context.Context, today time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []int64{}
	for _, sub := range s.subs {
		if sub.Status == models.SubscriptionStatusActive && sub.EndDate.Before(today) {
			ids = append(ids, sub.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paymentByOrder(orderID)
	if !ok {
		return nil, errs.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *Store) paymentByOrder(orderID string) (models.Payment, bool) {
	for _, p := range s.payments {
		if p.GatewayOrderID != nil && *p.GatewayOrderID == orderID {
			return p, true
		}
	}
	return models.Payment{}, false
}

func (s *Store) ListPayments(ctx context.Context, f store.PaymentFilter) ([]models.Payment, error) {
	s.mu.Lock()
	payments := []models.Payment{}
	for _, p := range s.payments {
		if f.MemberID != nil && p.MemberID != *f.MemberID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		payments = append(payments, p)
	}
	s.mu.Unlock()

	sort.Slice(payments, func(i, j int) bool { return payments[i].ID > payments[j].ID })
	if f.Limit > 0 && len(payments) > f.Limit {
		payments = payments[:f.Limit]
	}
	return payments, nil
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, errs.ErrRequestNotFound
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, f store.RequestFilter) ([]models.Request, error) {
	s.mu.Lock()
	requests := []models.Request{}
	for _, r := range s.requests {
		if f.MemberID != nil && (r.MemberID == nil || *r.MemberID != *f.MemberID) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		requests = append(requests, r)
	}
	s.mu.Unlock()

	sort.Slice(requests, func(i, j int) bool { return requests[i].ID > requests[j].ID })
	return requests, nil
}

func (s *Store) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID()
	entry.CreatedAt = time.Now()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, f store.AuditFilter) ([]models.AuditEntry, error) {
	s.mu.Lock()
	entries := []models.AuditEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		switch {
		case f.Action != "" && e.Action != f.Action:
			continue
		case f.EntityType != "" && e.EntityType != f.EntityType:
			continue
		case f.EntityID != nil && (e.EntityID == nil || *e.EntityID != *f.EntityID):
			continue
		case f.PerformedBy != nil && (e.PerformedBy == nil || *e.PerformedBy != *f.PerformedBy):
			continue
		}
		entries = append(entries, e)
	}
	s.mu.Unlock()

	if f.Offset >= len(entries) {
		return []models.AuditEntry{}, nil
	}
	entries = entries[f.Offset:]
	if f.Limit > 0 && f.Limit < len(entries) {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now()}
	}
	return nil
}

func lockKey(kind string, id interface{}) string {
	return fmt.Sprintf("%s:%v", kind, id)
}
