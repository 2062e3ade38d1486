package memstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"
)

type memTx struct {
	s    *Store
	held map[string]chan struct{}
	undo []func()
}

// lock takes the row lock for key, waiting at most the store's lock timeout
func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.rowLock(key)

	var timeout <-chan time.Time
	if t.s.lockTimeout > 0 {
		timer := time.NewTimer(t.s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-timeout:
		return fmt.Errorf("%w: lock wait on %s timed out", errs.ErrContention, key)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrContention, ctx.Err())
	}
}

func (t *memTx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Must be called with s.mu held.
func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) LockMember(ctx context.Context, id int64) (*models.Member, error) {
	if err := t.lock(ctx, lockKey("member", id)); err != nil {
		return nil, err
	}
	return t.s.GetMember(ctx, id)
}

func (t *memTx) InsertMember(ctx context.Context, m *models.Member) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.members {
		if existing.Email == m.Email {
			return errs.Invalid("email already registered")
		}
	}
	m.ID = s.nextID()
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	s.members[m.ID] = *m
	id := m.ID
	t.onRollback(func() { delete(s.members, id) })
	return nil
}

func (t *memTx) UpdateMember(ctx context.Context, m *models.Member) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.members[m.ID]
	if !ok {
		return errs.ErrMemberNotFound
	}
	next := prev
	next.Batch, next.TimeSlot, next.Status = m.Batch, m.TimeSlot, m.Status
	next.UpdatedAt = time.Now()
	m.UpdatedAt = next.UpdatedAt
	s.members[m.ID] = next
	t.onRollback(func() { s.members[prev.ID] = prev })
	return nil
}

func (t *memTx) UpdateMemberStatus(ctx context.Context, id int64, status string) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.members[id]
	if !ok {
		return errs.ErrMemberNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = time.Now()
	s.members[id] = next
	t.onRollback(func() { s.members[prev.ID] = prev })
	return nil
}

func (t *memTx) LockTitle(ctx context.Context, id int64) (*models.Title, error) {
	if err := t.lock(ctx, lockKey("title", id)); err != nil {
		return nil, err
	}
	return t.s.GetTitle(ctx, id)
}

func (t *memTx) InsertTitle(ctx context.Context, title *models.Title) error {
	if title.AvailableCopies < 0 || title.AvailableCopies > title.TotalCopies {
		return fmt.Errorf("failed to insert title: available copies out of range")
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	title.ID = s.nextID()
	title.CreatedAt = time.Now()
	title.UpdatedAt = title.CreatedAt
	s.titles[title.ID] = *title
	id := title.ID
	t.onRollback(func() { delete(s.titles, id) })
	return nil
}

func (t *memTx) UpdateTitle(ctx context.Context, title *models.Title) error {
	if title.AvailableCopies < 0 || title.AvailableCopies > title.TotalCopies {
		return fmt.Errorf("failed to update title: %d available outside [0, %d]", title.AvailableCopies, title.TotalCopies)
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.titles[title.ID]
	if !ok {
		return errs.ErrTitleNotFound
	}
	if title.ISBN != nil {
		for _, other := range s.titles {
			if other.ID != title.ID && other.ISBN != nil && *other.ISBN == *title.ISBN {
				return errs.Invalid("isbn already in catalog")
			}
		}
	}
	next := *title
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = time.Now()
	title.UpdatedAt = next.UpdatedAt
	s.titles[title.ID] = next
	t.onRollback(func() { s.titles[prev.ID] = prev })
	return nil
}

func (t *memTx) SetAvailableCopies(ctx context.Context, titleID int64, available int) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.titles[titleID]
	if !ok {
		return errs.ErrTitleNotFound
	}
	if available < 0 || available > prev.TotalCopies {
		return fmt.Errorf("failed to update available copies: %d outside [0, %d]", available, prev.TotalCopies)
	}
	next := prev
	next.AvailableCopies = available
	next.UpdatedAt = time.Now()
	s.titles[titleID] = next
	t.onRollback(func() { s.titles[prev.ID] = prev })
	return nil
}

func (t *memTx) ActiveSubscriptionOn(ctx context.Context, memberID int64, today time.Time) (*models.Subscription, error) {
	sub, err := t.LatestActiveSubscription(ctx, memberID)
	if err != nil || sub == nil || sub.EndDate.Before(today) {
		return nil, err
	}
	return sub, nil
}

func (t *memTx) LatestActiveSubscription(ctx context.Context, memberID int64) (*models.Subscription, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Subscription
	for _, sub := range s.subs {
		if sub.MemberID != memberID || sub.Status != models.SubscriptionStatusActive {
			continue
		}
		if latest == nil || sub.EndDate.After(latest.EndDate) {
			sub := sub
			latest = &sub
		}
	}
	return latest, nil
}

func (t *memTx) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.PaymentID != nil {
		for _, existing := range s.subs {
			if existing.PaymentID != nil && *existing.PaymentID == *sub.PaymentID {
				return fmt.Errorf("failed to insert subscription: payment %d already applied", *sub.PaymentID)
			}
		}
	}
	sub.ID = s.nextID()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	s.subs[sub.ID] = *sub
	id := sub.ID
	t.onRollback(func() { delete(s.subs, id) })
	return nil
}

func (t *memTx) ExpireSubscription(ctx context.Context, id int64, today time.Time) (bool, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.subs[id]
	if !ok || prev.Status != models.SubscriptionStatusActive || !prev.EndDate.Before(today) {
		return false, nil
	}
	next := prev
	next.Status = models.SubscriptionStatusExpired
	next.UpdatedAt = time.Now()
	s.subs[id] = next
	t.onRollback(func() { s.subs[prev.ID] = prev })
	return true, nil
}

func (t *memTx) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return t.s.GetLoan(ctx, id)
}

func (t *memTx) LockLoan(ctx context.Context, id int64) (*models.Loan, error) {
	if err := t.lock(ctx, lockKey("loan", id)); err != nil {
		return nil, err
	}
	return t.s.GetLoan(ctx, id)
}

func (t *memTx) HasOpenLoan(ctx context.Context, memberID, titleID int64) (bool, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOpenLoan(memberID, titleID), nil
}

func (s *Store) hasOpenLoan(memberID, titleID int64) bool {
	for _, l := range s.loans {
		if l.MemberID == memberID && l.TitleID == titleID && l.IsOpen() {
			return true
		}
	}
	return false
}

func (t *memTx) InsertLoan(ctx context.Context, l *models.Loan) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasOpenLoan(l.MemberID, l.TitleID) {
		return fmt.Errorf("%w: member %d, title %d", errs.ErrDuplicateLoan, l.MemberID, l.TitleID)
	}
	l.ID = s.nextID()
	l.CreatedAt = time.Now()
	l.UpdatedAt = l.CreatedAt
	s.loans[l.ID] = *l
	id := l.ID
	t.onRollback(func() { delete(s.loans, id) })
	return nil
}

func (t *memTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	if l.PenaltyAmount.IsNegative() {
		return errors.New("failed to update loan: negative penalty")
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.loans[l.ID]
	if !ok {
		return errs.ErrLoanNotFound
	}
	next := prev
	next.ReturnDate = l.ReturnDate
	next.PenaltyAmount = l.PenaltyAmount
	next.PenaltyWaived = l.PenaltyWaived
	next.PenaltySettledAt = l.PenaltySettledAt
	next.Status = l.Status
	next.UpdatedAt = time.Now()
	l.UpdatedAt = next.UpdatedAt
	s.loans[l.ID] = next
	t.onRollback(func() { s.loans[prev.ID] = prev })
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.GatewayOrderID != nil {
		if _, exists := s.paymentByOrder(*p.GatewayOrderID); exists {
			return fmt.Errorf("failed to insert payment: order %s already recorded", *p.GatewayOrderID)
		}
	}
	p.ID = s.nextID()
	p.CreatedAt = time.Now()
	s.payments[p.ID] = *p
	id := p.ID
	t.onRollback(func() { delete(s.payments, id) })
	return nil
}

func (t *memTx) LockPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	if err := t.lock(ctx, lockKey("payment", orderID)); err != nil {
		return nil, err
	}
	return t.s.GetPaymentByOrderID(ctx, orderID)
}

func (t *memTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.payments[p.ID]
	if !ok {
		return errs.ErrPaymentNotFound
	}
	next := prev
	next.Status = p.Status
	next.GatewayPaymentID = p.GatewayPaymentID
	next.GatewaySignature = p.GatewaySignature
	next.CompletedAt = p.CompletedAt
	s.payments[p.ID] = next
	t.onRollback(func() { s.payments[prev.ID] = prev })
	return nil
}

func (t *memTx) InsertRequest(ctx context.Context, r *models.Request) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	s.requests[r.ID] = *r
	id := r.ID
	t.onRollback(func() { delete(s.requests, id) })
	return nil
}

func (t *memTx) LockRequest(ctx context.Context, id int64) (*models.Request, error) {
	if err := t.lock(ctx, lockKey("request", id)); err != nil {
		return nil, err
	}
	return t.s.GetRequest(ctx, id)
}

func (t *memTx) UpdateRequest(ctx context.Context, r *models.Request) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.requests[r.ID]
	if !ok {
		return errs.ErrRequestNotFound
	}
	next := prev
	next.MemberID = r.MemberID
	next.Status = r.Status
	next.AdminResponse = r.AdminResponse
	next.ReviewedBy = r.ReviewedBy
	next.ReviewedAt = r.ReviewedAt
	next.UpdatedAt = time.Now()
	r.UpdatedAt = next.UpdatedAt
	s.requests[r.ID] = next
	t.onRollback(func() { s.requests[prev.ID] = prev })
	return nil
}
