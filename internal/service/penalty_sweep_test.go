package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockLocker) Unlock(ctx context.Context, key, token string) error {
	args := m.Called(ctx, key, token)
	return args.Error(0)
}

func overdueLoan(f *fixture, memberID, titleID int64, due time.Time) int64 {
	return f.store.AddLoan(models.Loan{
		MemberID:      memberID,
		TitleID:       titleID,
		IssueDate:     due.AddDate(0, 0, -30),
		DueDate:       due,
		PenaltyAmount: decimal.Zero,
		Status:        models.LoanStatusIssued,
	})
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memberID := f.member("asha")
	titleID := f.title("Dune", 3)
	lateID := overdueLoan(f, memberID, titleID, day0.AddDate(0, 0, -3))
	dueTodayID := overdueLoan(f, memberID, f.title("Emma", 1), day0.Add(-time.Hour))

	first, err := f.sweep.RunSweepOnce(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LoansUpdated)
	snapshot, err := f.store.GetLoan(ctx, lateID)
	require.NoError(t, err)

	second, err := f.sweep.RunSweepOnce(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LoansUpdated)
	assert.Equal(t, 1, second.LoansUnchanged)

	after, err := f.store.GetLoan(ctx, lateID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOverdue, after.Status)
	assert.True(t, after.PenaltyAmount.Equal(snapshot.PenaltyAmount))
	assert.True(t, after.PenaltyAmount.Equal(decimal.NewFromInt(30)), after.PenaltyAmount.String())

	notYet, err := f.store.GetLoan(ctx, dueTodayID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusIssued, notYet.Status, "loans due today are not swept")
}

func TestSweepPenaltyIsStableWithinADay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := time.Date(2026, time.March, 2, 15, 0, 0, 0, time.UTC)
	loanID := overdueLoan(f, f.member("asha"), f.title("Dune", 1), due)

	early := time.Date(2026, time.March, 7, 1, 0, 0, 0, time.UTC)
	late := time.Date(2026, time.March, 7, 16, 0, 0, 0, time.UTC)

	first, err := f.sweep.RunSweepOnce(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LoansUpdated)
	morning, err := f.store.GetLoan(ctx, loanID)
	require.NoError(t, err)
	assert.True(t, morning.PenaltyAmount.Equal(decimal.NewFromInt(50)), morning.PenaltyAmount.String())

	second, err := f.sweep.RunSweepOnce(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LoansUpdated)
	assert.Equal(t, 1, second.LoansUnchanged)
	evening, err := f.store.GetLoan(ctx, loanID)
	require.NoError(t, err)
	assert.True(t, evening.PenaltyAmount.Equal(morning.PenaltyAmount), evening.PenaltyAmount.String())

	nextDay, err := f.sweep.RunSweepOnce(ctx, early.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, nextDay.LoansUpdated)
	after, err := f.store.GetLoan(ctx, loanID)
	require.NoError(t, err)
	assert.True(t, after.PenaltyAmount.Equal(decimal.NewFromInt(60)), after.PenaltyAmount.String())
}

func TestSweepSkipsWaivedAndReturnedLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memberID := f.member("asha")
	titleID := f.title("Dune", 3)
	returnedAt := day0.AddDate(0, 0, -1)
	waivedID := f.store.AddLoan(models.Loan{
		MemberID: memberID, TitleID: titleID, DueDate: day0.AddDate(0, 0, -10),
		PenaltyAmount: decimal.Zero, PenaltyWaived: true, Status: models.LoanStatusOverdue,
	})
	returnedID := f.store.AddLoan(models.Loan{
		MemberID: memberID, TitleID: titleID, DueDate: day0.AddDate(0, 0, -10), ReturnDate: &returnedAt,
		PenaltyAmount: decimal.NewFromInt(90), Status: models.LoanStatusReturned,
	})

	report, err := f.sweep.RunSweepOnce(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.LoansUpdated)

	waived, err := f.store.GetLoan(ctx, waivedID)
	require.NoError(t, err)
	assert.True(t, waived.PenaltyAmount.IsZero())

	returned, err := f.store.GetLoan(ctx, returnedID)
	require.NoError(t, err)
	assert.True(t, returned.PenaltyAmount.Equal(decimal.NewFromInt(90)))
}

func TestSweepContinuesAfterRowFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memberID := f.member("asha")
	blockedID := overdueLoan(f, memberID, f.title("Dune", 1), day0.AddDate(0, 0, -2))
	freeID := overdueLoan(f, memberID, f.title("Emma", 1), day0.AddDate(0, 0, -2))

	locked := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockLoan(ctx, blockedID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	report, err := f.sweep.RunSweepOnce(ctx, day0)
	close(release)
	require.NoError(t, err)
	require.NoError(t, <-held)

	assert.Equal(t, 1, report.LoanFailures)
	assert.Equal(t, 1, report.LoansUpdated)

	free, err := f.store.GetLoan(ctx, freeID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOverdue, free.Status)

	blocked, err := f.store.GetLoan(ctx, blockedID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusIssued, blocked.Status)
}

func TestSweepExpiresLapsedSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memberID := f.member("asha")
	lapsed := f.subscribe(memberID, day0.AddDate(0, -4, 0))
	current := f.subscribe(memberID, day0.AddDate(0, 0, -1))

	report, err := f.sweep.RunSweepOnce(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SubscriptionsExpired)

	subs, err := f.ledger.List(ctx, memberID)
	require.NoError(t, err)
	statuses := map[int64]string{}
	for _, s := range subs {
		statuses[s.ID] = s.Status
	}
	assert.Equal(t, models.SubscriptionStatusExpired, statuses[lapsed])
	assert.Equal(t, models.SubscriptionStatusActive, statuses[current])
}

func TestSweepLock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		f := newFixture(t)
		overdueLoan(f, f.member("asha"), f.title("Dune", 1), day0.AddDate(0, 0, -2))

		locker := &mockLocker{}
		locker.On("TryLock", mock.Anything, sweepLockKey, sweepLockTTL).Return("", false, nil)
		sweep := NewPenaltySweep(f.store, f.policy, locker, nil, nil)

		report, err := sweep.RunSweepOnce(context.Background(), day0)
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		assert.Equal(t, 0, report.LoansUpdated)
		locker.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("acquired and released", func(t *testing.T) {
		f := newFixture(t)
		overdueLoan(f, f.member("asha"), f.title("Dune", 1), day0.AddDate(0, 0, -2))

		locker := &mockLocker{}
		locker.On("TryLock", mock.Anything, sweepLockKey, sweepLockTTL).Return("token-1", true, nil)
		locker.On("Unlock", mock.Anything, sweepLockKey, "token-1").Return(nil)
		sweep := NewPenaltySweep(f.store, f.policy, locker, nil, nil)

		report, err := sweep.RunSweepOnce(context.Background(), day0)
		require.NoError(t, err)
		assert.False(t, report.Skipped)
		assert.Equal(t, 1, report.LoansUpdated)
		locker.AssertExpectations(t)
	})

	t.Run("lock error", func(t *testing.T) {
		f := newFixture(t)
		locker := &mockLocker{}
		locker.On("TryLock", mock.Anything, sweepLockKey, sweepLockTTL).Return("", false, errors.New("redis down"))
		sweep := NewPenaltySweep(f.store, f.policy, locker, nil, nil)

		_, err := sweep.RunSweepOnce(context.Background(), day0)
		assert.Error(t, err)
	})
}
