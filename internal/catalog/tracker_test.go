package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) SetAvailability(ctx context.Context, titleID int64, available, total int) error {
	args := m.Called(ctx, titleID, available, total)
	return args.Error(0)
}

func (m *mockMirror) DeleteAvailability(ctx context.Context, titleID int64) error {
	args := m.Called(ctx, titleID)
	return args.Error(0)
}

func (m *mockMirror) GetAvailability(ctx context.Context, titleID int64) (int, int, error) {
	args := m.Called(ctx, titleID)
	return args.Int(0), args.Int(1), args.Error(2)
}

func reserve(t *Tracker, st store.Store, titleID int64) error {
	return st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := t.ReserveCopy(ctx, tx, titleID)
		return err
	})
}

func TestReserveCopy(t *testing.T) {
	st := memstore.New(time.Second)
	tracker := NewTracker(st, nil)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 1, AvailableCopies: 1})
	archivedID := st.AddTitle(models.Title{Title: "Old", TotalCopies: 1, AvailableCopies: 1, Status: models.TitleStatusArchived})

	require.NoError(t, reserve(tracker, st, titleID))
	assert.ErrorIs(t, reserve(tracker, st, titleID), errs.ErrUnavailable)
	assert.ErrorIs(t, reserve(tracker, st, archivedID), errs.ErrTitleNotFound)
	assert.ErrorIs(t, reserve(tracker, st, 999), errs.ErrTitleNotFound)

	title, err := st.GetTitle(context.Background(), titleID)
	require.NoError(t, err)
	assert.Equal(t, 0, title.AvailableCopies)
}

func TestConcurrentReserveOfLastCopy(t *testing.T) {
	st := memstore.New(time.Second)
	tracker := NewTracker(st, nil)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 3, AvailableCopies: 1})

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = reserve(tracker, st, titleID)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrUnavailable)
	}
	assert.Equal(t, 1, succeeded)

	title, err := st.GetTitle(context.Background(), titleID)
	require.NoError(t, err)
	assert.Equal(t, 0, title.AvailableCopies)
}

func TestReleaseCopyIsCapped(t *testing.T) {
	st := memstore.New(time.Second)
	tracker := NewTracker(st, nil)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 2, AvailableCopies: 1})

	release := func() *models.Title {
		var title *models.Title
		err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			title, err = tracker.ReleaseCopy(ctx, tx, titleID)
			return err
		})
		require.NoError(t, err)
		return title
	}

	assert.Equal(t, 2, release().AvailableCopies)
	assert.Equal(t, 2, release().AvailableCopies)

	title, err := st.GetTitle(context.Background(), titleID)
	require.NoError(t, err)
	assert.Equal(t, 2, title.AvailableCopies)
}

func TestAvailabilityFallsBackToDatabase(t *testing.T) {
	st := memstore.New(time.Second)
	mirror := new(mockMirror)
	tracker := NewTracker(st, mirror)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 4, AvailableCopies: 3})

	published := make(chan struct{})
	mirror.On("GetAvailability", mock.Anything, titleID).Return(0, 0, errors.New("redis: nil")).Once()
	mirror.On("SetAvailability", mock.Anything, titleID, 3, 4).Return(nil).Run(func(mock.Arguments) {
		close(published)
	}).Once()

	got, err := tracker.Availability(context.Background(), titleID)
	require.NoError(t, err)
	assert.Equal(t, &Availability{TitleID: titleID, AvailableCopies: 3, TotalCopies: 4, Source: "database"}, got)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("mirror was not refreshed")
	}
	mirror.AssertExpectations(t)
}

func TestAvailabilityFromMirror(t *testing.T) {
	st := memstore.New(time.Second)
	mirror := new(mockMirror)
	tracker := NewTracker(st, mirror)

	mirror.On("GetAvailability", mock.Anything, int64(5)).Return(1, 2, nil).Once()

	got, err := tracker.Availability(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "cache", got.Source)
	assert.Equal(t, 1, got.AvailableCopies)
}

func TestSearchPaginates(t *testing.T) {
	st := memstore.New(time.Second)
	tracker := NewTracker(st, nil)
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		st.AddTitle(models.Title{Title: name, Author: "Anon", TotalCopies: 1, AvailableCopies: 1})
	}
	st.AddTitle(models.Title{Title: "Delta", Author: "Anon", TotalCopies: 1, AvailableCopies: 0})

	page, err := tracker.Search(context.Background(), SearchQuery{AvailableOnly: true, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Titles, 1)
	assert.Equal(t, "Gamma", page.Titles[0].Title)
}

func TestAddTitleValidates(t *testing.T) {
	st := memstore.New(time.Second)
	tracker := NewTracker(st, nil)

	_, err := tracker.AddTitle(context.Background(), NewTitle{Title: "Dune", Author: "Herbert", TotalCopies: 0})
	assert.ErrorIs(t, err, errs.ErrValidation)

	title, err := tracker.AddTitle(context.Background(), NewTitle{Title: "Dune", Author: "Herbert", TotalCopies: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, title.AvailableCopies)
}

type recordingMirror struct {
	mu     sync.Mutex
	writes int
	last   map[int64]int
}

func (m *recordingMirror) SetAvailability(ctx context.Context, titleID int64, available, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = map[int64]int{}
	}
	m.writes++
	m.last[titleID] = available
	return nil
}

func (m *recordingMirror) GetAvailability(ctx context.Context, titleID int64) (int, int, error) {
	return 0, 0, errors.New("not cached")
}

func (m *recordingMirror) DeleteAvailability(ctx context.Context, titleID int64) error {
	return nil
}

func (m *recordingMirror) snapshot(titleID int64) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.last[titleID]
}

func TestPublishAvailabilityWritesStoredCount(t *testing.T) {
	st := memstore.New(time.Second)
	mirror := new(mockMirror)
	tracker := NewTracker(st, mirror)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 4, AvailableCopies: 2})

	written := make(chan struct{})
	mirror.On("SetAvailability", mock.Anything, titleID, 2, 4).Return(nil).Run(func(mock.Arguments) {
		close(written)
	}).Once()

	tracker.PublishAvailability(&models.Title{ID: titleID, TotalCopies: 4, AvailableCopies: 4})

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("mirror was not refreshed")
	}
	mirror.AssertExpectations(t)
}

func TestConcurrentPublishesSettleOnLatestCount(t *testing.T) {
	st := memstore.New(time.Second)
	mirror := &recordingMirror{}
	tracker := NewTracker(st, mirror)
	const copies = 20
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: copies, AvailableCopies: copies})

	var wg sync.WaitGroup
	for i := 0; i < copies; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var title *models.Title
			err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				var err error
				title, err = tracker.ReserveCopy(ctx, tx, titleID)
				return err
			})
			if assert.NoError(t, err) {
				tracker.PublishAvailability(title)
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		writes, _ := mirror.snapshot(titleID)
		return writes == copies
	}, 2*time.Second, 10*time.Millisecond)

	_, last := mirror.snapshot(titleID)
	assert.Equal(t, 0, last)
}

func editTitle(tracker *Tracker, st store.Store, id int64, in TitleUpdate) (*models.Title, error) {
	var title *models.Title
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		title, err = tracker.EditTitle(ctx, tx, id, in)
		return err
	})
	return title, err
}

func TestEditTitle(t *testing.T) {
	intPtr := func(v int) *int { return &v }
	strPtr := func(v string) *string { return &v }

	tests := []struct {
		name          string
		in            TitleUpdate
		wantErr       error
		wantTotal     int
		wantAvailable int
	}{
		{"grow keeps loans", TitleUpdate{TotalCopies: intPtr(5)}, nil, 5, 3},
		{"shrink to copies on loan", TitleUpdate{TotalCopies: intPtr(2)}, nil, 2, 0},
		{"shrink below copies on loan", TitleUpdate{TotalCopies: intPtr(1)}, errs.ErrValidation, 3, 1},
		{"rename", TitleUpdate{Title: strPtr("Dune Messiah")}, nil, 3, 1},
		{"blank author", TitleUpdate{Author: strPtr("  ")}, errs.ErrValidation, 3, 1},
		{"unknown status", TitleUpdate{Status: strPtr("LOST")}, errs.ErrValidation, 3, 1},
		{"nothing to change", TitleUpdate{}, errs.ErrValidation, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memstore.New(time.Second)
			tracker := NewTracker(st, nil)
			titleID := st.AddTitle(models.Title{Title: "Dune", Author: "Herbert", TotalCopies: 3, AvailableCopies: 1})

			_, err := editTitle(tracker, st, titleID, tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			stored, err := st.GetTitle(context.Background(), titleID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, stored.TotalCopies)
			assert.Equal(t, tt.wantAvailable, stored.AvailableCopies)
		})
	}

	t.Run("missing title", func(t *testing.T) {
		st := memstore.New(time.Second)
		_, err := editTitle(NewTracker(st, nil), st, 404, TitleUpdate{TotalCopies: intPtr(2)})
		assert.ErrorIs(t, err, errs.ErrTitleNotFound)
	})
}

func TestArchiveTitle(t *testing.T) {
	st := memstore.New(time.Second)
	tracker := NewTracker(st, nil)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 2, AvailableCopies: 1})

	archive := func() *models.Title {
		var title *models.Title
		err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			title, err = tracker.ArchiveTitle(ctx, tx, titleID)
			return err
		})
		require.NoError(t, err)
		return title
	}

	assert.Equal(t, models.TitleStatusArchived, archive().Status)
	assert.Equal(t, models.TitleStatusArchived, archive().Status)

	assert.ErrorIs(t, reserve(tracker, st, titleID), errs.ErrTitleNotFound)
	_, err := tracker.GetTitle(context.Background(), titleID)
	assert.ErrorIs(t, err, errs.ErrTitleNotFound)

	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tracker.ReleaseCopy(ctx, tx, titleID)
		return err
	})
	require.NoError(t, err, "copies on loan can still come back")
	stored, err := st.GetTitle(context.Background(), titleID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.AvailableCopies)
}

func TestArchivedTitleLeavesMirror(t *testing.T) {
	st := memstore.New(time.Second)
	mirror := new(mockMirror)
	tracker := NewTracker(st, mirror)
	titleID := st.AddTitle(models.Title{Title: "Dune", TotalCopies: 1, AvailableCopies: 1, Status: models.TitleStatusArchived})

	deleted := make(chan struct{})
	mirror.On("DeleteAvailability", mock.Anything, titleID).Return(nil).Run(func(mock.Arguments) {
		close(deleted)
	}).Once()

	tracker.PublishAvailability(&models.Title{ID: titleID})

	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("archived title was not removed from the mirror")
	}
	mirror.AssertExpectations(t)
}
