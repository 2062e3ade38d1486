// Package catalog keeps per-title copy counts consistent under concurrent
// issue and return, and serves the catalog browse reads.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

// Mirror is a non-authoritative copy of availability counts
type Mirror interface {
	SetAvailability(ctx context.Context, titleID int64, available, total int) error
	GetAvailability(ctx context.Context, titleID int64) (available, total int, err error)
	DeleteAvailability(ctx context.Context, titleID int64) error
}

// Tracker reserves and releases copies inside the caller's transaction
type Tracker struct {
	store  store.Store
	mirror Mirror
	logger *zap.Logger

	// per-title mutexes ordering mirror refreshes
	refreshing sync.Map
}

// NewTracker creates a tracker. mirror may be nil.
func NewTracker(st store.Store, mirror Mirror) *Tracker {
	return &Tracker{
		store:  st,
		mirror: mirror,
		logger: util.GetLogger(),
	}
}

// ReserveCopy takes one copy of an ACTIVE title. The title row stays locked
// until tx ends.
func (t *Tracker) ReserveCopy(ctx context.Context, tx store.Tx, titleID int64) (*models.Title, error) {
	title, err := tx.LockTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	if title.Status != models.TitleStatusActive {
		return nil, errs.ErrTitleNotFound
	}
	if title.AvailableCopies <= 0 {
		return nil, errs.ErrUnavailable
	}

	title.AvailableCopies--
	if err := tx.SetAvailableCopies(ctx, title.ID, title.AvailableCopies); err != nil {
		return nil, fmt.Errorf("failed to reserve copy: %w", err)
	}
	return title, nil
}

// ReleaseCopy gives one copy back, never exceeding total copies
func (t *Tracker) ReleaseCopy(ctx context.Context, tx store.Tx, titleID int64) (*models.Title, error) {
	title, err := tx.LockTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}

	if title.AvailableCopies >= title.TotalCopies {
		util.CopyReleasesCappedTotal.Inc()
		t.logger.Warn("Copy release capped at total copies",
			zap.Int64("title_id", title.ID),
			zap.Int("total_copies", title.TotalCopies))
		return title, nil
	}

	title.AvailableCopies++
	if err := tx.SetAvailableCopies(ctx, title.ID, title.AvailableCopies); err != nil {
		return nil, fmt.Errorf("failed to release copy: %w", err)
	}
	return title, nil
}

// PublishAvailability refreshes the mirror in the background. Call it after
// the transaction that changed the title has committed. The mirrored value is
// re-read from the store, so a refresh never writes an older count than the
// one before it.
func (t *Tracker) PublishAvailability(title *models.Title) {
	if t.mirror == nil || title == nil {
		return
	}
	go t.refreshMirror(title.ID)
}

func (t *Tracker) refreshMirror(titleID int64) {
	mu, _ := t.refreshing.LoadOrStore(titleID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	title, err := t.store.GetTitle(ctx, titleID)
	if err != nil {
		t.logger.Warn("Failed to read title for availability mirror",
			zap.Int64("title_id", titleID),
			zap.Error(err))
		return
	}

	if title.Status != models.TitleStatusActive {
		err = t.mirror.DeleteAvailability(ctx, titleID)
	} else {
		err = t.mirror.SetAvailability(ctx, titleID, title.AvailableCopies, title.TotalCopies)
	}
	if err != nil {
		t.logger.Warn("Failed to update availability mirror",
			zap.Int64("title_id", titleID),
			zap.Error(err))
	}
}

// SyncMirror rebuilds the mirror from the database
func (t *Tracker) SyncMirror(ctx context.Context) error {
	if t.mirror == nil {
		return nil
	}
	t.logger.Info("Starting availability sync to Redis")

	titles, _, err := t.store.ListTitles(ctx, store.TitleFilter{})
	if err != nil {
		return fmt.Errorf("failed to list titles: %w", err)
	}

	for _, title := range titles {
		if err := t.mirror.SetAvailability(ctx, title.ID, title.AvailableCopies, title.TotalCopies); err != nil {
			t.logger.Error("Failed to init Redis availability",
				zap.Int64("title_id", title.ID),
				zap.Error(err))
		}
	}

	t.logger.Info("Availability sync completed", zap.Int("count", len(titles)))
	return nil
}
