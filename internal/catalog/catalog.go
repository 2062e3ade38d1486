package catalog

import (
	"context"
	"fmt"
	"strings"

	"circulation-service/internal/errs"
	"circulation-service/internal/models"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Availability is the copy count shown to members
type Availability struct {
	TitleID         int64  `json:"title_id"`
	AvailableCopies int    `json:"available_copies"`
	TotalCopies     int    `json:"total_copies"`
	Source          string `json:"source"`
}

// TitlePage is one page of a catalog search
type TitlePage struct {
	Titles []models.Title `json:"titles"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

// SearchQuery is a catalog search request. Page is 1-based.
type SearchQuery struct {
	Search        string
	Genre         string
	AvailableOnly bool
	Page          int
	Limit         int
}

// NewTitle describes a title an admin adds to the catalog
type NewTitle struct {
	Title       string  `json:"title" binding:"required"`
	Author      string  `json:"author" binding:"required"`
	ISBN        *string `json:"isbn"`
	Genre       *string `json:"genre"`
	TotalCopies int     `json:"total_copies" binding:"required,min=1"`
}

// Search lists ACTIVE titles one page at a time
func (t *Tracker) Search(ctx context.Context, q SearchQuery) (*TitlePage, error) {
	ctx, span := util.StartSpan(ctx, "Catalog.Search")
	defer span.End()

	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}

	titles, total, err := t.store.ListTitles(ctx, store.TitleFilter{
		Search:        strings.TrimSpace(q.Search),
		Genre:         q.Genre,
		AvailableOnly: q.AvailableOnly,
		Limit:         q.Limit,
		Offset:        (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, err
	}

	return &TitlePage{Titles: titles, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

// GetTitle returns an ACTIVE title
func (t *Tracker) GetTitle(ctx context.Context, id int64) (*models.Title, error) {
	title, err := t.store.GetTitle(ctx, id)
	if err != nil {
		return nil, err
	}
	if title.Status != models.TitleStatusActive {
		return nil, errs.ErrTitleNotFound
	}
	return title, nil
}

// Availability reads the mirror first and falls back to the database
func (t *Tracker) Availability(ctx context.Context, titleID int64) (*Availability, error) {
	if t.mirror != nil {
		available, total, err := t.mirror.GetAvailability(ctx, titleID)
		if err == nil {
			return &Availability{TitleID: titleID, AvailableCopies: available, TotalCopies: total, Source: "cache"}, nil
		}
		t.logger.Debug("Availability mirror miss", zap.Int64("title_id", titleID), zap.Error(err))
	}

	title, err := t.GetTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	t.PublishAvailability(title)
	return &Availability{
		TitleID:         title.ID,
		AvailableCopies: title.AvailableCopies,
		TotalCopies:     title.TotalCopies,
		Source:          "database",
	}, nil
}

// AddTitle creates a title with every copy available
func (t *Tracker) AddTitle(ctx context.Context, in NewTitle) (*models.Title, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" {
		return nil, errs.Invalid("title and author are required")
	}
	if in.TotalCopies < 1 {
		return nil, errs.Invalid("total_copies must be at least 1")
	}

	title := &models.Title{
		Title:           strings.TrimSpace(in.Title),
		Author:          strings.TrimSpace(in.Author),
		ISBN:            in.ISBN,
		Genre:           in.Genre,
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
		Status:          models.TitleStatusActive,
	}

	err := t.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTitle(ctx, title)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add title: %w", err)
	}

	t.logger.Info("Title added", zap.Int64("title_id", title.ID), zap.Int("copies", title.TotalCopies))
	t.PublishAvailability(title)
	return title, nil
}

// TitleUpdate is an admin edit. Nil fields keep their current value.
type TitleUpdate struct {
	Title       *string `json:"title"`
	Author      *string `json:"author"`
	ISBN        *string `json:"isbn"`
	Genre       *string `json:"genre"`
	TotalCopies *int    `json:"total_copies"`
	Status      *string `json:"status"`
}

func (u TitleUpdate) empty() bool {
	return u.Title == nil && u.Author == nil && u.ISBN == nil && u.Genre == nil &&
		u.TotalCopies == nil && u.Status == nil
}

// EditTitle applies an admin edit inside tx. Copies on loan stay on loan: a
// new total moves available copies by the same delta and may not drop below
// the number currently issued.
func (t *Tracker) EditTitle(ctx context.Context, tx store.Tx, id int64, in TitleUpdate) (*models.Title, error) {
	if in.empty() {
		return nil, errs.Invalid("no fields to update")
	}

	title, err := tx.LockTitle(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		if strings.TrimSpace(*in.Title) == "" {
			return nil, errs.Invalid("title cannot be blank")
		}
		title.Title = strings.TrimSpace(*in.Title)
	}
	if in.Author != nil {
		if strings.TrimSpace(*in.Author) == "" {
			return nil, errs.Invalid("author cannot be blank")
		}
		title.Author = strings.TrimSpace(*in.Author)
	}
	if in.ISBN != nil {
		title.ISBN = in.ISBN
	}
	if in.Genre != nil {
		title.Genre = in.Genre
	}
	if in.Status != nil {
		switch *in.Status {
		case models.TitleStatusActive, models.TitleStatusArchived:
			title.Status = *in.Status
		default:
			return nil, errs.Invalid(fmt.Sprintf("unknown title status %q", *in.Status))
		}
	}
	if in.TotalCopies != nil {
		onLoan := title.TotalCopies - title.AvailableCopies
		if *in.TotalCopies < 1 {
			return nil, errs.Invalid("total_copies must be at least 1")
		}
		if *in.TotalCopies < onLoan {
			return nil, errs.Invalid(fmt.Sprintf("total_copies %d is below the %d copies on loan", *in.TotalCopies, onLoan))
		}
		title.TotalCopies = *in.TotalCopies
		title.AvailableCopies = *in.TotalCopies - onLoan
	}

	if err := tx.UpdateTitle(ctx, title); err != nil {
		return nil, err
	}
	return title, nil
}

// ArchiveTitle soft-deletes a title inside tx. Open loans can still be
// returned; no new copies are issued. Archiving twice is a no-op.
func (t *Tracker) ArchiveTitle(ctx context.Context, tx store.Tx, id int64) (*models.Title, error) {
	title, err := tx.LockTitle(ctx, id)
	if err != nil {
		return nil, err
	}
	if title.Status == models.TitleStatusArchived {
		return title, nil
	}

	title.Status = models.TitleStatusArchived
	if err := tx.UpdateTitle(ctx, title); err != nil {
		return nil, err
	}
	return title, nil
}
