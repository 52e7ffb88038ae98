package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/repo"
)

// ReviewService is the read side of the review dashboard.
type ReviewService struct {
	DB           *gorm.DB
	HistoryLimit int // lines returned by Conversation; <=0 means 50
}

// Conversation is one user's state with recent history and queued replies.
type Conversation struct {
	State   *domain.ConversationState `json:"state"`
	History []domain.HistoryEntry     `json:"history"`
	Reviews []domain.ReviewQueueEntry `json:"reviews"`
}

// ListPage returns a page of entries in status (pending_review when empty)
// with the total count. Invalid page/pageSize fall back to defaults.
func (s *ReviewService) ListPage(ctx context.Context, status string, page, pageSize int) ([]domain.ReviewQueueEntry, int64, error) {
	if status == "" {
		status = domain.ReviewPending
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountReviews(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ReviewQueueEntry{}, 0, nil
	}
	items, err := repo.ListReviewsPage(ctx, s.DB, status, offset, pageSize)
	return items, total, err
}

// Stats returns the entry count and latest update time for status; it
// backs the list ETag.
func (s *ReviewService) Stats(ctx context.Context, status string) (int64, *time.Time, error) {
	if status == "" {
		status = domain.ReviewPending
	}
	return repo.ReviewsStats(ctx, s.DB, status)
}

// Get returns one review entry.
func (s *ReviewService) Get(ctx context.Context, id string) (*domain.ReviewQueueEntry, error) {
	e, err := repo.GetReview(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReviewNotFound
	}
	return e, err
}

// Conversation loads everything the dashboard shows for userID. An unknown
// user yields ErrUserNotFound.
func (s *ReviewService) Conversation(ctx context.Context, userID string) (*Conversation, error) {
	st, err := repo.LoadState(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	hist, err := repo.ListHistory(ctx, s.DB, userID, limit)
	if err != nil {
		return nil, err
	}
	reviews, err := repo.ListReviewsForUser(ctx, s.DB, userID, limit)
	if err != nil {
		return nil, err
	}
	return &Conversation{State: st, History: hist, Reviews: reviews}, nil
}

// OpenAlerts lists unresolved operator alerts, newest first.
func (s *ReviewService) OpenAlerts(ctx context.Context, limit int) ([]domain.OperatorAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	return repo.ListOpenOperatorAlerts(ctx, s.DB, limit)
}

// ResolveAlert marks an alert handled.
func (s *ReviewService) ResolveAlert(ctx context.Context, id string) error {
	err := repo.ResolveOperatorAlert(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrAlertNotFound
	}
	return err
}
