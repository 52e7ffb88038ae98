package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/repo"
)

// Store is the persistence contract the Orchestrator writes through.
// Implementations must treat the review entry ID as an idempotency key.
type Store interface {
	// LoadState returns repo.ErrNotFound for an unknown user.
	LoadState(ctx context.Context, userID string) (*domain.ConversationState, error)
	SaveState(ctx context.Context, st *domain.ConversationState) error

	// AppendHistory reports whether a new row was written.
	AppendHistory(ctx context.Context, userID, direction, text string, at time.Time) (bool, error)
	RecentHistory(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error)

	EnqueueReview(ctx context.Context, e *domain.ReviewQueueEntry) (string, error)
	PromoteToAutoSend(ctx context.Context, reviewID string, delay time.Duration) (*domain.ScheduledSend, error)

	RecordAlert(ctx context.Context, userID, operation, detail string, cause error) error
}

// GormStore implements Store on the repo package.
type GormStore struct {
	DB *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{DB: db} }

func (s *GormStore) LoadState(ctx context.Context, userID string) (*domain.ConversationState, error) {
	return repo.LoadState(ctx, s.DB, userID)
}

func (s *GormStore) SaveState(ctx context.Context, st *domain.ConversationState) error {
	return repo.SaveState(ctx, s.DB, st)
}

func (s *GormStore) AppendHistory(ctx context.Context, userID, direction, text string, at time.Time) (bool, error) {
	return repo.AppendHistory(ctx, s.DB, userID, direction, text, at)
}

func (s *GormStore) RecentHistory(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	return repo.ListHistory(ctx, s.DB, userID, limit)
}

func (s *GormStore) EnqueueReview(ctx context.Context, e *domain.ReviewQueueEntry) (string, error) {
	return repo.EnqueueReview(ctx, s.DB, e)
}

func (s *GormStore) PromoteToAutoSend(ctx context.Context, reviewID string, delay time.Duration) (*domain.ScheduledSend, error) {
	return repo.PromoteToAutoSend(ctx, s.DB, reviewID, delay)
}

func (s *GormStore) RecordAlert(ctx context.Context, userID, operation, detail string, cause error) error {
	_, err := repo.CreateOperatorAlert(ctx, s.DB, userID, operation, detail, cause)
	return err
}
