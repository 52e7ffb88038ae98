// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ConversationState model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a state row is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/coach-intake/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// LoadState fetches the conversation state for userID, or ErrNotFound.
func LoadState(ctx context.Context, db *gorm.DB, userID string) (*domain.ConversationState, error) {
	var st domain.ConversationState
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveState upserts the conversation state keyed by UserID. The
// last_bot_reply_time column belongs to delivery (see TouchBotReply) and is
// only written here when the row is first inserted.
func SaveState(ctx context.Context, db *gorm.DB, st *domain.ConversationState) error {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"funnel_kind", "funnel_stage", "funnel_scenario", "lead_source",
				"last_user_message_time", "message_count", "updated_at",
			}),
		}).
		Create(st).Error
}

// TouchBotReply sets last_bot_reply_time for userID, creating the row if the
// user has never been seen.
func TouchBotReply(ctx context.Context, db *gorm.DB, userID string, at time.Time) error {
	now := time.Now().UTC()
	st := &domain.ConversationState{
		UserID:           userID,
		FunnelKind:       domain.FunnelNone,
		LastBotReplyTime: &at,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_bot_reply_time", "updated_at"}),
		}).
		Create(st).Error
}

// LastBotReplyTime returns the last delivered reply time for userID. The
// boolean is false when the user is unknown or has never received a reply.
func LastBotReplyTime(ctx context.Context, db *gorm.DB, userID string) (time.Time, bool, error) {
	var row struct {
		LastBotReplyTime *time.Time
	}
	err := db.WithContext(ctx).
		Model(&domain.ConversationState{}).
		Select("last_bot_reply_time").
		Where("user_id = ?", userID).
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if row.LastBotReplyTime == nil {
		return time.Time{}, false, nil
	}
	return *row.LastBotReplyTime, true, nil
}
