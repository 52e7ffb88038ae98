// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only conversation history.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/coach-intake/internal/domain"
)

// AppendHistory inserts one history line. A line with the same
// (user_id, direction, text, time) already present is left untouched and
// inserted reports false.
func AppendHistory(ctx context.Context, db *gorm.DB, userID, direction, text string, at time.Time) (inserted bool, err error) {
	e := &domain.HistoryEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Direction: direction,
		Text:      text,
		Time:      at.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListHistory returns the most recent limit entries for userID in
// chronological order. limit <= 0 returns everything.
func ListHistory(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	q := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("time desc").
		Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountHistory returns the number of history lines for userID.
func CountHistory(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.HistoryEntry{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}
