// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the operator alert queue.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/coach-intake/internal/domain"
)

// CreateOperatorAlert records work an operator must follow up on.
func CreateOperatorAlert(ctx context.Context, db *gorm.DB, userID, operation, detail string, cause error) (*domain.OperatorAlert, error) {
	a := &domain.OperatorAlert{
		ID:        uuid.NewString(),
		UserID:    userID,
		Operation: operation,
		Detail:    detail,
		Error:     cause.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// ListOpenOperatorAlerts returns unresolved alerts, newest first.
func ListOpenOperatorAlerts(ctx context.Context, db *gorm.DB, limit int) ([]domain.OperatorAlert, error) {
	var out []domain.OperatorAlert
	q := db.WithContext(ctx).Where("resolved = ?", false).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ResolveOperatorAlert marks an alert handled.
func ResolveOperatorAlert(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.OperatorAlert{}).
		Where("id = ?", id).
		Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
