// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the review
// queue and the scheduled sends created when an entry is auto-promoted.
//
// Status transitions are expressed as conditional UPDATEs (WHERE status IN
// ...) so concurrent reviewers and the auto-sender cannot move an entry out of
// a terminal state. A conditional update that matches nothing reports
// ErrStaleStatus when the row exists, or ErrNotFound when it does not.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/coach-intake/internal/domain"
)

// ErrStaleStatus indicates a status transition was attempted from a state
// that does not allow it (e.g. rejecting an entry already sent).
var ErrStaleStatus = errors.New("review status does not allow this transition")

// ErrClaimed indicates another sender holds a live send claim on the entry.
var ErrClaimed = errors.New("review is claimed by an in-flight send")

// claimRule says how a status transition treats the send claim.
type claimRule int

const (
	claimIgnore  claimRule = iota
	claimRespect           // refuse while a live claim exists
	claimRelease           // clear the claim along with the transition
)

// EnqueueReview inserts e and returns its id. An empty ID is filled with a
// fresh UUID; a caller-supplied ID that already exists is treated as a
// successful retry and the existing row is left as is.
func EnqueueReview(ctx context.Context, db *gorm.DB, e *domain.ReviewQueueEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.ReviewPending
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(e).Error; err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetReview fetches one review entry by id, or ErrNotFound.
func GetReview(ctx context.Context, db *gorm.DB, id string) (*domain.ReviewQueueEntry, error) {
	var e domain.ReviewQueueEntry
	if err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// PromoteToAutoSend moves a pending entry to auto_scheduled and creates its
// ScheduledSend due at now+delay, in one transaction. Promoting an entry that
// is already auto_scheduled is a no-op.
func PromoteToAutoSend(ctx context.Context, db *gorm.DB, id string, delay time.Duration) (*domain.ScheduledSend, error) {
	var out *domain.ScheduledSend
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, id, domain.ReviewAutoScheduled, claimIgnore, domain.ReviewPending, domain.ReviewAutoScheduled); err != nil {
			return err
		}
		now := time.Now().UTC()
		s := &domain.ScheduledSend{
			ID:            uuid.NewString(),
			ReviewID:      id,
			ScheduledTime: now.Add(delay),
			Status:        domain.SendPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(s).Error; err != nil {
			return err
		}
		var got domain.ScheduledSend
		if err := tx.Where("review_id = ?", id).First(&got).Error; err != nil {
			return err
		}
		out = &got
		return nil
	})
	return out, err
}

// ClaimSend leases a pending or auto_scheduled entry to one sender until
// now+lease. It returns ErrClaimed while another lease is live, and
// ErrStaleStatus once the entry is sent or rejected.
func ClaimSend(ctx context.Context, db *gorm.DB, id string, lease time.Duration) error {
	now := time.Now().UTC()
	tx := db.WithContext(ctx)
	res := tx.Model(&domain.ReviewQueueEntry{}).
		Where("id = ? AND status IN ?", id, []string{domain.ReviewPending, domain.ReviewAutoScheduled}).
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		Updates(map[string]any{"claimed_until": now.Add(lease), "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return classifyMiss(tx, id)
	}
	return nil
}

// ReleaseSend drops the send claim on id after a failed attempt.
func ReleaseSend(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.ReviewQueueEntry{}).
		Where("id = ?", id).
		Update("claimed_until", nil).Error
}

// MarkReviewSent sets status=sent for a pending or auto_scheduled entry and
// releases its send claim. Marking an already sent entry is a no-op.
func MarkReviewSent(ctx context.Context, db *gorm.DB, id string) error {
	return transition(db.WithContext(ctx), id, domain.ReviewSent, claimRelease,
		domain.ReviewPending, domain.ReviewAutoScheduled, domain.ReviewSent)
}

// MarkReviewRejected sets status=rejected for an entry not yet sent and not
// claimed by an in-flight send.
func MarkReviewRejected(ctx context.Context, db *gorm.DB, id string) error {
	return transition(db.WithContext(ctx), id, domain.ReviewRejected, claimRespect,
		domain.ReviewPending, domain.ReviewAutoScheduled, domain.ReviewRejected)
}

// UpdateProposedReply lets a reviewer edit the reply text before approval.
// Text under an in-flight send cannot change.
func UpdateProposedReply(ctx context.Context, db *gorm.DB, id, reply string) error {
	res := db.WithContext(ctx).
		Model(&domain.ReviewQueueEntry{}).
		Where("id = ? AND status IN ?", id, []string{domain.ReviewPending, domain.ReviewAutoScheduled}).
		Where("(claimed_until IS NULL OR claimed_until < ?)", time.Now().UTC()).
		Updates(map[string]any{"proposed_reply": reply, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return classifyMiss(db.WithContext(ctx), id)
	}
	return nil
}

// CountReviews returns the number of entries with the given status.
func CountReviews(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ReviewQueueEntry{}).
		Where("status = ?", status).
		Count(&total).Error
	return total, err
}

// ListReviewsPage returns a page of entries with the given status, oldest
// first so reviewers work the queue in arrival order.
func ListReviewsPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.ReviewQueueEntry, error) {
	var out []domain.ReviewQueueEntry
	err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListReviewsForUser returns every entry queued for userID, newest first.
func ListReviewsForUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.ReviewQueueEntry, error) {
	var out []domain.ReviewQueueEntry
	q := db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DueSends returns pending scheduled sends whose time has come.
func DueSends(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.ScheduledSend, error) {
	var out []domain.ScheduledSend
	err := db.WithContext(ctx).
		Where("status = ? AND scheduled_time <= ?", domain.SendPending, now).
		Order("scheduled_time asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetScheduledSend returns the scheduled send for a review, or ErrNotFound.
func GetScheduledSend(ctx context.Context, db *gorm.DB, reviewID string) (*domain.ScheduledSend, error) {
	var s domain.ScheduledSend
	if err := db.WithContext(ctx).Where("review_id = ?", reviewID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkSendSent closes the scheduled send for reviewID, if any.
func MarkSendSent(ctx context.Context, db *gorm.DB, reviewID string) error {
	return db.WithContext(ctx).
		Model(&domain.ScheduledSend{}).
		Where("review_id = ?", reviewID).
		Updates(map[string]any{
			"status":     domain.SendSent,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": "",
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkSendAttemptFailed records a failed attempt. After maxAttempts the send
// is parked as failed and stays there for manual resend; otherwise it is
// pushed back by retryIn.
func MarkSendAttemptFailed(ctx context.Context, db *gorm.DB, reviewID string, cause error, maxAttempts int, retryIn time.Duration) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.ScheduledSend
		if err := tx.Where("review_id = ?", reviewID).First(&s).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		s.Attempts++
		s.LastError = cause.Error()
		s.UpdatedAt = now
		if s.Attempts >= maxAttempts {
			s.Status = domain.SendFailed
		} else {
			s.ScheduledTime = now.Add(retryIn)
		}
		return tx.Model(&domain.ScheduledSend{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{
				"attempts":       s.Attempts,
				"last_error":     s.LastError,
				"status":         s.Status,
				"scheduled_time": s.ScheduledTime,
				"updated_at":     s.UpdatedAt,
			}).Error
	})
}

// transition performs a conditional status update.
func transition(tx *gorm.DB, id, to string, rule claimRule, from ...string) error {
	now := time.Now().UTC()
	updates := map[string]any{"status": to, "updated_at": now}
	q := tx.Model(&domain.ReviewQueueEntry{}).Where("id = ? AND status IN ?", id, from)
	switch rule {
	case claimRespect:
		q = q.Where("(claimed_until IS NULL OR claimed_until < ?)", now)
	case claimRelease:
		updates["claimed_until"] = nil
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return classifyMiss(tx, id)
	}
	return nil
}

// classifyMiss explains why a conditional update on id matched nothing.
func classifyMiss(tx *gorm.DB, id string) error {
	var e domain.ReviewQueueEntry
	if err := tx.Select("id", "status", "claimed_until").Where("id = ?", id).Take(&e).Error; err != nil {
		return err
	}
	open := e.Status == domain.ReviewPending || e.Status == domain.ReviewAutoScheduled
	if open && e.ClaimedUntil != nil && e.ClaimedUntil.After(time.Now()) {
		return ErrClaimed
	}
	return ErrStaleStatus
}
