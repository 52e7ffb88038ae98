package domain

import "time"

// Idempotency records the outcome of a review action (approve, reject) keyed
// by (action, review_id, key). Replays with the same key return the stored
// status without repeating side effects.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Action    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_action_review_key,priority:1"`
	ReviewID  string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_action_review_key,priority:2"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_action_review_key,priority:3"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
