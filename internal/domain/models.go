// Package domain defines the persistence models for conversations, their
// history, the reply review queue, and scheduled sends. These types are mapped
// with GORM and form the core data layer of the intake service.
package domain

import (
	"time"
)

// Funnel kinds.
const (
	FunnelNone       = "none"
	FunnelAdResponse = "ad_response"
)

// History directions.
const (
	DirectionUser = "user"
	DirectionBot  = "bot"
)

// Review lifecycle states.
const (
	ReviewPending       = "pending_review"
	ReviewAutoScheduled = "auto_scheduled"
	ReviewSent          = "sent"
	ReviewRejected      = "rejected"
)

// Scheduled send states.
const (
	SendPending = "pending"
	SendSent    = "sent"
	SendFailed  = "failed"
)

// Well-known InboundMessage.Source keys.
const (
	SourceLeadSource = "lead_source"
	SourceMediaType  = "media_type" // "image" or "video"
	SourceFirstName  = "first_name"
)

// InboundMessage is one message as received at the webhook boundary. It is
// never persisted directly; the debounce scheduler buffers it until flush.
type InboundMessage struct {
	UserID      string            `json:"user_id"`
	Text        string            `json:"text"`
	ArrivalTime time.Time         `json:"arrival_time"`
	Source      map[string]string `json:"source,omitempty"`
}

// ConversationState is the persisted per-user record.
//
// Fields:
//   - UserID: external user identifier (primary key).
//   - FunnelKind: none or ad_response.
//   - FunnelStage: current stage of the funnel (empty when FunnelKind is none).
//   - FunnelScenario: scenario tag the funnel was entered with, e.g. "plant_based_challenge".
//   - LeadSource: acquisition channel, e.g. "paid_plant_based_challenge".
//   - LastUserMessageTime: arrival time of the most recent flushed message.
//   - LastBotReplyTime: time the last reply was actually delivered.
//   - MessageCount: number of user turns recorded so far.
type ConversationState struct {
	UserID              string     `json:"user_id"                gorm:"type:varchar(64);primaryKey"`
	FunnelKind          string     `json:"funnel_kind"            gorm:"type:varchar(32);not null;default:'none'"`
	FunnelStage         string     `json:"funnel_stage,omitempty" gorm:"type:varchar(32)"`
	FunnelScenario      string     `json:"funnel_scenario,omitempty" gorm:"type:varchar(64)"`
	LeadSource          string     `json:"lead_source,omitempty"  gorm:"type:varchar(128)"`
	LastUserMessageTime *time.Time `json:"last_user_message_time,omitempty"`
	LastBotReplyTime    *time.Time `json:"last_bot_reply_time,omitempty"`
	MessageCount        int        `json:"message_count"          gorm:"not null;default:0"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ConversationState.
func (ConversationState) TableName() string { return "conversation_states" }

// HistoryEntry is one line of the append-only conversation log. The unique
// index makes appends idempotent on (user, direction, text, time).
type HistoryEntry struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"   gorm:"type:varchar(64);not null;index:idx_history_user,priority:1;uniqueIndex:ux_history_turn,priority:1"`
	Direction string    `json:"direction" gorm:"type:varchar(8);not null;check:direction IN ('user','bot');uniqueIndex:ux_history_turn,priority:2"`
	Text      string    `json:"text"      gorm:"type:text;not null;uniqueIndex:ux_history_turn,priority:3"`
	Time      time.Time `json:"time"      gorm:"not null;index:idx_history_user,priority:2;uniqueIndex:ux_history_turn,priority:4"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for HistoryEntry.
func (HistoryEntry) TableName() string { return "history_entries" }

// ReviewQueueEntry is a candidate reply awaiting review or delivery. Its ID is
// the idempotency key for any later send.
type ReviewQueueEntry struct {
	ID              string     `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID          string     `json:"user_id"          gorm:"type:varchar(64);not null;index"`
	IncomingText    string     `json:"incoming_text"    gorm:"type:text;not null"`
	IncomingTime    time.Time  `json:"incoming_time"`
	GeneratedPrompt string     `json:"generated_prompt" gorm:"type:text"`
	ProposedReply   string     `json:"proposed_reply"   gorm:"type:text;not null"`
	PromptType      string     `json:"prompt_type"      gorm:"type:varchar(64);not null"`
	ScenarioTag     string     `json:"scenario_tag,omitempty" gorm:"type:varchar(64)"`
	Status          string     `json:"status"           gorm:"type:varchar(16);not null;index;check:status IN ('pending_review','auto_scheduled','sent','rejected')"`
	ClaimedUntil    *time.Time `json:"-"                gorm:"index"` // send lease; see repo.ClaimSend
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ReviewQueueEntry.
func (ReviewQueueEntry) TableName() string { return "review_queue" }

// ScheduledSend is created when a review entry is auto-promoted. ReviewID is
// unique, so promoting twice never schedules two sends.
type ScheduledSend struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	ReviewID      string    `json:"review_id"      gorm:"type:char(36);not null;uniqueIndex"`
	ScheduledTime time.Time `json:"scheduled_time" gorm:"not null;index:idx_sends_due,priority:2"`
	Status        string    `json:"status"         gorm:"type:varchar(16);not null;index:idx_sends_due,priority:1"`
	Attempts      int       `json:"attempts"       gorm:"not null;default:0"`
	LastError     string    `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Review ReviewQueueEntry `json:"-" gorm:"foreignKey:ReviewID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ScheduledSend.
func (ScheduledSend) TableName() string { return "scheduled_sends" }

// OperatorAlert records work that could not be persisted after retries and
// needs a human to look at it.
type OperatorAlert struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"   gorm:"type:varchar(64);index"`
	Operation string    `json:"operation" gorm:"type:varchar(64);not null"`
	Detail    string    `json:"detail"    gorm:"type:text"`
	Error     string    `json:"error"     gorm:"type:text;not null"`
	Resolved  bool      `json:"resolved"  gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for OperatorAlert.
func (OperatorAlert) TableName() string { return "operator_alerts" }
