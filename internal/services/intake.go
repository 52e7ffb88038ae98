package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tbourn/coach-intake/internal/domain"
)

// DefaultMaxTextRunes caps a single inbound message.
const DefaultMaxTextRunes = 4000

// Ingester accepts validated messages. The debounce scheduler implements it.
type Ingester interface {
	Ingest(ctx context.Context, msg domain.InboundMessage) error
}

// IntakeService is the webhook boundary: it validates inbound events and
// hands them to the scheduler.
type IntakeService struct {
	Scheduler    Ingester
	MaxTextRunes int
	Now          func() time.Time
}

// Accept validates msg, stamps a missing arrival time and ingests it. A
// ValidationError means the event was not ingested.
func (s *IntakeService) Accept(ctx context.Context, msg domain.InboundMessage) (domain.InboundMessage, error) {
	msg, err := s.normalize(msg)
	if err != nil {
		return msg, err
	}
	return msg, s.Scheduler.Ingest(ctx, msg)
}

func (s *IntakeService) normalize(msg domain.InboundMessage) (domain.InboundMessage, error) {
	msg.UserID = strings.TrimSpace(msg.UserID)
	if msg.UserID == "" {
		return msg, &ValidationError{Field: "user_id", Err: ErrMissingUserID}
	}
	if strings.TrimSpace(msg.Text) == "" {
		return msg, &ValidationError{Field: "text", Err: ErrMissingText}
	}
	limit := s.MaxTextRunes
	if limit <= 0 {
		limit = DefaultMaxTextRunes
	}
	if utf8.RuneCountInString(msg.Text) > limit {
		return msg, &ValidationError{Field: "text", Err: ErrTextTooLong}
	}
	if msg.ArrivalTime.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		msg.ArrivalTime = now()
	}
	msg.ArrivalTime = msg.ArrivalTime.UTC()
	return msg, nil
}
