package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/coach-intake/internal/delivery"
	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/repo"
)

// Idempotency actions recorded for review endpoints.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

var deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reply_deliveries_total",
		Help: "Reply delivery attempts by outcome (sent, replay, failed).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(deliveries)
}

// DeliveryService sends approved or auto-scheduled replies through the
// outbound channel. It is the only writer of bot history and
// LastBotReplyTime.
type DeliveryService struct {
	DB      *gorm.DB
	Channel delivery.ReplyChannel

	MaxAttempts    int           // scheduled send attempts before parking as failed
	RetryIn        time.Duration // delay between scheduled send attempts
	IdempotencyTTL time.Duration
	ClaimLease     time.Duration // how long one sender owns an entry mid-send
}

func (s *DeliveryService) claimLease() time.Duration {
	if s.ClaimLease <= 0 {
		return 2 * time.Minute
	}
	return s.ClaimLease
}

func (s *DeliveryService) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 5
	}
	return s.MaxAttempts
}

func (s *DeliveryService) retryIn() time.Duration {
	if s.RetryIn <= 0 {
		return time.Minute
	}
	return s.RetryIn
}

// Send delivers the reply of review id. Sending an entry that is already
// sent is a replay and does nothing. The entry is claimed before publishing,
// so a concurrent Send for the same id gets ErrSendInFlight instead of a
// second delivery. A channel failure returns a DeliveryError and leaves the
// entry status as it was.
func (s *DeliveryService) Send(ctx context.Context, id string) (*domain.ReviewQueueEntry, error) {
	tr := otel.Tracer("services/DeliveryService")
	ctx, span := tr.Start(ctx, "Send", trace.WithAttributes(attribute.String("review.id", id)))
	defer span.End()

	lg := log.With().Str("component", "delivery").Str("review_id", id).Logger()

	if err := repo.ClaimSend(ctx, s.DB, id, s.claimLease()); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return nil, ErrReviewNotFound
		case errors.Is(err, repo.ErrClaimed):
			lg.Info().Msg("send already in flight elsewhere")
			return nil, ErrSendInFlight
		case !errors.Is(err, repo.ErrStaleStatus):
			return nil, err
		}
		// Already sent or rejected.
		e, rerr := s.review(ctx, id)
		if rerr != nil {
			return nil, rerr
		}
		if e.Status == domain.ReviewSent {
			deliveries.WithLabelValues("replay").Inc()
			lg.Info().Msg("reply already sent; nothing to do")
			return e, nil
		}
		return nil, ErrReviewClosed
	}

	e, err := s.review(ctx, id)
	if err != nil {
		s.release(ctx, id)
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", e.UserID), attribute.String("review.status", e.Status))

	fields := map[string]string{
		delivery.FieldReply:      e.ProposedReply,
		delivery.FieldReviewID:   e.ID,
		delivery.FieldPromptType: e.PromptType,
	}
	if e.ScenarioTag != "" {
		fields[delivery.FieldScenario] = e.ScenarioTag
	}
	if err := s.Channel.UpdateExternalFields(ctx, e.UserID, fields); err != nil {
		derr := &DeliveryError{ReviewID: e.ID, UserID: e.UserID, Err: err}
		span.RecordError(derr)
		span.SetStatus(codes.Error, "delivery failed")
		deliveries.WithLabelValues("failed").Inc()
		s.release(ctx, id)
		if e.Status == domain.ReviewAutoScheduled {
			if merr := repo.MarkSendAttemptFailed(ctx, s.DB, e.ID, err, s.maxAttempts(), s.retryIn()); merr != nil {
				lg.Error().Err(merr).Msg("could not record failed send attempt")
			}
		}
		lg.Error().Err(derr).Msg("reply delivery failed")
		return nil, derr
	}

	now := time.Now().UTC()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkReviewSent(ctx, tx, e.ID); err != nil {
			return err
		}
		if err := repo.MarkSendSent(ctx, tx, e.ID); err != nil {
			return err
		}
		if _, err := repo.AppendHistory(ctx, tx, e.UserID, domain.DirectionBot, e.ProposedReply, now); err != nil {
			return err
		}
		return repo.TouchBotReply(ctx, tx, e.UserID, now)
	})
	if err != nil {
		// The channel already has the reply; surface this to an operator.
		perr := &PersistenceError{Op: "mark_sent", UserID: e.UserID, Attempts: 1, Err: err}
		lg.Error().Err(perr).Msg("reply delivered but not recorded")
		if _, aerr := repo.CreateOperatorAlert(context.WithoutCancel(ctx), s.DB, e.UserID, "mark_sent", e.ID, err); aerr != nil {
			lg.Error().Err(aerr).Msg("operator alert not recorded")
		}
		return nil, perr
	}

	deliveries.WithLabelValues("sent").Inc()
	e.Status = domain.ReviewSent
	lg.Info().Str("user_id", e.UserID).Str("prompt_type", e.PromptType).Msg("reply delivered")
	return e, nil
}

// release drops this sender's claim so the entry can be retried.
func (s *DeliveryService) release(ctx context.Context, id string) {
	if err := repo.ReleaseSend(context.WithoutCancel(ctx), s.DB, id); err != nil {
		log.Error().Err(err).Str("component", "delivery").Str("review_id", id).Msg("send claim not released")
	}
}

// Approve optionally replaces the proposed reply with editedReply and sends
// it. A non-empty key makes retries with the same key return the current
// entry without sending again.
func (s *DeliveryService) Approve(ctx context.Context, id, key, editedReply string) (*domain.ReviewQueueEntry, error) {
	if replay, e, err := s.replayed(ctx, ActionApprove, id, key); replay || err != nil {
		return e, err
	}

	if editedReply != "" {
		editedReply = strings.TrimSpace(editedReply)
		if editedReply == "" {
			return nil, ErrEmptyReply
		}
		if err := repo.UpdateProposedReply(ctx, s.DB, id, editedReply); err != nil {
			switch {
			case errors.Is(err, repo.ErrNotFound):
				return nil, ErrReviewNotFound
			case errors.Is(err, repo.ErrClaimed):
				return nil, ErrSendInFlight
			case errors.Is(err, repo.ErrStaleStatus):
				// Already sent or rejected; Send reports which.
			default:
				return nil, err
			}
		}
	}

	e, err := s.Send(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, ActionApprove, id, key)
	return e, nil
}

// Reject closes a review entry without sending. Rejecting twice is a no-op;
// rejecting a sent entry returns ErrReviewClosed.
func (s *DeliveryService) Reject(ctx context.Context, id, key string) (*domain.ReviewQueueEntry, error) {
	if replay, e, err := s.replayed(ctx, ActionReject, id, key); replay || err != nil {
		return e, err
	}
	err := repo.MarkReviewRejected(ctx, s.DB, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrReviewNotFound
	case errors.Is(err, repo.ErrClaimed):
		return nil, ErrSendInFlight
	case errors.Is(err, repo.ErrStaleStatus):
		return nil, ErrReviewClosed
	case err != nil:
		return nil, err
	}
	log.Info().Str("component", "delivery").Str("review_id", id).Msg("reply rejected")
	s.remember(ctx, ActionReject, id, key)
	return s.review(ctx, id)
}

func (s *DeliveryService) review(ctx context.Context, id string) (*domain.ReviewQueueEntry, error) {
	e, err := repo.GetReview(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReviewNotFound
	}
	return e, err
}

// replayed reports whether (action, id, key) already completed.
func (s *DeliveryService) replayed(ctx context.Context, action, id, key string) (bool, *domain.ReviewQueueEntry, error) {
	if key == "" {
		return false, nil, nil
	}
	if _, err := repo.GetIdempotency(ctx, s.DB, action, id, key, time.Now().UTC()); err != nil {
		return false, nil, nil
	}
	e, err := s.review(ctx, id)
	return true, e, err
}

func (s *DeliveryService) remember(ctx context.Context, action, id, key string) {
	if key == "" {
		return
	}
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if _, err := repo.CreateIdempotency(ctx, s.DB, action, id, key, http.StatusOK, ttl); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Warn().Err(err).Str("review_id", id).Str("action", action).Msg("idempotency record not stored")
	}
}

// AutoSender delivers auto_scheduled replies once their time comes.
type AutoSender struct {
	DB        *gorm.DB
	Delivery  *DeliveryService
	Interval  time.Duration
	BatchSize int
}

// RunOnce sends every due reply and reports how many went out.
func (a *AutoSender) RunOnce(ctx context.Context) (int, error) {
	limit := a.BatchSize
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	due, err := repo.DueSends(ctx, a.DB, now, limit)
	if err != nil {
		return 0, err
	}
	lg := log.With().Str("component", "auto_sender").Logger()

	sent := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		_, err := a.Delivery.Send(ctx, d.ReviewID)
		var derr *DeliveryError
		switch {
		case err == nil:
			sent++
		case errors.As(err, &derr):
			// Attempt already recorded by Send.
		case errors.Is(err, ErrSendInFlight):
			// A reviewer is approving it right now.
		case errors.Is(err, ErrReviewClosed), errors.Is(err, ErrReviewNotFound):
			// Rejected while waiting; park the send.
			if merr := repo.MarkSendAttemptFailed(ctx, a.DB, d.ReviewID, err, 1, 0); merr != nil {
				lg.Error().Err(merr).Str("review_id", d.ReviewID).Msg("could not park send")
			}
		default:
			lg.Error().Err(err).Str("review_id", d.ReviewID).Msg("scheduled send failed")
		}
	}

	if n, err := repo.PurgeExpiredIdempotency(ctx, a.DB, now); err != nil {
		lg.Warn().Err(err).Msg("idempotency purge failed")
	} else if n > 0 {
		lg.Debug().Int64("purged", n).Msg("expired idempotency records removed")
	}
	return sent, nil
}

// Run polls until ctx is done.
func (a *AutoSender) Run(ctx context.Context) {
	every := a.Interval
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("component", "auto_sender").Msg("poll failed")
			} else if n > 0 {
				log.Info().Str("component", "auto_sender").Int("sent", n).Msg("scheduled replies sent")
			}
		}
	}
}
