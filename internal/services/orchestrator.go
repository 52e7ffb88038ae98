package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/coach-intake/internal/classifier"
	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/funnel"
	"github.com/tbourn/coach-intake/internal/repo"
)

// Classifier picks the handler for a turn.
type Classifier interface {
	Classify(ctx context.Context, text string, md classifier.Metadata) classifier.Decision
}

var reviewsEnqueued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_queue_entries_total",
		Help: "Review entries created, by prompt type and initial status.",
	},
	[]string{"prompt_type", "status"},
)

func init() {
	prometheus.MustRegister(reviewsEnqueued)
}

// Orchestrator turns one flushed batch into at most one review entry. It
// owns the funnel and user-side history; bot turns and LastBotReplyTime are
// written by DeliveryService once a reply actually goes out.
type Orchestrator struct {
	Store      Store
	Classifier Classifier
	Handlers   map[string]Handler

	// AutoSend reports whether replies for a scenario skip human review.
	AutoSend      func(scenario string) bool
	AutoSendDelay time.Duration

	Retry        RetryPolicy
	HistoryLimit int // prior turns passed to handlers

	// WriteTimeout bounds the writes that end a flush. They run detached
	// from the flush deadline so a slow model call cannot swallow the reply.
	WriteTimeout time.Duration
}

const defaultWriteTimeout = 10 * time.Second

// detached returns a context that survives ctx's cancellation but carries
// its own WriteTimeout.
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	d := o.WriteTimeout
	if d <= 0 {
		d = defaultWriteTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// Flush processes one batch for userID. Every failure after validation ends
// in a fallback apology entry; the returned error is non-nil only when even
// that could not be stored.
func (o *Orchestrator) Flush(ctx context.Context, userID string, batch []domain.InboundMessage) (err error) {
	tr := otel.Tracer("services/Orchestrator")
	ctx, span := tr.Start(ctx, "Flush",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("batch.size", len(batch)),
		),
	)
	defer span.End()

	lg := log.With().Str("component", "orchestrator").Str("user_id", userID).Logger()

	batch = dedupe(batch)
	if len(batch) == 0 {
		return nil
	}
	turn, at := joinTurn(batch)

	defer func() {
		if r := recover(); r != nil {
			lg.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Str("turn", turn).
				Msg("flush panicked")
			err = o.fallback(ctx, lg, userID, turn, at)
		}
	}()

	st, err := o.loadState(ctx, userID, batch)
	if err != nil {
		lg.Error().Err(err).Str("turn", turn).Msg("load state failed")
		return o.fallback(ctx, lg, userID, turn, at)
	}

	var hist []domain.HistoryEntry
	if o.HistoryLimit > 0 {
		// Context only; a read failure just means a shorter prompt.
		hist, _ = o.Store.RecentHistory(ctx, userID, o.HistoryLimit)
	}

	// A batch whose every message is already in history is a webhook replay.
	// It is dropped before any model call.
	fresh := 0
	for _, m := range batch {
		ok, _, herr := withRetry(ctx, o.Retry, func(ctx context.Context) (bool, error) {
			return o.Store.AppendHistory(ctx, userID, domain.DirectionUser, m.Text, m.ArrivalTime)
		})
		if herr != nil {
			o.alert(ctx, lg, userID, "append_history", m.Text, herr)
		}
		if ok || herr != nil {
			fresh++
		}
	}
	if fresh == 0 {
		lg.Info().Int("messages", len(batch)).Msg("batch already recorded; skipping replay")
		return nil
	}

	md := metadataFor(st, batch)
	decision := o.Classifier.Classify(ctx, turn, md)
	for _, d := range decision.Degraded() {
		cd := &ClassificationDegraded{Detector: d.DetectorName, Err: d.DegradedCause}
		lg.Warn().Err(cd).Msg("classifier running heuristic-only")
	}
	winner := decision.Winner
	span.SetAttributes(
		attribute.String("classifier.winner", winner.DetectorName),
		attribute.Int("classifier.confidence", winner.Confidence),
	)
	lg.Info().
		Str("detector", winner.DetectorName).
		Int("confidence", winner.Confidence).
		Str("scenario", winner.ScenarioTag).
		Msg("turn classified")

	if winner.DetectorName == classifier.AdIntent {
		move := advanceFunnel(st, winner.ScenarioTag, turn)
		lg.Info().
			Str("from", string(move.From)).
			Str("to", string(move.To)).
			Str("reason", move.Reason).
			Msg("funnel transition")
	}

	st.MessageCount += fresh
	last := at
	st.LastUserMessageTime = &last

	reply, ok, herr := o.dispatch(ctx, userID, winner, st, turn, batch, hist)
	switch {
	case herr != nil:
		lg.Error().Err(herr).Str("turn", turn).Msg("handler failed")
		o.saveState(ctx, lg, st)
		return o.fallback(ctx, lg, userID, turn, at)
	case !ok:
		lg.Info().Str("detector", winner.DetectorName).Msg("handler chose not to reply")
		o.saveState(ctx, lg, st)
		return nil
	}

	entry := &domain.ReviewQueueEntry{
		ID:              uuid.NewString(),
		UserID:          userID,
		IncomingText:    turn,
		IncomingTime:    at,
		GeneratedPrompt: reply.Prompt,
		ProposedReply:   reply.Text,
		PromptType:      reply.PromptType,
		ScenarioTag:     winner.ScenarioTag,
		Status:          domain.ReviewPending,
	}
	if err := o.enqueue(ctx, lg, entry); err != nil {
		o.saveState(ctx, lg, st)
		return o.fallback(ctx, lg, userID, turn, at)
	}
	if o.AutoSend != nil && o.AutoSend(winner.ScenarioTag) {
		o.promote(ctx, lg, entry)
	}
	reviewsEnqueued.WithLabelValues(entry.PromptType, entry.Status).Inc()

	o.saveState(ctx, lg, st)
	return nil
}

func (o *Orchestrator) loadState(ctx context.Context, userID string, batch []domain.InboundMessage) (*domain.ConversationState, error) {
	st, _, err := withRetry(ctx, o.Retry, func(ctx context.Context) (*domain.ConversationState, error) {
		return o.Store.LoadState(ctx, userID)
	})
	switch {
	case errors.Is(err, repo.ErrNotFound):
		st = &domain.ConversationState{UserID: userID, FunnelKind: domain.FunnelNone}
	case err != nil:
		return nil, err
	}
	if st.LeadSource == "" {
		st.LeadSource = sourceValue(batch, domain.SourceLeadSource)
	}
	return st, nil
}

// advanceFunnel enters the ad funnel on first ad-intent win and moves it
// one step.
func advanceFunnel(st *domain.ConversationState, scenario, turn string) funnel.Transition {
	if st.FunnelKind != domain.FunnelAdResponse {
		st.FunnelKind = domain.FunnelAdResponse
		st.FunnelStage = string(funnel.Initial)
		st.FunnelScenario = scenario
	}
	if st.FunnelScenario == "" {
		st.FunnelScenario = scenario
	}
	next, tr := funnel.Advance(funnel.Stage(st.FunnelStage), turn)
	st.FunnelStage = string(next)
	return tr
}

func (o *Orchestrator) dispatch(ctx context.Context, userID string, winner classifier.Result, st *domain.ConversationState, turn string, batch []domain.InboundMessage, hist []domain.HistoryEntry) (reply Reply, ok bool, err error) {
	h, found := o.Handlers[winner.DetectorName]
	if !found {
		return Reply{}, false, &HandlerError{Handler: winner.DetectorName, UserID: userID, Err: ErrNoHandler}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Handler: winner.DetectorName, UserID: userID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	stage := ""
	if st.FunnelKind == domain.FunnelAdResponse {
		stage = st.FunnelStage
	}
	reply, ok, err = h.Handle(ctx, Request{
		UserID:      userID,
		FirstName:   sourceValue(batch, domain.SourceFirstName),
		TurnText:    turn,
		ScenarioTag: winner.ScenarioTag,
		Payload:     winner.Payload,
		FunnelStage: stage,
		History:     hist,
	})
	if err != nil {
		return Reply{}, false, &HandlerError{Handler: winner.DetectorName, UserID: userID, Err: err}
	}
	if ok && strings.TrimSpace(reply.Text) == "" {
		return Reply{}, false, &HandlerError{Handler: winner.DetectorName, UserID: userID, Err: ErrEmptyReply}
	}
	return reply, ok, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, lg zerolog.Logger, e *domain.ReviewQueueEntry) error {
	ctx, cancel := o.detached(ctx)
	defer cancel()
	_, _, err := withRetry(ctx, o.Retry, func(ctx context.Context) (string, error) {
		return o.Store.EnqueueReview(ctx, e)
	})
	if err != nil {
		o.alert(ctx, lg, e.UserID, "enqueue_review", e.ProposedReply, err)
	}
	return err
}

// promote schedules an automatic send. On failure the entry simply stays
// pending_review for a human.
func (o *Orchestrator) promote(ctx context.Context, lg zerolog.Logger, e *domain.ReviewQueueEntry) {
	ctx, cancel := o.detached(ctx)
	defer cancel()
	_, _, err := withRetry(ctx, o.Retry, func(ctx context.Context) (*domain.ScheduledSend, error) {
		return o.Store.PromoteToAutoSend(ctx, e.ID, o.AutoSendDelay)
	})
	if err != nil {
		o.alert(ctx, lg, e.UserID, "promote_auto_send", e.ID, err)
		return
	}
	e.Status = domain.ReviewAutoScheduled
	lg.Info().Str("review_id", e.ID).Dur("delay", o.AutoSendDelay).Msg("reply scheduled for auto-send")
}

func (o *Orchestrator) saveState(ctx context.Context, lg zerolog.Logger, st *domain.ConversationState) {
	ctx, cancel := o.detached(ctx)
	defer cancel()
	_, _, err := withRetry(ctx, o.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.Store.SaveState(ctx, st)
	})
	if err != nil {
		o.alert(ctx, lg, st.UserID, "save_state", st.FunnelStage, err)
	}
}

// fallback queues the generic apology so the user is never left unanswered.
func (o *Orchestrator) fallback(ctx context.Context, lg zerolog.Logger, userID, turn string, at time.Time) error {
	e := &domain.ReviewQueueEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		IncomingText:  turn,
		IncomingTime:  at,
		ProposedReply: FallbackApology,
		PromptType:    PromptFallbackReply,
		Status:        domain.ReviewPending,
	}
	if err := o.enqueue(ctx, lg, e); err != nil {
		return &PersistenceError{Op: "enqueue_fallback", UserID: userID, Attempts: int(o.Retry.normalized().MaxTries), Err: err}
	}
	reviewsEnqueued.WithLabelValues(e.PromptType, e.Status).Inc()
	lg.Warn().Str("review_id", e.ID).Msg("fallback apology queued")
	return nil
}

// alert logs an exhausted write and records it for an operator. The alert
// write itself is best effort.
func (o *Orchestrator) alert(ctx context.Context, lg zerolog.Logger, userID, op, detail string, cause error) {
	perr := &PersistenceError{Op: op, UserID: userID, Attempts: int(o.Retry.normalized().MaxTries), Err: cause}
	lg.Error().Err(perr).Msg("persistence retries exhausted")
	ctx, cancel := o.detached(ctx)
	defer cancel()
	if err := o.Store.RecordAlert(ctx, userID, op, detail, cause); err != nil {
		lg.Error().Err(err).Str("operation", op).Msg("operator alert not recorded")
	}
}

// dedupe drops repeated (text, arrival) pairs, keeping first occurrence.
func dedupe(batch []domain.InboundMessage) []domain.InboundMessage {
	type key struct {
		text string
		at   int64
	}
	seen := make(map[key]struct{}, len(batch))
	out := make([]domain.InboundMessage, 0, len(batch))
	for _, m := range batch {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		k := key{m.Text, m.ArrivalTime.UnixNano()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}

// joinTurn concatenates the batch in arrival order and returns the latest
// arrival time.
func joinTurn(batch []domain.InboundMessage) (string, time.Time) {
	parts := make([]string, 0, len(batch))
	var last time.Time
	for _, m := range batch {
		parts = append(parts, strings.TrimSpace(m.Text))
		if m.ArrivalTime.After(last) {
			last = m.ArrivalTime
		}
	}
	return strings.Join(parts, "\n"), last
}

func metadataFor(st *domain.ConversationState, batch []domain.InboundMessage) classifier.Metadata {
	md := classifier.Metadata{
		ConversationLength: st.MessageCount,
		LeadSource:         st.LeadSource,
		FunnelKind:         st.FunnelKind,
		FunnelStage:        st.FunnelStage,
		FunnelScenario:     st.FunnelScenario,
	}
	if kind := sourceValue(batch, domain.SourceMediaType); kind != "" {
		md.HasMedia = true
		md.MediaKind = strings.ToLower(kind)
	}
	return md
}

// sourceValue returns the latest non-empty Source[key] in the batch.
func sourceValue(batch []domain.InboundMessage, key string) string {
	for i := len(batch) - 1; i >= 0; i-- {
		if v := strings.TrimSpace(batch[i].Source[key]); v != "" {
			return v
		}
	}
	return ""
}
