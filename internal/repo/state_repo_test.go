package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/coach-intake/internal/domain"
)

func TestLoadState_NotFound(t *testing.T) {
	db := newTestDB(t, &domain.ConversationState{})
	st, err := LoadState(context.Background(), db, "nobody")
	if st != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected (nil, ErrNotFound), got (%v, %v)", st, err)
	}
}

func TestSaveState_InsertThenUpdate(t *testing.T) {
	db := newTestDB(t, &domain.ConversationState{})
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &domain.ConversationState{
		UserID:              "u1",
		FunnelKind:          domain.FunnelAdResponse,
		FunnelStage:         "step2",
		LeadSource:          "paid_plant_based_challenge",
		LastUserMessageTime: &at,
		MessageCount:        1,
	}
	if err := SaveState(ctx, db, st); err != nil {
		t.Fatalf("SaveState insert: %v", err)
	}

	st.FunnelStage = "step3"
	st.MessageCount = 2
	if err := SaveState(ctx, db, st); err != nil {
		t.Fatalf("SaveState update: %v", err)
	}

	got, err := LoadState(ctx, db, "u1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got.FunnelStage != "step3" || got.MessageCount != 2 || got.LeadSource != "paid_plant_based_challenge" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.LastUserMessageTime == nil || !got.LastUserMessageTime.Equal(at) {
		t.Fatalf("last user message time not persisted: %+v", got.LastUserMessageTime)
	}
}

func TestSaveState_DoesNotClobberBotReplyTime(t *testing.T) {
	db := newTestDB(t, &domain.ConversationState{})
	ctx := context.Background()

	if err := SaveState(ctx, db, &domain.ConversationState{UserID: "u1", FunnelKind: domain.FunnelNone}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	// Orchestrator loaded the state before delivery wrote the reply time.
	stale, _ := LoadState(ctx, db, "u1")

	replied := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if err := TouchBotReply(ctx, db, "u1", replied); err != nil {
		t.Fatalf("TouchBotReply: %v", err)
	}

	stale.MessageCount = 3
	if err := SaveState(ctx, db, stale); err != nil {
		t.Fatalf("SaveState stale: %v", err)
	}

	got, ok, err := LastBotReplyTime(ctx, db, "u1")
	if err != nil || !ok || !got.Equal(replied) {
		t.Fatalf("LastBotReplyTime = (%v, %v, %v); want %v", got, ok, err, replied)
	}
}

func TestLastBotReplyTime_UnknownUser(t *testing.T) {
	db := newTestDB(t, &domain.ConversationState{})
	_, ok, err := LastBotReplyTime(context.Background(), db, "ghost")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestTouchBotReply_CreatesRow(t *testing.T) {
	db := newTestDB(t, &domain.ConversationState{})
	ctx := context.Background()
	at := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	if err := TouchBotReply(ctx, db, "new", at); err != nil {
		t.Fatalf("TouchBotReply: %v", err)
	}
	st, err := LoadState(ctx, db, "new")
	if err != nil || st.LastBotReplyTime == nil || !st.LastBotReplyTime.Equal(at) || st.FunnelKind != domain.FunnelNone {
		t.Fatalf("unexpected state: %+v err=%v", st, err)
	}
}
