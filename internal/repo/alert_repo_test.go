package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/coach-intake/internal/domain"
)

func TestOperatorAlerts_CreateListResolve(t *testing.T) {
	db := newTestDB(t, &domain.OperatorAlert{})
	ctx := context.Background()

	a, err := CreateOperatorAlert(ctx, db, "u1", "enqueue_review", "turn text", errors.New("disk full"))
	if err != nil {
		t.Fatalf("CreateOperatorAlert: %v", err)
	}
	if a.ID == "" || a.Error != "disk full" || a.Resolved {
		t.Fatalf("unexpected alert: %+v", a)
	}

	open, err := ListOpenOperatorAlerts(ctx, db, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpenOperatorAlerts: %+v err=%v", open, err)
	}

	if err := ResolveOperatorAlert(ctx, db, a.ID); err != nil {
		t.Fatalf("ResolveOperatorAlert: %v", err)
	}
	open, _ = ListOpenOperatorAlerts(ctx, db, 10)
	if len(open) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(open))
	}
	if err := ResolveOperatorAlert(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
