package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/coach-intake/internal/classifier"
	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/repo"
	"github.com/tbourn/coach-intake/internal/search"
)

// ---------- test helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

var fastRetry = RetryPolicy{MaxTries: 2, Initial: time.Millisecond, Max: time.Millisecond}

// stubClassifier always picks the same winner.
type stubClassifier struct {
	winner classifier.Result
	panics bool
}

func (s stubClassifier) Classify(context.Context, string, classifier.Metadata) classifier.Decision {
	if s.panics {
		panic("classifier exploded")
	}
	return classifier.Decision{Winner: s.winner, All: []classifier.Result{s.winner}}
}

func winner(name, scenario string) stubClassifier {
	return stubClassifier{winner: classifier.Result{
		DetectorName: name,
		Matched:      true,
		Confidence:   80,
		ScenarioTag:  scenario,
	}}
}

type classifierFunc func(ctx context.Context, text string, md classifier.Metadata) classifier.Decision

func (f classifierFunc) Classify(ctx context.Context, text string, md classifier.Metadata) classifier.Decision {
	return f(ctx, text, md)
}

// failingStore wraps a real store and fails selected operations.
type failingStore struct {
	Store
	failEnqueue bool
	failLoad    bool

	mu     sync.Mutex
	alerts []string
}

func (f *failingStore) LoadState(ctx context.Context, userID string) (*domain.ConversationState, error) {
	if f.failLoad {
		return nil, fmt.Errorf("disk I/O error")
	}
	return f.Store.LoadState(ctx, userID)
}

func (f *failingStore) EnqueueReview(ctx context.Context, e *domain.ReviewQueueEntry) (string, error) {
	if f.failEnqueue {
		return "", fmt.Errorf("database is locked")
	}
	return f.Store.EnqueueReview(ctx, e)
}

func (f *failingStore) RecordAlert(ctx context.Context, userID, op, detail string, cause error) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, op)
	f.mu.Unlock()
	return f.Store.RecordAlert(ctx, userID, op, detail, cause)
}

type fakeIndex struct {
	results []search.Result
}

func (f *fakeIndex) TopK(_ string, k int) []search.Result {
	if len(f.results) > k {
		return f.results[:k]
	}
	return f.results
}

func (f *fakeIndex) Len() int { return len(f.results) }

func msg(userID, text string, at time.Time, source map[string]string) domain.InboundMessage {
	return domain.InboundMessage{UserID: userID, Text: text, ArrivalTime: at, Source: source}
}

func reviewsFor(t *testing.T, db *gorm.DB, userID string) []domain.ReviewQueueEntry {
	t.Helper()
	out, err := repo.ListReviewsForUser(context.Background(), db, userID, 0)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	return out
}
