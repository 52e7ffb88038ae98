package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/coach-intake/internal/debounce"
	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/repo"
	"github.com/tbourn/coach-intake/internal/services"
)

// ---------- test DB + fakes ----------

func newHandlersDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type recordingIngester struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
	err  error
}

func (r *recordingIngester) Ingest(_ context.Context, m domain.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

type fakeChannel struct {
	err   error
	sends int
}

func (f *fakeChannel) UpdateExternalFields(context.Context, string, map[string]string) error {
	f.sends++
	return f.err
}

type fixture struct {
	db      *gorm.DB
	ingest  *recordingIngester
	channel *fakeChannel
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{db: newHandlersDB(t), ingest: &recordingIngester{}, channel: &fakeChannel{}}
	h := New(
		&services.IntakeService{Scheduler: f.ingest, MaxTextRunes: 20},
		&services.ReviewService{DB: f.db},
		&services.DeliveryService{DB: f.db, Channel: f.channel},
	)
	r := gin.New()
	r.POST("/webhook/messages", h.IngestMessage)
	r.GET("/reviews", h.ListReviews)
	r.GET("/reviews/:id", h.GetReview)
	r.POST("/reviews/:id/approve", h.ApproveReview)
	r.POST("/reviews/:id/reject", h.RejectReview)
	r.GET("/conversations/:user_id", h.GetConversation)
	r.GET("/alerts", h.ListAlerts)
	r.POST("/alerts/:id/resolve", h.ResolveAlert)
	f.router = r
	return f
}

func (f *fixture) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) seed(t *testing.T, userID, reply string) *domain.ReviewQueueEntry {
	t.Helper()
	e := &domain.ReviewQueueEntry{
		UserID:        userID,
		IncomingText:  "hi",
		IncomingTime:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ProposedReply: reply,
		PromptType:    services.PromptGeneralChat,
	}
	if _, err := repo.EnqueueReview(context.Background(), f.db, e); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return e
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("json: %v (%s)", err, w.Body.String())
	}
	return er
}

// ---------- webhook ----------

func TestIngestMessage_Accepted(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/webhook/messages",
		`{"user_id":" lead-1 ","text":"hello","arrival_time":"2026-03-01T10:00:00+02:00","source":{"lead_source":"paid_x"}}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp AcceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Status != "accepted" || resp.UserID != "lead-1" || !resp.ArrivalTime.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("resp = %+v", resp)
	}
	if len(f.ingest.msgs) != 1 || f.ingest.msgs[0].Source[domain.SourceLeadSource] != "paid_x" {
		t.Fatalf("ingested = %+v", f.ingest.msgs)
	}
}

func TestIngestMessage_Rejections(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name, body string
		code       string
	}{
		{"bad json", `{"user_id":`, ErrCodeBadRequest},
		{"no user", `{"text":"hi"}`, ErrCodeValidation},
		{"blank text", `{"user_id":"u","text":"   "}`, ErrCodeValidation},
		{"too long", `{"user_id":"u","text":"` + strings.Repeat("a", 21) + `"}`, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/webhook/messages", tt.body, nil)
			if w.Code != http.StatusBadRequest || decodeError(t, w).Code != tt.code {
				t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
			}
		})
	}
	if len(f.ingest.msgs) != 0 {
		t.Fatalf("invalid events reached the scheduler: %+v", f.ingest.msgs)
	}
}

func TestIngestMessage_ShuttingDown(t *testing.T) {
	f := newFixture(t)
	f.ingest.err = debounce.ErrClosed
	w := f.do(http.MethodPost, "/webhook/messages", `{"user_id":"u","text":"hi"}`, nil)
	if w.Code != http.StatusServiceUnavailable || decodeError(t, w).Code != ErrCodeShuttingDown {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

// ---------- reviews ----------

func TestListReviews_PaginationAndETag(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(t, fmt.Sprintf("u%d", i), "reply")
	}

	w := f.do(http.MethodGet, "/reviews?page_size=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListReviewsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Reviews) != 2 || resp.Pagination.Total != 3 || resp.Pagination.TotalPages != 2 || !resp.Pagination.HasNext {
		t.Fatalf("resp = %+v", resp.Pagination)
	}
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"reviews:pending_review:3:`) {
		t.Fatalf("etag = %q", etag)
	}

	w = f.do(http.MethodGet, "/reviews?page_size=2", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional status = %d", w.Code)
	}

	w = f.do(http.MethodGet, "/reviews?status=sent", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"reviews":[]`) {
		t.Fatalf("sent list = %d %s", w.Code, w.Body.String())
	}
	if w := f.do(http.MethodGet, "/reviews?status=bogus", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status = %d", w.Code)
	}
}

func TestGetReview(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, "u1", "hello there")
	w := f.do(http.MethodGet, "/reviews/"+e.ID, "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"proposed_reply":"hello there"`) {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}
	if w := f.do(http.MethodGet, "/reviews/"+uuid.NewString(), "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", w.Code)
	}
}

func TestApproveReview(t *testing.T) {
	f := newFixture(t)
	plain := f.seed(t, "u1", "draft one")
	w := f.do(http.MethodPost, "/reviews/"+plain.ID+"/approve", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"sent"`) {
		t.Fatalf("approve = %d %s", w.Code, w.Body.String())
	}

	edited := f.seed(t, "u2", "draft two")
	w = f.do(http.MethodPost, "/reviews/"+edited.ID+"/approve", `{"reply":"better reply"}`, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"proposed_reply":"better reply"`) {
		t.Fatalf("edit = %d %s", w.Code, w.Body.String())
	}
	if f.channel.sends != 2 {
		t.Fatalf("sends = %d", f.channel.sends)
	}

	if w := f.do(http.MethodPost, "/reviews/"+edited.ID+"/approve", `{"reply":`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", w.Code)
	}
}

func TestApproveReview_Errors(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodPost, "/reviews/"+uuid.NewString()+"/approve", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", w.Code)
	}

	rejected := f.seed(t, "u1", "draft")
	_ = repo.MarkReviewRejected(context.Background(), f.db, rejected.ID)
	w := f.do(http.MethodPost, "/reviews/"+rejected.ID+"/approve", "", nil)
	if w.Code != http.StatusConflict || decodeError(t, w).Code != ErrCodeReviewClosed {
		t.Fatalf("rejected = %d %s", w.Code, w.Body.String())
	}

	f.channel.err = errors.New("crm down")
	pending := f.seed(t, "u2", "draft")
	w = f.do(http.MethodPost, "/reviews/"+pending.ID+"/approve", "", nil)
	if w.Code != http.StatusBadGateway || decodeError(t, w).Code != ErrCodeDeliveryFailed {
		t.Fatalf("channel down = %d %s", w.Code, w.Body.String())
	}
	stored, _ := repo.GetReview(context.Background(), f.db, pending.ID)
	if stored.Status != domain.ReviewPending {
		t.Fatalf("status after failed delivery = %s", stored.Status)
	}
}

func TestRejectReview(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, "u1", "draft")
	w := f.do(http.MethodPost, "/reviews/"+e.ID+"/reject", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"rejected"`) {
		t.Fatalf("reject = %d %s", w.Code, w.Body.String())
	}
	if f.channel.sends != 0 {
		t.Fatalf("rejecting sent something")
	}
	if w := f.do(http.MethodPost, "/reviews/"+uuid.NewString()+"/reject", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", w.Code)
	}
}

// ---------- conversations + alerts ----------

func TestGetConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := repo.SaveState(ctx, f.db, &domain.ConversationState{UserID: "u1", FunnelKind: domain.FunnelNone, LastUserMessageTime: &at, MessageCount: 1}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := repo.AppendHistory(ctx, f.db, "u1", domain.DirectionUser, "hi coach", at); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.seed(t, "u1", "hey!")

	w := f.do(http.MethodGet, "/conversations/u1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var conv services.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("json: %v", err)
	}
	if conv.State.UserID != "u1" || len(conv.History) != 1 || len(conv.Reviews) != 1 {
		t.Fatalf("conv = %+v", conv)
	}
	if w := f.do(http.MethodGet, "/conversations/ghost", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown user = %d", w.Code)
	}
}

func TestAlerts_ListAndResolve(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/alerts", "", nil)
	if w.Code != http.StatusOK || w.Body.String() != `{"alerts":[]}` {
		t.Fatalf("empty = %d %s", w.Code, w.Body.String())
	}

	a, err := repo.CreateOperatorAlert(context.Background(), f.db, "u1", "enqueue_review", "hi", errors.New("database is locked"))
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	w = f.do(http.MethodGet, "/alerts?limit=5", "", nil)
	if !strings.Contains(w.Body.String(), a.ID) {
		t.Fatalf("list = %s", w.Body.String())
	}

	if w := f.do(http.MethodPost, "/alerts/"+a.ID+"/resolve", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("resolve = %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/alerts/"+uuid.NewString()+"/resolve", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("resolve missing = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/alerts", "", nil); w.Body.String() != `{"alerts":[]}` {
		t.Fatalf("after resolve = %s", w.Body.String())
	}
}

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		query          string
		page, pageSize int
	}{
		{"", 1, 20},
		{"page=0&page_size=0", 1, 1},
		{"page=3&page_size=500", 3, 100},
		{"page=x&page_size=y", 1, 20},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/reviews?"+tt.query, nil)
		p, ps := clampPagination(c)
		if p != tt.page || ps != tt.pageSize {
			t.Errorf("clampPagination(%q) = %d,%d want %d,%d", tt.query, p, ps, tt.page, tt.pageSize)
		}
	}
}
