package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/coach-intake/internal/debounce"
	"github.com/tbourn/coach-intake/internal/services"
)

func Test_fail_500_LogsAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal || resp.Message != "kaboom" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func Test_SuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { ok(c, http.StatusAccepted, gin.H{"n": 1}) })
	r.POST("/gone", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusAccepted || w.Body.String() != `{"n":1}` {
		t.Fatalf("ok: %d %s", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}

func Test_statusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&services.ValidationError{Field: "text", Err: services.ErrMissingText}, http.StatusBadRequest, ErrCodeValidation},
		{fmt.Errorf("approve: %w", services.ErrEmptyReply), http.StatusBadRequest, ErrCodeValidation},
		{services.ErrReviewNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrUserNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrAlertNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrReviewClosed, http.StatusConflict, ErrCodeReviewClosed},
		{services.ErrSendInFlight, http.StatusConflict, ErrCodeConflict},
		{&services.DeliveryError{ReviewID: "r", UserID: "u", Err: errors.New("down")}, http.StatusBadGateway, ErrCodeDeliveryFailed},
		{debounce.ErrClosed, http.StatusServiceUnavailable, ErrCodeShuttingDown},
		{errors.New("disk full"), http.StatusInternalServerError, ErrCodeListFailed},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err, ErrCodeListFailed)
		if status != tt.status || code != tt.code {
			t.Errorf("statusFor(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}
