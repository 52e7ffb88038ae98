// Review dashboard HTTP handlers.
//
//   - GET  /reviews                     (list by status, paginated, ETag support)
//   - GET  /reviews/{id}
//   - POST /reviews/{id}/approve        (optional edited reply, Idempotency-Key)
//   - POST /reviews/{id}/reject         (Idempotency-Key)
//   - GET  /conversations/{user_id}
//   - GET  /alerts
//   - POST /alerts/{id}/resolve
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/http/middleware"
	"github.com/tbourn/coach-intake/internal/utils"
)

// ApproveRequest optionally replaces the proposed reply before sending.
type ApproveRequest struct {
	Reply string `json:"reply" example:"Hey Sam! Great to hear from you."`
}

// ListReviewsResponse wraps a page of review entries and pagination information.
type ListReviewsResponse struct {
	Reviews    []domain.ReviewQueueEntry `json:"reviews"`
	Pagination Pagination                `json:"pagination"`
}

// ListAlertsResponse wraps the open operator alerts.
type ListAlertsResponse struct {
	Alerts []domain.OperatorAlert `json:"alerts"`
}

func validStatus(s string) bool {
	switch s {
	case domain.ReviewPending, domain.ReviewAutoScheduled, domain.ReviewSent, domain.ReviewRejected:
		return true
	}
	return false
}

// ListReviews godoc
// @ID          listReviews
// @Summary     List review entries (paginated)
// @Description Returns a page of review entries in the given status (default pending_review). Supports weak ETag via If-None-Match and may return 304.
// @Tags        Reviews
// @Produce     json
//
// @Param       status         query   string  false "Review status"  Enums(pending_review, auto_scheduled, sent, rejected) default(pending_review)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListReviewsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad status"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /reviews [get]
func (h *Handlers) ListReviews(c *gin.Context) {
	ctx := c.Request.Context()
	status := c.DefaultQuery("status", domain.ReviewPending)
	if !validStatus(status) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status "+status)
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.reviews.Stats(ctx, status); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"reviews:%s:%d:%d:%d:%d"`, status, count, ts, page, pageSize)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.reviews.ListPage(ctx, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListReviewsResponse{
		Reviews:    items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetReview godoc
// @ID          getReview
// @Summary     Get a review entry
// @Tags        Reviews
// @Produce     json
// @Param       id   path  string  true  "Review ID (UUID)"  format(uuid)
// @Success     200  {object} domain.ReviewQueueEntry
// @Failure     404  {object} handlers.ErrorResponse "Review not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /reviews/{id} [get]
func (h *Handlers) GetReview(c *gin.Context) {
	e, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, e)
}

// ApproveReview godoc
// @ID          approveReview
// @Summary     Approve and send a reply
// @Description Sends the proposed reply (or the edited one from the body) to the user. Retrying with the same Idempotency-Key returns the stored result.
// @Tags        Reviews
// @Accept      json
// @Produce     json
//
// @Param       id               path    string  true   "Review ID (UUID)"  format(uuid)
// @Param       Idempotency-Key  header  string  false  "Retry key"
// @Param       body             body    handlers.ApproveRequest  false  "Edited reply"
//
// @Success     200  {object} domain.ReviewQueueEntry
// @Header      200  {string} Idempotency-Replayed "true when the key was seen before"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Review not found"
// @Failure     409  {object} handlers.ErrorResponse "Review already closed"
// @Failure     502  {object} handlers.ErrorResponse "Delivery channel failed"
// @Router      /reviews/{id}/approve [post]
func (h *Handlers) ApproveReview(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	e, err := h.delivery.Approve(c.Request.Context(), c.Param("id"), key, req.Reply)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	lg := middleware.LoggerFrom(c)
	lg.Info().Str("review_id", e.ID).Str("user_id", e.UserID).Bool("edited", strings.TrimSpace(req.Reply) != "").Msg("review approved")
	ok(c, http.StatusOK, e)
}

// RejectReview godoc
// @ID          rejectReview
// @Summary     Reject a reply
// @Tags        Reviews
// @Produce     json
// @Param       id               path    string  true   "Review ID (UUID)"  format(uuid)
// @Param       Idempotency-Key  header  string  false  "Retry key"
// @Success     200  {object} domain.ReviewQueueEntry
// @Failure     404  {object} handlers.ErrorResponse "Review not found"
// @Failure     409  {object} handlers.ErrorResponse "Review already sent"
// @Router      /reviews/{id}/reject [post]
func (h *Handlers) RejectReview(c *gin.Context) {
	key, _ := middleware.GetIdempotencyKey(c)
	e, err := h.delivery.Reject(c.Request.Context(), c.Param("id"), key)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, e)
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Conversation state and recent history for a user
// @Tags        Conversations
// @Produce     json
// @Param       user_id  path  string  true  "External user id"
// @Success     200  {object} services.Conversation
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Router      /conversations/{user_id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	conv, err := h.reviews.Conversation(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListAlerts godoc
// @ID          listAlerts
// @Summary     Open operator alerts
// @Description Alerts are raised when a turn could not be persisted after retries.
// @Tags        Alerts
// @Produce     json
// @Param       limit  query  int  false  "Max alerts"  minimum(1) maximum(500) default(100)
// @Success     200  {object} handlers.ListAlertsResponse
// @Router      /alerts [get]
func (h *Handlers) ListAlerts(c *gin.Context) {
	limit := utils.QueryInt(c.Query("limit"), 100, 1, 500)
	alerts, err := h.reviews.OpenAlerts(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if alerts == nil {
		alerts = []domain.OperatorAlert{}
	}
	ok(c, http.StatusOK, ListAlertsResponse{Alerts: alerts})
}

// ResolveAlert godoc
// @ID          resolveAlert
// @Summary     Mark an operator alert handled
// @Tags        Alerts
// @Param       id  path  string  true  "Alert ID (UUID)"  format(uuid)
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Alert not found"
// @Router      /alerts/{id}/resolve [post]
func (h *Handlers) ResolveAlert(c *gin.Context) {
	if err := h.reviews.ResolveAlert(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
