package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/http/middleware"
)

const textPreviewRunes = 80

// InboundMessageRequest is one message event posted by the messaging platform.
type InboundMessageRequest struct {
	UserID string `json:"user_id" example:"lead-48213"`
	Text   string `json:"text" example:"Hi! I saw your ad about the plant based challenge"`
	// ArrivalTime defaults to the receive time when omitted.
	ArrivalTime *time.Time        `json:"arrival_time,omitempty" example:"2026-03-01T09:30:00Z"`
	Source      map[string]string `json:"source,omitempty"`
}

// AcceptedResponse acknowledges an ingested message. The reply, if any, is
// produced later once the user's burst settles.
type AcceptedResponse struct {
	Status      string    `json:"status" example:"accepted"`
	UserID      string    `json:"user_id" example:"lead-48213"`
	ArrivalTime time.Time `json:"arrival_time"`
}

// IngestMessage godoc
// @ID          ingestMessage
// @Summary     Ingest an inbound message
// @Description Validates a message event and buffers it for the user's debounce window. Replies are queued for review asynchronously.
// @Tags        Webhook
// @Accept      json
// @Produce     json
//
// @Param       X-Webhook-Token  header  string  false "Shared webhook secret (when configured)"
// @Param       X-Sender-ID      header  string  false "Sender id used for rate limiting"
// @Param       body             body    handlers.InboundMessageRequest  true  "Message event"
//
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad webhook token"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     503  {object}  handlers.ErrorResponse  "Shutting down"
// @Router      /webhook/messages [post]
func (h *Handlers) IngestMessage(c *gin.Context) {
	var req InboundMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	in := domain.InboundMessage{
		UserID: req.UserID,
		Text:   req.Text,
		Source: req.Source,
	}
	if req.ArrivalTime != nil {
		in.ArrivalTime = *req.ArrivalTime
	}

	msg, err := h.intake.Accept(c.Request.Context(), in)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}

	lg := middleware.LoggerFrom(c)
	lg.Debug().
		Str("user_id", msg.UserID).
		Str("text", middleware.Preview(strings.TrimSpace(msg.Text), textPreviewRunes)).
		Time("arrival_time", msg.ArrivalTime).
		Msg("message accepted")

	ok(c, http.StatusAccepted, AcceptedResponse{
		Status:      "accepted",
		UserID:      msg.UserID,
		ArrivalTime: msg.ArrivalTime,
	})
}
