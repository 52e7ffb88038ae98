// Package handlers exposes the intake webhook and the review dashboard API.
//
// Handlers are transport-thin: they bind and check input, call the services
// layer and translate results (including conditional 304s) into responses.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/coach-intake/internal/domain"
	"github.com/tbourn/coach-intake/internal/services"
	"github.com/tbourn/coach-intake/internal/utils"
)

//
// Service contracts (context-aware)
//

// IntakeService validates inbound events and hands them to the scheduler.
type IntakeService interface {
	Accept(ctx context.Context, msg domain.InboundMessage) (domain.InboundMessage, error)
}

// ReviewService is the read side of the review dashboard.
type ReviewService interface {
	ListPage(ctx context.Context, status string, page, pageSize int) ([]domain.ReviewQueueEntry, int64, error)
	// Stats returns the count and latest update for status (used for ETags).
	Stats(ctx context.Context, status string) (int64, *time.Time, error)
	Get(ctx context.Context, id string) (*domain.ReviewQueueEntry, error)
	Conversation(ctx context.Context, userID string) (*services.Conversation, error)
	OpenAlerts(ctx context.Context, limit int) ([]domain.OperatorAlert, error)
	ResolveAlert(ctx context.Context, id string) error
}

// DeliveryService approves or rejects review entries.
type DeliveryService interface {
	Approve(ctx context.Context, id, key, editedReply string) (*domain.ReviewQueueEntry, error)
	Reject(ctx context.Context, id, key string) (*domain.ReviewQueueEntry, error)
}

//
// Handler wiring
//

// Handlers groups the webhook and review endpoints.
type Handlers struct {
	intake   IntakeService
	reviews  ReviewService
	delivery DeliveryService
}

// New constructs a Handlers bound to the given services.
func New(intake IntakeService, reviews ReviewService, delivery DeliveryService) *Handlers {
	return &Handlers{intake: intake, reviews: reviews, delivery: delivery}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = max(utils.AtoiDefault(c.Query("page"), 1), 1)
	pageSize = utils.QueryInt(c.Query("page_size"), defaultPageSize, 1, maxPageSize)
	return
}
