// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them instead of
// on messages. Every error response carries an HTTP status and one of these
// codes (see fail in response.go).
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "review_closed",
//	  "message": "review already closed"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/coach-intake/internal/debounce"
	"github.com/tbourn/coach-intake/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_failed"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeReviewClosed   = "review_closed"
	ErrCodeDeliveryFailed = "delivery_failed"
	ErrCodeShuttingDown   = "shutting_down"
	ErrCodeListFailed     = "list_failed"
)

// statusFor maps a service error to an HTTP status and error code. Unknown
// errors become 500 with fallbackCode.
func statusFor(err error, fallbackCode string) (int, string) {
	var verr *services.ValidationError
	var derr *services.DeliveryError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, services.ErrEmptyReply):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, services.ErrReviewNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrAlertNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrReviewClosed):
		return http.StatusConflict, ErrCodeReviewClosed
	case errors.Is(err, services.ErrSendInFlight):
		return http.StatusConflict, ErrCodeConflict
	case errors.As(err, &derr):
		return http.StatusBadGateway, ErrCodeDeliveryFailed
	case errors.Is(err, debounce.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeShuttingDown
	}
	return http.StatusInternalServerError, fallbackCode
}
