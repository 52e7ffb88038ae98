// Package services holds the intake pipeline: the orchestrator that turns a
// flushed batch into a review-queue entry, the reply handlers it dispatches
// to, and the delivery side that sends approved replies.
//
// This file centralizes service-level errors. Sentinels are compared with
// errors.Is; the typed errors carry context and are matched with errors.As.
// Mapping to HTTP status codes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingUserID is returned when an inbound event has no user id.
	ErrMissingUserID = errors.New("user_id is required")

	// ErrMissingText is returned when an inbound event has no text.
	ErrMissingText = errors.New("text is required")

	// ErrTextTooLong is returned when an inbound event exceeds the size limit.
	ErrTextTooLong = errors.New("text too long")

	// ErrReviewNotFound indicates the review entry does not exist.
	ErrReviewNotFound = errors.New("review not found")

	// ErrReviewClosed is returned when approving a rejected entry or
	// rejecting a sent one.
	ErrReviewClosed = errors.New("review already closed")

	// ErrSendInFlight is returned when another sender is delivering the
	// same review entry right now.
	ErrSendInFlight = errors.New("review send already in progress")

	// ErrUserNotFound indicates no conversation exists for the user.
	ErrUserNotFound = errors.New("user not found")

	// ErrAlertNotFound indicates the operator alert does not exist.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrNoHandler is returned when no reply handler is registered for the
	// winning detector.
	ErrNoHandler = errors.New("no handler for detector")

	// ErrEmptyReply is returned when a handler or reviewer produces a blank reply.
	ErrEmptyReply = errors.New("reply is empty")
)

// ValidationError reports a malformed inbound event. It is raised at the
// boundary and the event never reaches the scheduler.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ClassificationDegraded reports that a detector fell back to heuristics
// because its model judgment was unavailable. It is logged, never fatal.
type ClassificationDegraded struct {
	Detector string
	Err      error
}

func (e *ClassificationDegraded) Error() string {
	return fmt.Sprintf("classification degraded (%s): %v", e.Detector, e.Err)
}

func (e *ClassificationDegraded) Unwrap() error { return e.Err }

// HandlerError reports that a reply handler failed. The turn is answered
// with a fallback apology instead.
type HandlerError struct {
	Handler string
	UserID  string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for user %s: %v", e.Handler, e.UserID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PersistenceError reports a store write that failed after retries.
type PersistenceError struct {
	Op       string
	UserID   string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for user %s failed after %d attempt(s): %v", e.Op, e.UserID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError reports that the outbound channel rejected a reply. The
// review entry keeps its status so the send can be retried.
type DeliveryError struct {
	ReviewID string
	UserID   string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver review %s to user %s: %v", e.ReviewID, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
