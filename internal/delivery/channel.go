// Package delivery pushes approved replies to the coaching platform. The
// platform integration is field based: a reply is delivered by updating a
// set of named fields on the user's record, which the platform's own
// automation then sends.
package delivery

import "context"

// Field names set on every delivery.
const (
	FieldReply      = "reply"
	FieldReviewID   = "review_id"
	FieldPromptType = "prompt_type"
	FieldScenario   = "scenario"
)

// ReplyChannel updates external fields for a user. Implementations should
// treat fields[FieldReviewID] as an idempotency key.
type ReplyChannel interface {
	UpdateExternalFields(ctx context.Context, userID string, fields map[string]string) error
}

// ChannelFunc adapts a function to ReplyChannel.
type ChannelFunc func(ctx context.Context, userID string, fields map[string]string) error

// UpdateExternalFields calls f.
func (f ChannelFunc) UpdateExternalFields(ctx context.Context, userID string, fields map[string]string) error {
	return f(ctx, userID, fields)
}
