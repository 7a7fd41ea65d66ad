// Package email is the delivery gateway: it wraps the Resend API behind the
// Gateway interface and verifies inbound Resend webhooks.
package email

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissingAPIKey and ErrMissingSender are configuration errors. They are
	// returned before any network call and are never worth retrying.
	ErrMissingAPIKey = errors.New("email: RESEND_API_KEY is not configured")
	ErrMissingSender = errors.New("email: default sender address is not configured")

	// ErrInvalidScheduleTime is returned without a network call when the
	// requested send time is not strictly in the future or is beyond the
	// provider's scheduling horizon.
	ErrInvalidScheduleTime = errors.New("email: schedule time must be in the future and within 30 days")

	// ErrNotFound is returned by Cancel when the provider no longer holds a
	// cancellable copy (unknown id, already sent, already cancelled).
	ErrNotFound = errors.New("email: provider email not found or no longer cancellable")

	// ErrRateLimited wraps provider 429 responses.
	ErrRateLimited = errors.New("email: provider rate limit exceeded")
)

// MaxScheduleAhead is the provider's hard limit on how far ahead a send may be
// scheduled.
const MaxScheduleAhead = 30 * 24 * time.Hour

// Message is one outbound email. From falls back to the gateway's default
// sender when empty.
type Message struct {
	To             string
	Subject        string
	HTML           string
	Text           string
	From           string
	ReplyTo        string
	Headers        map[string]string
	Tags           map[string]string
	IdempotencyKey string
}

// SendResult carries the provider ids of an accepted send. ScheduleID is
// empty for immediate sends.
type SendResult struct {
	ID         string
	ScheduleID string
}

// Gateway is the interface the scheduler and worker use to reach the
// provider. Tests inject a fake that records calls without touching the
// network.
type Gateway interface {
	// Send delivers msg immediately.
	Send(ctx context.Context, msg Message) (SendResult, error)

	// Schedule asks the provider to deliver msg at the given time.
	Schedule(ctx context.Context, msg Message, at time.Time) (SendResult, error)

	// Cancel cancels a scheduled send. ErrNotFound means there was nothing
	// left to cancel; callers usually treat that as success.
	Cancel(ctx context.Context, providerID string) error
}
