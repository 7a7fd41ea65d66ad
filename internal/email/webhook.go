package email

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
)

var (
	// ErrInvalidSignature means the request must be rejected: the body was not
	// signed with our secret, or the signature headers are missing or stale.
	ErrInvalidSignature = errors.New("email: invalid webhook signature")

	// ErrMalformedPayload means the signature was valid but the body is not a
	// Resend event.
	ErrMalformedPayload = errors.New("email: malformed webhook payload")

	// ErrUnsupportedEvent is returned together with the parsed event for event
	// types this service does not track. Acknowledge and ignore.
	ErrUnsupportedEvent = errors.New("email: unsupported webhook event type")
)

// Header names of the svix signature scheme Resend uses.
const (
	HeaderWebhookID        = "svix-id"
	HeaderWebhookTimestamp = "svix-timestamp"
	HeaderWebhookSignature = "svix-signature"
)

// Event types, with the "email." prefix stripped.
const (
	EventSent       = "sent"
	EventDelivered  = "delivered"
	EventOpened     = "opened"
	EventClicked    = "clicked"
	EventBounced    = "bounced"
	EventComplained = "complained"
	EventScheduled  = "scheduled"
)

var supportedEvents = map[string]bool{
	EventSent:       true,
	EventDelivered:  true,
	EventOpened:     true,
	EventClicked:    true,
	EventBounced:    true,
	EventComplained: true,
	EventScheduled:  true,
}

// WebhookEvent is a verified, parsed Resend webhook.
type WebhookEvent struct {
	Type      string // "sent", "bounced", ...
	CreatedAt time.Time

	EmailID        string
	From           string
	To             []string
	Subject        string
	EmailCreatedAt time.Time
	Bounce         *Bounce

	// Payload is the untouched request body.
	Payload json.RawMessage
}

type Bounce struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	SubType string `json:"subType"`
}

type webhookBody struct {
	Type      string   `json:"type"`
	CreatedAt flexTime `json:"created_at"`
	Data      struct {
		EmailID   string   `json:"email_id"`
		From      string   `json:"from"`
		To        []string `json:"to"`
		Subject   string   `json:"subject"`
		CreatedAt flexTime `json:"created_at"`
		Bounce    *Bounce  `json:"bounce"`
	} `json:"data"`
}

// flexTime accepts the timestamp layouts Resend has been seen to emit.
type flexTime struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// VerifyWebhook checks the svix signature over the exact bytes received and
// only then parses them. payload must be the raw request body; re-encoding it
// first breaks the signature.
func VerifyWebhook(payload []byte, headers http.Header, secret string) (WebhookEvent, error) {
	if secret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	verifier := &resend.WebhooksSvcImpl{}
	err := verifier.Verify(&resend.VerifyWebhookOptions{
		Payload: string(payload),
		Headers: resend.WebhookHeaders{
			Id:        headers.Get(HeaderWebhookID),
			Timestamp: headers.Get(HeaderWebhookTimestamp),
			Signature: headers.Get(HeaderWebhookSignature),
		},
		WebhookSecret: secret,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return ParseWebhookEvent(payload)
}

// ParseWebhookEvent parses an already verified body.
func ParseWebhookEvent(payload []byte) (WebhookEvent, error) {
	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Type == "" || body.Data.EmailID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing type or data.email_id", ErrMalformedPayload)
	}

	ev := WebhookEvent{
		Type:           strings.TrimPrefix(body.Type, "email."),
		CreatedAt:      body.CreatedAt.Time,
		EmailID:        body.Data.EmailID,
		From:           body.Data.From,
		To:             body.Data.To,
		Subject:        body.Data.Subject,
		EmailCreatedAt: body.Data.CreatedAt.Time,
		Bounce:         body.Data.Bounce,
		Payload:        append(json.RawMessage(nil), payload...),
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ev.EmailCreatedAt
	}

	if !supportedEvents[ev.Type] {
		return ev, fmt.Errorf("%w: %q", ErrUnsupportedEvent, body.Type)
	}
	return ev, nil
}
