package scheduler

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
)

// Snapshot is the frozen content stored in scheduled_emails.template_snapshot.
// Delivery always uses the snapshot, never the live template.
type Snapshot struct {
	Subject         string            `json:"subject"`
	HTML            string            `json:"html,omitempty"`
	Text            string            `json:"text,omitempty"`
	TemplateName    string            `json:"template_name"`
	TemplateVersion int32             `json:"template_version"`
	UnsubscribeURL  string            `json:"unsubscribe_url,omitempty"`
	From            string            `json:"from,omitempty"`
	ReplyTo         string            `json:"reply_to,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

func (s Snapshot) marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal snapshot: %w", err)
	}
	return raw, nil
}

// DecodeSnapshot reads a row's snapshot.
func DecodeSnapshot(row db.ScheduledEmail) (Snapshot, error) {
	var s Snapshot
	if len(row.TemplateSnapshot) == 0 {
		return s, fmt.Errorf("scheduler: email %s has no snapshot", row.ID)
	}
	if err := json.Unmarshal(row.TemplateSnapshot, &s); err != nil {
		return s, fmt.Errorf("scheduler: decode snapshot of %s: %w", row.ID, err)
	}
	return s, nil
}

// MessageFor builds the provider message for row. The row id doubles as the
// provider idempotency key so a retried call cannot produce a second send.
func MessageFor(row db.ScheduledEmail) (email.Message, error) {
	s, err := DecodeSnapshot(row)
	if err != nil {
		return email.Message{}, err
	}

	tags := map[string]string{"scheduled_email_id": row.ID.String()}
	maps.Copy(tags, s.Tags)
	if s.TemplateName != "" {
		tags["template"] = s.TemplateName
	}
	if row.FlowID.Valid {
		tags["flow"] = row.FlowID.String
	}

	var headers map[string]string
	if s.UnsubscribeURL != "" {
		headers = map[string]string{
			"List-Unsubscribe":      "<" + s.UnsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}

	return email.Message{
		To:             row.EmailAddress,
		Subject:        s.Subject,
		HTML:           s.HTML,
		Text:           s.Text,
		From:           s.From,
		ReplyTo:        s.ReplyTo,
		Headers:        headers,
		Tags:           tags,
		IdempotencyKey: row.ID.String(),
	}, nil
}
