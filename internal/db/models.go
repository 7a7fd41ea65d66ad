package db

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type EmailStatus string

const (
	EmailStatusPending    EmailStatus = "pending"
	EmailStatusScheduled  EmailStatus = "scheduled"
	EmailStatusSent       EmailStatus = "sent"
	EmailStatusCancelled  EmailStatus = "cancelled"
	EmailStatusSuppressed EmailStatus = "suppressed"
)

func (e *EmailStatus) Scan(src interface{}) error {
	s, err := enumString(src, "EmailStatus")
	*e = EmailStatus(s)
	return err
}

// Terminal reports whether no further transition may leave this status.
func (e EmailStatus) Terminal() bool {
	return e == EmailStatusSent || e == EmailStatusCancelled || e == EmailStatusSuppressed
}

type NullEmailStatus struct {
	EmailStatus EmailStatus
	Valid       bool
}

func (ns NullEmailStatus) Value() (driver.Value, error) {
	if !ns.Valid {
		return nil, nil
	}
	return string(ns.EmailStatus), nil
}

type EmailClassification string

const (
	EmailClassificationTransactional EmailClassification = "transactional"
	EmailClassificationMarketing     EmailClassification = "marketing"
)

func (e *EmailClassification) Scan(src interface{}) error {
	s, err := enumString(src, "EmailClassification")
	*e = EmailClassification(s)
	return err
}

type EmailEventType string

const (
	EmailEventTypeSent       EmailEventType = "sent"
	EmailEventTypeDelivered  EmailEventType = "delivered"
	EmailEventTypeOpened     EmailEventType = "opened"
	EmailEventTypeClicked    EmailEventType = "clicked"
	EmailEventTypeBounced    EmailEventType = "bounced"
	EmailEventTypeComplained EmailEventType = "complained"
	EmailEventTypeScheduled  EmailEventType = "scheduled"
)

func (e *EmailEventType) Scan(src interface{}) error {
	s, err := enumString(src, "EmailEventType")
	*e = EmailEventType(s)
	return err
}

func enumString(src interface{}, name string) (string, error) {
	switch s := src.(type) {
	case []byte:
		return string(s), nil
	case string:
		return s, nil
	default:
		return "", fmt.Errorf("unsupported scan type for %s: %T", name, src)
	}
}

type User struct {
	ID        uuid.UUID
	Email     string
	CreatedAt time.Time
}

type EmailTemplate struct {
	ID            uuid.UUID
	Name          string
	Subject       string
	ComponentPath sql.NullString
	HtmlContent   sql.NullString
	Version       int32
	IsActive      bool
	EmailType     EmailClassification
	Metadata      pqtype.NullRawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type EmailFlow struct {
	ID           string
	Name         string
	Description  sql.NullString
	TriggerEvent string
	CancelEvents []string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type EmailFlowStep struct {
	ID                uuid.UUID
	FlowID            string
	StepOrder         int32
	TimeOffsetMinutes int32
	TemplateID        uuid.UUID
	TemplateVersion   int32
	SubjectOverride   sql.NullString
	EmailType         EmailClassification
	Metadata          pqtype.NullRawMessage
}

type ScheduledEmail struct {
	ID                uuid.UUID
	UserID            uuid.NullUUID
	EmailAddress      string
	FlowID            sql.NullString
	FlowStepID        uuid.NullUUID
	TemplateID        uuid.NullUUID
	TemplateVersion   sql.NullInt32
	TemplateSnapshot  json.RawMessage
	ResendEmailID     sql.NullString
	ResendScheduledID sql.NullString
	Status            EmailStatus
	ScheduledAt       time.Time
	SentAt            sql.NullTime
	CancelledAt       sql.NullTime
	SuppressionReason sql.NullString
	IsTest            bool
	FlowTriggerID     sql.NullString
	TriggeredAt       sql.NullTime
	RetryCount        int32
	LastRetryAt       sql.NullTime
	IdempotencyKey    string
	Metadata          pqtype.NullRawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type EmailEvent struct {
	ID               uuid.UUID
	ResendEmailID    string
	EventType        EmailEventType
	OccurredAt       time.Time
	ScheduledEmailID uuid.NullUUID
	Payload          json.RawMessage
	ProcessedAt      sql.NullTime
	ProcessingError  sql.NullString
	CreatedAt        time.Time
}

type UserEmailPreference struct {
	ID                      uuid.UUID
	UserID                  uuid.UUID
	EmailAddress            string
	MarketingEmailsEnabled  bool
	UnsubscribedAt          sql.NullTime
	UnsubscribeReason       sql.NullString
	SubscribedTopics        []string
	MailingListSubscriberID sql.NullString
	MailingListSyncedAt     sql.NullTime
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type EmailSuppression struct {
	ID           uuid.UUID
	EmailAddress string
	Reason       string
	Source       string
	CreatedAt    time.Time
}

type EmailUnsubscribeToken struct {
	ID           uuid.UUID
	Token        string
	UserID       uuid.UUID
	EmailAddress string
	ExpiresAt    time.Time
	UsedAt       sql.NullTime
	CreatedAt    time.Time
}
