package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const emailEventColumns = `id, resend_email_id, event_type, occurred_at, scheduled_email_id, payload, processed_at, processing_error, created_at`

func scanEmailEvent(row scanner) (EmailEvent, error) {
	var i EmailEvent
	err := row.Scan(
		&i.ID,
		&i.ResendEmailID,
		&i.EventType,
		&i.OccurredAt,
		&i.ScheduledEmailID,
		&i.Payload,
		&i.ProcessedAt,
		&i.ProcessingError,
		&i.CreatedAt,
	)
	return i, err
}

const insertEmailEvent = `-- name: InsertEmailEvent :one
INSERT INTO email_events (resend_email_id, event_type, occurred_at, scheduled_email_id, payload)
VALUES ($1, $2::email_event_type, $3, $4, $5)
ON CONFLICT (resend_email_id, event_type, occurred_at) DO NOTHING
RETURNING ` + emailEventColumns

type InsertEmailEventParams struct {
	ResendEmailID    string
	EventType        EmailEventType
	OccurredAt       time.Time
	ScheduledEmailID uuid.NullUUID
	Payload          json.RawMessage
}

// InsertEmailEvent returns sql.ErrNoRows for a duplicate delivery.
func (q *Queries) InsertEmailEvent(ctx context.Context, arg InsertEmailEventParams) (EmailEvent, error) {
	row := q.db.QueryRowContext(ctx, insertEmailEvent,
		arg.ResendEmailID,
		string(arg.EventType),
		arg.OccurredAt,
		arg.ScheduledEmailID,
		arg.Payload,
	)
	return scanEmailEvent(row)
}

const getEmailEvent = `-- name: GetEmailEvent :one
SELECT ` + emailEventColumns + ` FROM email_events
WHERE resend_email_id = $1 AND event_type = $2::email_event_type AND occurred_at = $3`

type GetEmailEventParams struct {
	ResendEmailID string
	EventType     EmailEventType
	OccurredAt    time.Time
}

func (q *Queries) GetEmailEvent(ctx context.Context, arg GetEmailEventParams) (EmailEvent, error) {
	row := q.db.QueryRowContext(ctx, getEmailEvent, arg.ResendEmailID, string(arg.EventType), arg.OccurredAt)
	return scanEmailEvent(row)
}

const markEmailEventProcessed = `-- name: MarkEmailEventProcessed :one
UPDATE email_events
SET processed_at = now(), processing_error = NULL
WHERE id = $1
RETURNING ` + emailEventColumns

func (q *Queries) MarkEmailEventProcessed(ctx context.Context, id uuid.UUID) (EmailEvent, error) {
	return scanEmailEvent(q.db.QueryRowContext(ctx, markEmailEventProcessed, id))
}

const markEmailEventFailed = `-- name: MarkEmailEventFailed :one
UPDATE email_events
SET processing_error = $2
WHERE id = $1 AND processed_at IS NULL
RETURNING ` + emailEventColumns

type MarkEmailEventFailedParams struct {
	ID              uuid.UUID
	ProcessingError sql.NullString
}

func (q *Queries) MarkEmailEventFailed(ctx context.Context, arg MarkEmailEventFailedParams) (EmailEvent, error) {
	return scanEmailEvent(q.db.QueryRowContext(ctx, markEmailEventFailed, arg.ID, arg.ProcessingError))
}
