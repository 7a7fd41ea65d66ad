package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

const scheduledEmailColumns = `id, user_id, email_address, flow_id, flow_step_id, template_id,
	template_version, template_snapshot, resend_email_id, resend_scheduled_id, status,
	scheduled_at, sent_at, cancelled_at, suppression_reason, is_test, flow_trigger_id,
	triggered_at, retry_count, last_retry_at, idempotency_key, metadata, created_at, updated_at`

func scanScheduledEmail(row scanner) (ScheduledEmail, error) {
	var i ScheduledEmail
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.EmailAddress,
		&i.FlowID,
		&i.FlowStepID,
		&i.TemplateID,
		&i.TemplateVersion,
		&i.TemplateSnapshot,
		&i.ResendEmailID,
		&i.ResendScheduledID,
		&i.Status,
		&i.ScheduledAt,
		&i.SentAt,
		&i.CancelledAt,
		&i.SuppressionReason,
		&i.IsTest,
		&i.FlowTriggerID,
		&i.TriggeredAt,
		&i.RetryCount,
		&i.LastRetryAt,
		&i.IdempotencyKey,
		&i.Metadata,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func (q *Queries) queryScheduledEmails(ctx context.Context, query string, args ...interface{}) ([]ScheduledEmail, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ScheduledEmail
	for rows.Next() {
		i, err := scanScheduledEmail(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertScheduledEmail = `-- name: InsertScheduledEmail :one
INSERT INTO scheduled_emails (
	user_id, email_address, flow_id, flow_step_id, template_id, template_version,
	template_snapshot, status, scheduled_at, suppression_reason, is_test,
	flow_trigger_id, triggered_at, idempotency_key, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::email_status, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + scheduledEmailColumns

type InsertScheduledEmailParams struct {
	UserID            uuid.NullUUID
	EmailAddress      string
	FlowID            sql.NullString
	FlowStepID        uuid.NullUUID
	TemplateID        uuid.NullUUID
	TemplateVersion   sql.NullInt32
	TemplateSnapshot  json.RawMessage
	Status            EmailStatus
	ScheduledAt       time.Time
	SuppressionReason sql.NullString
	IsTest            bool
	FlowTriggerID     sql.NullString
	TriggeredAt       sql.NullTime
	IdempotencyKey    string
	Metadata          pqtype.NullRawMessage
}

// InsertScheduledEmail returns sql.ErrNoRows when a row with the same
// idempotency key already exists.
func (q *Queries) InsertScheduledEmail(ctx context.Context, arg InsertScheduledEmailParams) (ScheduledEmail, error) {
	row := q.db.QueryRowContext(ctx, insertScheduledEmail,
		arg.UserID,
		arg.EmailAddress,
		arg.FlowID,
		arg.FlowStepID,
		arg.TemplateID,
		arg.TemplateVersion,
		arg.TemplateSnapshot,
		string(arg.Status),
		arg.ScheduledAt,
		arg.SuppressionReason,
		arg.IsTest,
		arg.FlowTriggerID,
		arg.TriggeredAt,
		arg.IdempotencyKey,
		arg.Metadata,
	)
	return scanScheduledEmail(row)
}

const getScheduledEmailByID = `-- name: GetScheduledEmailByID :one
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails WHERE id = $1`

func (q *Queries) GetScheduledEmailByID(ctx context.Context, id uuid.UUID) (ScheduledEmail, error) {
	return scanScheduledEmail(q.db.QueryRowContext(ctx, getScheduledEmailByID, id))
}

const getScheduledEmailByIdempotencyKey = `-- name: GetScheduledEmailByIdempotencyKey :one
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails WHERE idempotency_key = $1`

func (q *Queries) GetScheduledEmailByIdempotencyKey(ctx context.Context, idempotencyKey string) (ScheduledEmail, error) {
	return scanScheduledEmail(q.db.QueryRowContext(ctx, getScheduledEmailByIdempotencyKey, idempotencyKey))
}

const getScheduledEmailByResendID = `-- name: GetScheduledEmailByResendID :one
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails
WHERE resend_email_id = $1 OR resend_scheduled_id = $1
ORDER BY created_at DESC
LIMIT 1`

func (q *Queries) GetScheduledEmailByResendID(ctx context.Context, resendEmailID string) (ScheduledEmail, error) {
	return scanScheduledEmail(q.db.QueryRowContext(ctx, getScheduledEmailByResendID, resendEmailID))
}

const listScheduledEmailsByFlowTrigger = `-- name: ListScheduledEmailsByFlowTrigger :many
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails
WHERE flow_trigger_id = $1
ORDER BY scheduled_at`

func (q *Queries) ListScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, listScheduledEmailsByFlowTrigger, flowTriggerID)
}

const listScheduledEmailsByIDs = `-- name: ListScheduledEmailsByIDs :many
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails
WHERE id = ANY($1::uuid[])
ORDER BY scheduled_at`

func (q *Queries) ListScheduledEmailsByIDs(ctx context.Context, ids []uuid.UUID) ([]ScheduledEmail, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return q.queryScheduledEmails(ctx, listScheduledEmailsByIDs, pq.Array(strs))
}

const listScheduledEmails = `-- name: ListScheduledEmails :many
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails
WHERE ($1::uuid IS NULL OR user_id = $1)
  AND ($2::text IS NULL OR email_address ILIKE '%' || $2 || '%')
  AND ($3::email_status IS NULL OR status = $3)
  AND ($4::text IS NULL OR flow_trigger_id = $4)
  AND ($5::boolean IS NULL OR is_test = $5)
ORDER BY scheduled_at DESC
LIMIT $6`

type ListScheduledEmailsParams struct {
	UserID        uuid.NullUUID
	EmailAddress  sql.NullString
	Status        NullEmailStatus
	FlowTriggerID sql.NullString
	IsTest        sql.NullBool
	Limit         int32
}

func (q *Queries) ListScheduledEmails(ctx context.Context, arg ListScheduledEmailsParams) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, listScheduledEmails,
		arg.UserID,
		arg.EmailAddress,
		arg.Status,
		arg.FlowTriggerID,
		arg.IsTest,
		arg.Limit,
	)
}

const listRetryableScheduledEmails = `-- name: ListRetryableScheduledEmails :many
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails
WHERE status = 'pending'
  AND resend_email_id IS NULL
  AND retry_count < $1
  AND created_at < $2
  AND scheduled_at < $3
ORDER BY scheduled_at
LIMIT $4`

type ListRetryableScheduledEmailsParams struct {
	MaxRetries    int32
	CreatedBefore time.Time
	Horizon       time.Time
	Limit         int32
}

// ListRetryableScheduledEmails returns pending rows that never reached the
// provider and are due (or within the provider's scheduling horizon).
func (q *Queries) ListRetryableScheduledEmails(ctx context.Context, arg ListRetryableScheduledEmailsParams) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, listRetryableScheduledEmails,
		arg.MaxRetries,
		arg.CreatedBefore,
		arg.Horizon,
		arg.Limit,
	)
}

const listCancelledPendingProviderCancel = `-- name: ListCancelledPendingProviderCancel :many
SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails
WHERE status = 'cancelled'
  AND resend_email_id IS NOT NULL
  AND scheduled_at > now()
  AND (metadata IS NULL OR NOT metadata ? 'provider_cancelled_at')
ORDER BY scheduled_at
LIMIT $1`

// ListCancelledPendingProviderCancel returns cancelled rows whose provider
// copy is still queued and has not been confirmed cancelled.
func (q *Queries) ListCancelledPendingProviderCancel(ctx context.Context, limit int32) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, listCancelledPendingProviderCancel, limit)
}

const setScheduledEmailProviderIDs = `-- name: SetScheduledEmailProviderIDs :one
UPDATE scheduled_emails
SET resend_email_id     = $2,
    resend_scheduled_id = $3,
    status              = CASE WHEN status = 'pending' THEN 'scheduled'::email_status ELSE status END,
    updated_at          = now()
WHERE id = $1
RETURNING ` + scheduledEmailColumns

type SetScheduledEmailProviderIDsParams struct {
	ID                uuid.UUID
	ResendEmailID     string
	ResendScheduledID sql.NullString
}

// SetScheduledEmailProviderIDs always records the provider ids but only
// advances a pending row to scheduled.
func (q *Queries) SetScheduledEmailProviderIDs(ctx context.Context, arg SetScheduledEmailProviderIDsParams) (ScheduledEmail, error) {
	row := q.db.QueryRowContext(ctx, setScheduledEmailProviderIDs, arg.ID, arg.ResendEmailID, arg.ResendScheduledID)
	return scanScheduledEmail(row)
}

const recordScheduledEmailRetry = `-- name: RecordScheduledEmailRetry :one
UPDATE scheduled_emails
SET retry_count   = retry_count + 1,
    last_retry_at = now(),
    metadata      = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
    updated_at    = now()
WHERE id = $1
RETURNING ` + scheduledEmailColumns

type MergeScheduledEmailMetadataParams struct {
	ID       uuid.UUID
	Metadata json.RawMessage
}

func (q *Queries) RecordScheduledEmailRetry(ctx context.Context, arg MergeScheduledEmailMetadataParams) (ScheduledEmail, error) {
	row := q.db.QueryRowContext(ctx, recordScheduledEmailRetry, arg.ID, arg.Metadata)
	return scanScheduledEmail(row)
}

const mergeScheduledEmailMetadata = `-- name: MergeScheduledEmailMetadata :one
UPDATE scheduled_emails
SET metadata   = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
    updated_at = now()
WHERE id = $1
RETURNING ` + scheduledEmailColumns

func (q *Queries) MergeScheduledEmailMetadata(ctx context.Context, arg MergeScheduledEmailMetadataParams) (ScheduledEmail, error) {
	row := q.db.QueryRowContext(ctx, mergeScheduledEmailMetadata, arg.ID, arg.Metadata)
	return scanScheduledEmail(row)
}

const cancelScheduledEmail = `-- name: CancelScheduledEmail :one
UPDATE scheduled_emails
SET status = 'cancelled', cancelled_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('pending', 'scheduled')
RETURNING ` + scheduledEmailColumns

// CancelScheduledEmail returns sql.ErrNoRows if the row is missing or
// already terminal.
func (q *Queries) CancelScheduledEmail(ctx context.Context, id uuid.UUID) (ScheduledEmail, error) {
	return scanScheduledEmail(q.db.QueryRowContext(ctx, cancelScheduledEmail, id))
}

const cancelScheduledEmailsByFlowTrigger = `-- name: CancelScheduledEmailsByFlowTrigger :many
UPDATE scheduled_emails
SET status = 'cancelled', cancelled_at = now(), updated_at = now()
WHERE flow_trigger_id = $1 AND status IN ('pending', 'scheduled')
RETURNING ` + scheduledEmailColumns

func (q *Queries) CancelScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, cancelScheduledEmailsByFlowTrigger, flowTriggerID)
}

const cancelScheduledEmailsForUser = `-- name: CancelScheduledEmailsForUser :many
UPDATE scheduled_emails
SET status = 'cancelled', cancelled_at = now(), updated_at = now()
WHERE user_id = $1 AND status IN ('pending', 'scheduled')
RETURNING ` + scheduledEmailColumns

func (q *Queries) CancelScheduledEmailsForUser(ctx context.Context, userID uuid.UUID) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, cancelScheduledEmailsForUser, userID)
}

const cancelMarketingEmailsForRecipient = `-- name: CancelMarketingEmailsForRecipient :many
UPDATE scheduled_emails
SET status = 'cancelled', cancelled_at = now(), updated_at = now()
WHERE user_id IS NOT DISTINCT FROM $1
  AND email_address = $2
  AND status IN ('pending', 'scheduled')
  AND COALESCE(metadata->>'email_type', 'marketing') = 'marketing'
RETURNING ` + scheduledEmailColumns

type CancelMarketingEmailsForRecipientParams struct {
	UserID       uuid.NullUUID
	EmailAddress string
}

func (q *Queries) CancelMarketingEmailsForRecipient(ctx context.Context, arg CancelMarketingEmailsForRecipientParams) ([]ScheduledEmail, error) {
	return q.queryScheduledEmails(ctx, cancelMarketingEmailsForRecipient, arg.UserID, arg.EmailAddress)
}

const markScheduledEmailSent = `-- name: MarkScheduledEmailSent :one
UPDATE scheduled_emails
SET status = 'sent', sent_at = $2, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'scheduled')
RETURNING ` + scheduledEmailColumns

type MarkScheduledEmailSentParams struct {
	ID     uuid.UUID
	SentAt time.Time
}

func (q *Queries) MarkScheduledEmailSent(ctx context.Context, arg MarkScheduledEmailSentParams) (ScheduledEmail, error) {
	return scanScheduledEmail(q.db.QueryRowContext(ctx, markScheduledEmailSent, arg.ID, arg.SentAt))
}

const markScheduledEmailSuppressed = `-- name: MarkScheduledEmailSuppressed :one
UPDATE scheduled_emails
SET status = 'suppressed', suppression_reason = $2, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'scheduled')
RETURNING ` + scheduledEmailColumns

type MarkScheduledEmailSuppressedParams struct {
	ID                uuid.UUID
	SuppressionReason string
}

func (q *Queries) MarkScheduledEmailSuppressed(ctx context.Context, arg MarkScheduledEmailSuppressedParams) (ScheduledEmail, error) {
	row := q.db.QueryRowContext(ctx, markScheduledEmailSuppressed, arg.ID, arg.SuppressionReason)
	return scanScheduledEmail(row)
}
