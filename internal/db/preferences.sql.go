package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const getUserEmail = `-- name: GetUserEmail :one
SELECT email FROM users WHERE id = $1`

func (q *Queries) GetUserEmail(ctx context.Context, id uuid.UUID) (string, error) {
	var email string
	err := q.db.QueryRowContext(ctx, getUserEmail, id).Scan(&email)
	return email, err
}

const preferenceColumns = `id, user_id, email_address, marketing_emails_enabled, unsubscribed_at,
	unsubscribe_reason, subscribed_topics, mailing_list_subscriber_id, mailing_list_synced_at,
	created_at, updated_at`

func scanPreference(row scanner) (UserEmailPreference, error) {
	var i UserEmailPreference
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.EmailAddress,
		&i.MarketingEmailsEnabled,
		&i.UnsubscribedAt,
		&i.UnsubscribeReason,
		pq.Array(&i.SubscribedTopics),
		&i.MailingListSubscriberID,
		&i.MailingListSyncedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getUserEmailPreferences = `-- name: GetUserEmailPreferences :one
SELECT ` + preferenceColumns + ` FROM user_email_preferences
WHERE user_id = $1 AND email_address = $2`

type GetUserEmailPreferencesParams struct {
	UserID       uuid.UUID
	EmailAddress string
}

func (q *Queries) GetUserEmailPreferences(ctx context.Context, arg GetUserEmailPreferencesParams) (UserEmailPreference, error) {
	return scanPreference(q.db.QueryRowContext(ctx, getUserEmailPreferences, arg.UserID, arg.EmailAddress))
}

const insertUserEmailPreferences = `-- name: InsertUserEmailPreferences :one
INSERT INTO user_email_preferences (user_id, email_address, subscribed_topics)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, email_address) DO NOTHING
RETURNING ` + preferenceColumns

type InsertUserEmailPreferencesParams struct {
	UserID           uuid.UUID
	EmailAddress     string
	SubscribedTopics []string
}

// InsertUserEmailPreferences returns sql.ErrNoRows if the row already exists.
func (q *Queries) InsertUserEmailPreferences(ctx context.Context, arg InsertUserEmailPreferencesParams) (UserEmailPreference, error) {
	row := q.db.QueryRowContext(ctx, insertUserEmailPreferences, arg.UserID, arg.EmailAddress, pq.Array(arg.SubscribedTopics))
	return scanPreference(row)
}

const updateUserEmailPreferences = `-- name: UpdateUserEmailPreferences :one
UPDATE user_email_preferences
SET marketing_emails_enabled = $2,
    unsubscribed_at          = $3,
    unsubscribe_reason       = $4,
    subscribed_topics        = $5,
    updated_at               = now()
WHERE id = $1
RETURNING ` + preferenceColumns

type UpdateUserEmailPreferencesParams struct {
	ID                     uuid.UUID
	MarketingEmailsEnabled bool
	UnsubscribedAt         sql.NullTime
	UnsubscribeReason      sql.NullString
	SubscribedTopics       []string
}

func (q *Queries) UpdateUserEmailPreferences(ctx context.Context, arg UpdateUserEmailPreferencesParams) (UserEmailPreference, error) {
	row := q.db.QueryRowContext(ctx, updateUserEmailPreferences,
		arg.ID,
		arg.MarketingEmailsEnabled,
		arg.UnsubscribedAt,
		arg.UnsubscribeReason,
		pq.Array(arg.SubscribedTopics),
	)
	return scanPreference(row)
}

const setMailingListSubscriber = `-- name: SetMailingListSubscriber :one
UPDATE user_email_preferences
SET mailing_list_subscriber_id = $2,
    mailing_list_synced_at     = now(),
    updated_at                 = now()
WHERE id = $1
RETURNING ` + preferenceColumns

type SetMailingListSubscriberParams struct {
	ID                      uuid.UUID
	MailingListSubscriberID sql.NullString
}

func (q *Queries) SetMailingListSubscriber(ctx context.Context, arg SetMailingListSubscriberParams) (UserEmailPreference, error) {
	row := q.db.QueryRowContext(ctx, setMailingListSubscriber, arg.ID, arg.MailingListSubscriberID)
	return scanPreference(row)
}

const isEmailSuppressed = `-- name: IsEmailSuppressed :one
SELECT EXISTS (SELECT 1 FROM email_suppressions WHERE email_address = $1)`

func (q *Queries) IsEmailSuppressed(ctx context.Context, emailAddress string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, isEmailSuppressed, emailAddress).Scan(&exists)
	return exists, err
}

const insertEmailSuppression = `-- name: InsertEmailSuppression :one
INSERT INTO email_suppressions (email_address, reason, source)
VALUES ($1, $2, $3)
ON CONFLICT (email_address) DO NOTHING
RETURNING id, email_address, reason, source, created_at`

type InsertEmailSuppressionParams struct {
	EmailAddress string
	Reason       string
	Source       string
}

// InsertEmailSuppression returns sql.ErrNoRows if the address is already
// suppressed.
func (q *Queries) InsertEmailSuppression(ctx context.Context, arg InsertEmailSuppressionParams) (EmailSuppression, error) {
	var i EmailSuppression
	err := q.db.QueryRowContext(ctx, insertEmailSuppression, arg.EmailAddress, arg.Reason, arg.Source).Scan(
		&i.ID,
		&i.EmailAddress,
		&i.Reason,
		&i.Source,
		&i.CreatedAt,
	)
	return i, err
}

const tokenColumns = `id, token, user_id, email_address, expires_at, used_at, created_at`

func scanToken(row scanner) (EmailUnsubscribeToken, error) {
	var i EmailUnsubscribeToken
	err := row.Scan(
		&i.ID,
		&i.Token,
		&i.UserID,
		&i.EmailAddress,
		&i.ExpiresAt,
		&i.UsedAt,
		&i.CreatedAt,
	)
	return i, err
}

const insertUnsubscribeToken = `-- name: InsertUnsubscribeToken :one
INSERT INTO email_unsubscribe_tokens (token, user_id, email_address, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING ` + tokenColumns

type InsertUnsubscribeTokenParams struct {
	Token        string
	UserID       uuid.UUID
	EmailAddress string
	ExpiresAt    time.Time
}

func (q *Queries) InsertUnsubscribeToken(ctx context.Context, arg InsertUnsubscribeTokenParams) (EmailUnsubscribeToken, error) {
	row := q.db.QueryRowContext(ctx, insertUnsubscribeToken, arg.Token, arg.UserID, arg.EmailAddress, arg.ExpiresAt)
	return scanToken(row)
}

const getUnsubscribeToken = `-- name: GetUnsubscribeToken :one
SELECT ` + tokenColumns + ` FROM email_unsubscribe_tokens WHERE token = $1`

func (q *Queries) GetUnsubscribeToken(ctx context.Context, token string) (EmailUnsubscribeToken, error) {
	return scanToken(q.db.QueryRowContext(ctx, getUnsubscribeToken, token))
}

const markUnsubscribeTokenUsed = `-- name: MarkUnsubscribeTokenUsed :one
UPDATE email_unsubscribe_tokens SET used_at = now()
WHERE token = $1 AND used_at IS NULL
RETURNING ` + tokenColumns

// MarkUnsubscribeTokenUsed returns sql.ErrNoRows if the token is unknown or
// was already consumed.
func (q *Queries) MarkUnsubscribeTokenUsed(ctx context.Context, token string) (EmailUnsubscribeToken, error) {
	return scanToken(q.db.QueryRowContext(ctx, markUnsubscribeTokenUsed, token))
}

const deleteExpiredUnsubscribeTokens = `-- name: DeleteExpiredUnsubscribeTokens :execrows
DELETE FROM email_unsubscribe_tokens WHERE expires_at < now()`

func (q *Queries) DeleteExpiredUnsubscribeTokens(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteExpiredUnsubscribeTokens)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
