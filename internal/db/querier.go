package db

import (
	"context"

	"github.com/google/uuid"
)

type Querier interface {
	// scheduled_emails
	InsertScheduledEmail(ctx context.Context, arg InsertScheduledEmailParams) (ScheduledEmail, error)
	GetScheduledEmailByID(ctx context.Context, id uuid.UUID) (ScheduledEmail, error)
	GetScheduledEmailByIdempotencyKey(ctx context.Context, idempotencyKey string) (ScheduledEmail, error)
	GetScheduledEmailByResendID(ctx context.Context, resendEmailID string) (ScheduledEmail, error)
	ListScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]ScheduledEmail, error)
	ListScheduledEmailsByIDs(ctx context.Context, ids []uuid.UUID) ([]ScheduledEmail, error)
	ListScheduledEmails(ctx context.Context, arg ListScheduledEmailsParams) ([]ScheduledEmail, error)
	ListRetryableScheduledEmails(ctx context.Context, arg ListRetryableScheduledEmailsParams) ([]ScheduledEmail, error)
	ListCancelledPendingProviderCancel(ctx context.Context, limit int32) ([]ScheduledEmail, error)
	SetScheduledEmailProviderIDs(ctx context.Context, arg SetScheduledEmailProviderIDsParams) (ScheduledEmail, error)
	RecordScheduledEmailRetry(ctx context.Context, arg MergeScheduledEmailMetadataParams) (ScheduledEmail, error)
	MergeScheduledEmailMetadata(ctx context.Context, arg MergeScheduledEmailMetadataParams) (ScheduledEmail, error)
	CancelScheduledEmail(ctx context.Context, id uuid.UUID) (ScheduledEmail, error)
	CancelScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]ScheduledEmail, error)
	CancelScheduledEmailsForUser(ctx context.Context, userID uuid.UUID) ([]ScheduledEmail, error)
	CancelMarketingEmailsForRecipient(ctx context.Context, arg CancelMarketingEmailsForRecipientParams) ([]ScheduledEmail, error)
	MarkScheduledEmailSent(ctx context.Context, arg MarkScheduledEmailSentParams) (ScheduledEmail, error)
	MarkScheduledEmailSuppressed(ctx context.Context, arg MarkScheduledEmailSuppressedParams) (ScheduledEmail, error)

	// email_flows, email_flow_steps
	GetActiveFlowByTrigger(ctx context.Context, triggerEvent string) (EmailFlow, error)
	GetFlowByID(ctx context.Context, id string) (EmailFlow, error)
	ListActiveFlows(ctx context.Context) ([]EmailFlow, error)
	ListFlowSteps(ctx context.Context, flowID string) ([]EmailFlowStep, error)

	// email_templates
	GetTemplateByID(ctx context.Context, id uuid.UUID) (EmailTemplate, error)
	GetActiveTemplateByName(ctx context.Context, name string) (EmailTemplate, error)
	GetTemplateByNameAndVersion(ctx context.Context, arg GetTemplateByNameAndVersionParams) (EmailTemplate, error)
	GetMaxTemplateVersion(ctx context.Context, name string) (int32, error)
	InsertTemplate(ctx context.Context, arg InsertTemplateParams) (EmailTemplate, error)
	DeactivateTemplatesByName(ctx context.Context, name string) error
	ActivateTemplate(ctx context.Context, id uuid.UUID) (EmailTemplate, error)

	// email_events
	InsertEmailEvent(ctx context.Context, arg InsertEmailEventParams) (EmailEvent, error)
	GetEmailEvent(ctx context.Context, arg GetEmailEventParams) (EmailEvent, error)
	MarkEmailEventProcessed(ctx context.Context, id uuid.UUID) (EmailEvent, error)
	MarkEmailEventFailed(ctx context.Context, arg MarkEmailEventFailedParams) (EmailEvent, error)

	// users, user_email_preferences, email_suppressions
	GetUserEmail(ctx context.Context, id uuid.UUID) (string, error)
	GetUserEmailPreferences(ctx context.Context, arg GetUserEmailPreferencesParams) (UserEmailPreference, error)
	InsertUserEmailPreferences(ctx context.Context, arg InsertUserEmailPreferencesParams) (UserEmailPreference, error)
	UpdateUserEmailPreferences(ctx context.Context, arg UpdateUserEmailPreferencesParams) (UserEmailPreference, error)
	SetMailingListSubscriber(ctx context.Context, arg SetMailingListSubscriberParams) (UserEmailPreference, error)
	IsEmailSuppressed(ctx context.Context, emailAddress string) (bool, error)
	InsertEmailSuppression(ctx context.Context, arg InsertEmailSuppressionParams) (EmailSuppression, error)

	// email_unsubscribe_tokens
	InsertUnsubscribeToken(ctx context.Context, arg InsertUnsubscribeTokenParams) (EmailUnsubscribeToken, error)
	GetUnsubscribeToken(ctx context.Context, token string) (EmailUnsubscribeToken, error)
	MarkUnsubscribeTokenUsed(ctx context.Context, token string) (EmailUnsubscribeToken, error)
	DeleteExpiredUnsubscribeTokens(ctx context.Context) (int64, error)
}

var _ Querier = (*Queries)(nil)
