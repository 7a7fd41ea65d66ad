// Package reconcile applies verified Resend webhook events to the scheduled
// email state.
//
// Resend delivers events at-least-once and retries on non-2xx responses, so
// Handle is idempotent: each (email id, type, occurred at) tuple is logged
// once, and a replay of a processed event returns the existing log row
// without reprocessing. An event counts as processed only after its state
// change is applied, so a delivery that failed half way is applied again on
// retry. Any persistence error is returned so the HTTP layer answers 500 and
// Resend retries the delivery.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/metrics"
	"github.com/productcareerlyst/emailflows/internal/store"
)

// SuppressionSource is recorded on suppressions added from webhooks.
const SuppressionSource = "webhook"

// Store is the subset of *store.Store the handler needs.
type Store interface {
	GetEmailEvent(ctx context.Context, p db.GetEmailEventParams) (db.EmailEvent, error)
	RecordEmailEvent(ctx context.Context, p db.InsertEmailEventParams) (db.EmailEvent, bool, error)
	MarkEmailEventProcessed(ctx context.Context, id uuid.UUID) error
	MarkEmailEventFailed(ctx context.Context, id uuid.UUID, msg string) error
	GetScheduledEmailByResendID(ctx context.Context, resendID string) (db.ScheduledEmail, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (db.ScheduledEmail, bool, error)
	MarkSuppressed(ctx context.Context, id uuid.UUID, reason string) (db.ScheduledEmail, bool, error)
}

// Suppressor records hard suppressions. *preferences.Service satisfies it.
type Suppressor interface {
	AddSuppression(ctx context.Context, address, reason, source string) error
}

// Result is what Handle reports back to the webhook endpoint.
type Result struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	EventID uuid.UUID `json:"event_id"`
}

type Handler struct {
	store      Store
	suppressor Suppressor
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewHandler(st Store, suppressor Suppressor, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{store: st, suppressor: suppressor, metrics: m, logger: logger}
}

// Handle applies ev. The event must already be signature-verified.
func (h *Handler) Handle(ctx context.Context, ev email.WebhookEvent) (Result, error) {
	res, err := h.handle(ctx, ev)
	switch {
	case err != nil:
		h.metrics.IncWebhookEvent(ev.Type, "error")
	case res.Message == msgDuplicate:
		h.metrics.IncWebhookEvent(ev.Type, "duplicate")
	default:
		h.metrics.IncWebhookEvent(ev.Type, "processed")
	}
	return res, err
}

const (
	msgDuplicate = "event already processed"
	msgProcessed = "event processed"
)

func (h *Handler) handle(ctx context.Context, ev email.WebhookEvent) (Result, error) {
	log := h.logger.With("resend_email_id", ev.EmailID, "type", ev.Type)
	typ := db.EmailEventType(ev.Type)

	existing, err := h.store.GetEmailEvent(ctx, db.GetEmailEventParams{
		ResendEmailID: ev.EmailID,
		EventType:     typ,
		OccurredAt:    ev.CreatedAt,
	})
	if err == nil && existing.ProcessedAt.Valid {
		log.Debug("reconcile: duplicate event, skipping", "event_id", existing.ID)
		return Result{Success: true, Message: msgDuplicate, EventID: existing.ID}, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("reconcile: check event: %w", err)
	}

	// Mail sent outside the scheduling engine has no row.
	var row *db.ScheduledEmail
	found, err := h.store.GetScheduledEmailByResendID(ctx, ev.EmailID)
	switch {
	case err == nil:
		row = &found
	case errors.Is(err, store.ErrNotFound):
		log.Debug("reconcile: no scheduled email for event")
	default:
		return Result{}, fmt.Errorf("reconcile: lookup email: %w", err)
	}

	params := db.InsertEmailEventParams{
		ResendEmailID: ev.EmailID,
		EventType:     typ,
		OccurredAt:    ev.CreatedAt,
		Payload:       ev.Payload,
	}
	if row != nil {
		params.ScheduledEmailID = uuid.NullUUID{UUID: row.ID, Valid: true}
	}
	logged, created, err := h.store.RecordEmailEvent(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: record event: %w", err)
	}
	if !created && logged.ProcessedAt.Valid {
		// A concurrent delivery of the same event got there first.
		return Result{Success: true, Message: msgDuplicate, EventID: logged.ID}, nil
	}
	if !created {
		log.Info("reconcile: retrying unprocessed event", "event_id", logged.ID, "last_error", logged.ProcessingError.String)
	}

	switch ev.Type {
	case email.EventSent:
		err = h.onSent(ctx, log, row, ev)
	case email.EventBounced, email.EventComplained:
		err = h.onSuppressed(ctx, log, row, ev)
	default:
		// delivered, opened, clicked, scheduled: the log row is the record.
		log.Debug("reconcile: event logged")
	}
	if err != nil {
		if markErr := h.store.MarkEmailEventFailed(ctx, logged.ID, err.Error()); markErr != nil {
			log.Error("reconcile: record processing error", "event_id", logged.ID, "error", markErr)
		}
		return Result{}, err
	}

	// The transitions above are guarded, so applying them twice is harmless
	// if this stamp is lost.
	if err := h.store.MarkEmailEventProcessed(ctx, logged.ID); err != nil {
		return Result{}, fmt.Errorf("reconcile: mark event processed: %w", err)
	}
	return Result{Success: true, Message: msgProcessed, EventID: logged.ID}, nil
}

func (h *Handler) onSent(ctx context.Context, log *slog.Logger, row *db.ScheduledEmail, ev email.WebhookEvent) error {
	if row == nil {
		return nil
	}
	_, applied, err := h.store.MarkSent(ctx, row.ID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("reconcile: mark sent: %w", err)
	}
	if !applied {
		log.Debug("reconcile: sent event for terminal email ignored", "status", row.Status)
		return nil
	}
	log.Info("reconcile: email sent", "scheduled_email_id", row.ID)
	return nil
}

func (h *Handler) onSuppressed(ctx context.Context, log *slog.Logger, row *db.ScheduledEmail, ev email.WebhookEvent) error {
	reason := ev.Type

	var addresses []string
	if row != nil {
		addresses = append(addresses, row.EmailAddress)
		_, applied, err := h.store.MarkSuppressed(ctx, row.ID, reason)
		if err != nil {
			return fmt.Errorf("reconcile: mark suppressed: %w", err)
		}
		if applied {
			log.Info("reconcile: email suppressed", "scheduled_email_id", row.ID, "reason", reason)
		}
	} else {
		addresses = ev.To
	}

	for _, addr := range addresses {
		if err := h.suppressor.AddSuppression(ctx, addr, reason, SuppressionSource); err != nil {
			return fmt.Errorf("reconcile: add suppression: %w", err)
		}
	}
	return nil
}
