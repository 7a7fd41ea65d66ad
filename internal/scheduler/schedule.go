package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/store"
)

// EmailParams describes one email to schedule. Either TemplateID or
// TemplateName must be set; TemplateVersion pins a version of TemplateID.
type EmailParams struct {
	IdempotencyKey string

	UserID       uuid.UUID
	EmailAddress string

	TemplateID      uuid.UUID
	TemplateName    string
	TemplateVersion int32
	SubjectOverride string
	Variables       map[string]any

	// ScheduledAt zero means send now.
	ScheduledAt time.Time

	// EmailType is used only when the template does not carry one.
	EmailType db.EmailClassification

	UnsubscribeURL string
	From           string
	ReplyTo        string
	IsTest         bool
	Metadata       map[string]any
}

// ScheduleEmail schedules a single email.
//
// The row is persisted as pending before the provider is called, and only
// the caller whose insert created the row calls the provider. A repeated
// idempotency key returns the existing row untouched. A blocked recipient
// yields a suppressed row with no render and no provider call. A provider
// failure leaves the row pending with the error in its metadata; only
// gateway configuration errors are returned.
func (e *Engine) ScheduleEmail(ctx context.Context, p EmailParams) (db.ScheduledEmail, error) {
	if p.IdempotencyKey == "" {
		return db.ScheduledEmail{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}

	existing, err := e.store.GetScheduledEmailByIdempotencyKey(ctx, p.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return db.ScheduledEmail{}, fmt.Errorf("scheduler: idempotency lookup: %w", err)
	}

	address, err := e.recipient(ctx, p.UserID, p.EmailAddress)
	if err != nil {
		return db.ScheduledEmail{}, err
	}

	tmpl, err := e.resolveTemplate(ctx, p)
	if err != nil {
		return db.ScheduledEmail{}, err
	}

	class := classify(tmpl.EmailType, p.EmailType)
	now := e.now()
	at := p.ScheduledAt
	if at.IsZero() || at.Before(now) {
		at = now
	}

	md := map[string]any{MetaEmailType: string(class)}
	maps.Copy(md, p.Metadata)
	md[MetaEmailType] = string(class)

	row := db.InsertScheduledEmailParams{
		UserID:          nullUUID(p.UserID),
		EmailAddress:    address,
		TemplateID:      uuid.NullUUID{UUID: tmpl.ID, Valid: true},
		TemplateVersion: sql.NullInt32{Int32: tmpl.Version, Valid: true},
		ScheduledAt:     at,
		IsTest:          p.IsTest,
		IdempotencyKey:  p.IdempotencyKey,
	}

	reason, err := e.prefs.BlockReason(ctx, p.UserID, address, class)
	if err != nil {
		return db.ScheduledEmail{}, fmt.Errorf("scheduler: check preferences: %w", err)
	}
	if reason != "" {
		return e.insertSuppressed(ctx, row, tmpl, md, reason, class)
	}

	unsubscribeURL := p.UnsubscribeURL
	if unsubscribeURL == "" && class == db.EmailClassificationMarketing && p.UserID != uuid.Nil {
		if unsubscribeURL, err = e.prefs.UnsubscribeURL(ctx, p.UserID, address); err != nil {
			return db.ScheduledEmail{}, fmt.Errorf("scheduler: unsubscribe url: %w", err)
		}
	}

	if p.SubjectOverride != "" {
		tmpl.Subject = p.SubjectOverride
	}
	rendered, err := e.templates.Render(tmpl, p.Variables, unsubscribeURL)
	if err != nil {
		return db.ScheduledEmail{}, fmt.Errorf("scheduler: render %s: %w", tmpl.Name, err)
	}

	snap, err := Snapshot{
		Subject:         rendered.Subject,
		HTML:            rendered.HTML,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
		UnsubscribeURL:  unsubscribeURL,
		From:            p.From,
		ReplyTo:         p.ReplyTo,
		Tags:            map[string]string{"email_type": string(class)},
	}.marshal()
	if err != nil {
		return db.ScheduledEmail{}, err
	}
	row.TemplateSnapshot = snap
	row.Status = db.EmailStatusPending
	if row.Metadata, err = rawMetadata(md); err != nil {
		return db.ScheduledEmail{}, err
	}

	saved, created, err := e.store.InsertScheduledEmail(ctx, row)
	if err != nil {
		return db.ScheduledEmail{}, fmt.Errorf("scheduler: insert: %w", err)
	}
	if !created {
		return saved, nil
	}

	return e.deliver(ctx, saved, class)
}

// deliver makes the provider call for a freshly inserted pending row.
func (e *Engine) deliver(ctx context.Context, row db.ScheduledEmail, class db.EmailClassification) (db.ScheduledEmail, error) {
	log := e.logger.With("scheduled_email_id", row.ID)
	now := e.now()

	if row.ScheduledAt.After(now.Add(email.MaxScheduleAhead)) {
		// The retry sweep picks it up once it is inside the horizon.
		log.Info("email beyond provider horizon, left pending", "scheduled_at", row.ScheduledAt)
		e.metrics.IncScheduled(string(class), string(db.EmailStatusPending))
		return row, nil
	}

	msg, err := MessageFor(row)
	if err != nil {
		return row, err
	}

	if e.pacer != nil {
		if err := e.pacer.Wait(ctx); err != nil {
			return row, fmt.Errorf("scheduler: wait for provider slot: %w", err)
		}
	}

	var (
		res email.SendResult
		op  string
	)
	if row.ScheduledAt.After(now.Add(ImmediateWindow)) {
		op = "schedule"
		res, err = e.gateway.Schedule(ctx, msg, row.ScheduledAt)
	} else {
		op = "send"
		res, err = e.gateway.Send(ctx, msg)
	}

	if err != nil {
		e.metrics.IncProviderCall(op, "error")
		log.Warn("provider call failed, email left pending", "op", op, "error", err)
		updated, recErr := e.store.RecordProviderError(ctx, row.ID, map[string]any{
			MetaLastError:   err.Error(),
			MetaLastErrorAt: now.UTC().Format(time.RFC3339),
		})
		if recErr != nil {
			return row, fmt.Errorf("scheduler: record provider error: %w", recErr)
		}
		e.metrics.IncScheduled(string(class), string(db.EmailStatusPending))
		if errors.Is(err, email.ErrMissingAPIKey) || errors.Is(err, email.ErrMissingSender) {
			return updated, err
		}
		return updated, nil
	}

	e.metrics.IncProviderCall(op, "ok")
	updated, err := e.store.MarkScheduled(ctx, row.ID, res.ID, res.ScheduleID)
	if err != nil {
		return row, fmt.Errorf("scheduler: mark scheduled: %w", err)
	}
	log.Info("email handed to provider", "op", op, "resend_email_id", res.ID)
	e.metrics.IncScheduled(string(class), string(updated.Status))
	return updated, nil
}

func (e *Engine) insertSuppressed(
	ctx context.Context,
	row db.InsertScheduledEmailParams,
	tmpl db.EmailTemplate,
	md map[string]any,
	reason string,
	class db.EmailClassification,
) (db.ScheduledEmail, error) {
	snap, err := Snapshot{
		Subject:         tmpl.Subject,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
	}.marshal()
	if err != nil {
		return db.ScheduledEmail{}, err
	}
	row.TemplateSnapshot = snap
	row.Status = db.EmailStatusSuppressed
	row.SuppressionReason = sql.NullString{String: reason, Valid: true}
	if row.Metadata, err = rawMetadata(md); err != nil {
		return db.ScheduledEmail{}, err
	}

	saved, created, err := e.store.InsertScheduledEmail(ctx, row)
	if err != nil {
		return db.ScheduledEmail{}, fmt.Errorf("scheduler: insert suppressed: %w", err)
	}
	if created {
		e.logger.Info("email suppressed", "scheduled_email_id", saved.ID, "reason", reason)
		e.metrics.IncScheduled(string(class), string(db.EmailStatusSuppressed))
	}
	return saved, nil
}

// resolveTemplate prefers an explicit id (optionally pinned to a version)
// over the active version of a name.
func (e *Engine) resolveTemplate(ctx context.Context, p EmailParams) (db.EmailTemplate, error) {
	switch {
	case p.TemplateID != uuid.Nil:
		return e.templates.GetTemplateVersion(ctx, p.TemplateID, p.TemplateVersion)
	case p.TemplateName != "":
		return e.templates.GetActiveTemplateByName(ctx, p.TemplateName)
	default:
		return db.EmailTemplate{}, fmt.Errorf("%w: template id or name is required", ErrInvalidRequest)
	}
}

// recipient returns the normalized address, falling back to the user's
// account address.
func (e *Engine) recipient(ctx context.Context, userID uuid.UUID, address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address != "" {
		return address, nil
	}
	if userID == uuid.Nil {
		return "", fmt.Errorf("%w: email address or user id is required", ErrInvalidRequest)
	}
	addr, err := e.store.GetUserEmail(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown user %s", ErrInvalidRequest, userID)
	}
	if err != nil {
		return "", fmt.Errorf("scheduler: resolve address: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(addr)), nil
}

// classify picks the first non-empty of step, template and request
// classification, defaulting to transactional.
func classify(candidates ...db.EmailClassification) db.EmailClassification {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return db.EmailClassificationTransactional
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func rawMetadata(md map[string]any) (pqtype.NullRawMessage, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("scheduler: marshal metadata: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}
