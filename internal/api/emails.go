package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/flows"
	"github.com/productcareerlyst/emailflows/internal/preferences"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
	"github.com/productcareerlyst/emailflows/internal/store"
	"github.com/productcareerlyst/emailflows/internal/templates"
)

// ─── RESPONSE SHAPES ──────────────────────────────────────────────────────────

// emailResponse flattens db.ScheduledEmail into a clean JSON structure. The
// rendered snapshot is omitted; it can be large and is only for the worker.
type emailResponse struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id,omitempty"`
	EmailAddress      string          `json:"email_address"`
	FlowID            string          `json:"flow_id,omitempty"`
	FlowTriggerID     string          `json:"flow_trigger_id,omitempty"`
	TemplateID        string          `json:"template_id,omitempty"`
	TemplateVersion   int32           `json:"template_version,omitempty"`
	Status            string          `json:"status"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	SuppressionReason string          `json:"suppression_reason,omitempty"`
	ResendEmailID     string          `json:"resend_email_id,omitempty"`
	IsTest            bool            `json:"is_test"`
	RetryCount        int32           `json:"retry_count"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func toEmailResponse(e db.ScheduledEmail) emailResponse {
	resp := emailResponse{
		ID:                e.ID.String(),
		EmailAddress:      e.EmailAddress,
		FlowID:            e.FlowID.String,
		FlowTriggerID:     e.FlowTriggerID.String,
		TemplateVersion:   e.TemplateVersion.Int32,
		Status:            string(e.Status),
		ScheduledAt:       e.ScheduledAt,
		SentAt:            timePtr(e.SentAt),
		CancelledAt:       timePtr(e.CancelledAt),
		SuppressionReason: e.SuppressionReason.String,
		ResendEmailID:     e.ResendEmailID.String,
		IsTest:            e.IsTest,
		RetryCount:        e.RetryCount,
		IdempotencyKey:    e.IdempotencyKey,
		CreatedAt:         e.CreatedAt,
	}
	if e.UserID.Valid {
		resp.UserID = e.UserID.UUID.String()
	}
	if e.TemplateID.Valid {
		resp.TemplateID = e.TemplateID.UUID.String()
	}
	if e.Metadata.Valid {
		resp.Metadata = e.Metadata.RawMessage
	}
	return resp
}

func toEmailResponses(rows []db.ScheduledEmail) []emailResponse {
	out := make([]emailResponse, len(rows))
	for i, row := range rows {
		out[i] = toEmailResponse(row)
	}
	return out
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// ─── ERROR MAPPING ────────────────────────────────────────────────────────────

// respondDomainErr maps the domain sentinels to 4xx and everything else to
// 500.
func (s *Server) respondDomainErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidRequest):
		respondErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, templates.ErrTemplateNotFound),
		errors.Is(err, flows.ErrFlowNotFound),
		errors.Is(err, scheduler.ErrNoFlowForTrigger),
		errors.Is(err, preferences.ErrUserNotFound):
		respondErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrFlowHasNoSteps),
		errors.Is(err, scheduler.ErrAllStepsFailed),
		errors.Is(err, templates.ErrRendererNotFound),
		errors.Is(err, templates.ErrEmptyTemplate):
		respondErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, email.ErrMissingAPIKey), errors.Is(err, email.ErrMissingSender):
		s.logger.Error("email provider is not configured", "error", err, logField(r))
		respondErr(w, http.StatusServiceUnavailable, "email provider is not configured")
	default:
		s.respondInternalErr(w, r, err)
	}
}

// ─── POST /api/emails ─────────────────────────────────────────────────────────

type scheduleEmailRequest struct {
	IdempotencyKey  string         `json:"idempotency_key" validate:"required,max=255"`
	UserID          string         `json:"user_id" validate:"omitempty,uuid"`
	EmailAddress    string         `json:"email_address" validate:"omitempty,email"`
	TemplateID      string         `json:"template_id" validate:"omitempty,uuid"`
	TemplateName    string         `json:"template_name"`
	TemplateVersion int32          `json:"template_version" validate:"gte=0"`
	SubjectOverride string         `json:"subject_override"`
	Variables       map[string]any `json:"variables"`
	ScheduledAt     *time.Time     `json:"scheduled_at"`
	EmailType       string         `json:"email_type" validate:"omitempty,oneof=transactional marketing"`
	From            string         `json:"from"`
	ReplyTo         string         `json:"reply_to" validate:"omitempty,email"`
	IsTest          bool           `json:"is_test"`
	Metadata        map[string]any `json:"metadata"`
}

// handleScheduleEmail schedules one email. The response reflects the durable
// row: a provider failure still answers 200 with the row left pending.
func (s *Server) handleScheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req scheduleEmailRequest
	if !s.decode(w, r, &req) {
		return
	}

	// The validator has already checked both ids. The scheduler rejects a
	// request with no recipient or no template reference.
	userID, _ := optionalUUID(req.UserID)
	templateID, _ := optionalUUID(req.TemplateID)

	p := scheduler.EmailParams{
		IdempotencyKey:  req.IdempotencyKey,
		UserID:          userID,
		EmailAddress:    req.EmailAddress,
		TemplateID:      templateID,
		TemplateName:    req.TemplateName,
		TemplateVersion: req.TemplateVersion,
		SubjectOverride: req.SubjectOverride,
		Variables:       req.Variables,
		EmailType:       db.EmailClassification(req.EmailType),
		From:            req.From,
		ReplyTo:         req.ReplyTo,
		IsTest:          req.IsTest,
		Metadata:        req.Metadata,
	}
	if req.ScheduledAt != nil {
		p.ScheduledAt = *req.ScheduledAt
	}

	row, err := s.deps.Scheduler.ScheduleEmail(r.Context(), p)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toEmailResponse(row))
}

// ─── DELETE /api/emails/{emailID} ─────────────────────────────────────────────

// handleCancelEmail cancels one email. Cancelling a row that is already
// terminal answers 200 with cancelled=false and the row unchanged.
func (s *Server) handleCancelEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "emailID")
	if !ok {
		return
	}

	row, changed, err := s.deps.Scheduler.CancelEmail(r.Context(), id)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"cancelled": changed,
		"email":     toEmailResponse(row),
	})
}

// ─── POST /api/users/{userID}/emails/cancel ───────────────────────────────────

func (s *Server) handleCancelUserEmails(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}

	rows, err := s.deps.Scheduler.CancelAllForUser(r.Context(), userID)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"cancelled": len(rows),
		"emails":    toEmailResponses(rows),
	})
}

// ─── GET /api/admin/emails ────────────────────────────────────────────────────

// handleListEmails backs the admin list view. Filters: user_id, status,
// is_test, email (substring), flow_trigger_id, limit.
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.ListFilter

	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondErr(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		f.UserID = uuid.NullUUID{UUID: id, Valid: true}
	}
	if v := q.Get("status"); v != "" {
		switch st := db.EmailStatus(v); st {
		case db.EmailStatusPending, db.EmailStatusScheduled, db.EmailStatusSent,
			db.EmailStatusCancelled, db.EmailStatusSuppressed:
			f.Status = db.NullEmailStatus{EmailStatus: st, Valid: true}
		default:
			respondErr(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
	}
	if v := q.Get("is_test"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondErr(w, http.StatusBadRequest, "invalid is_test")
			return
		}
		f.IsTest = sql.NullBool{Bool: b, Valid: true}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			respondErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = int32(n)
	}
	f.EmailContains = q.Get("email")
	f.FlowTriggerID = q.Get("flow_trigger_id")

	rows, err := s.deps.Emails.ListScheduledEmails(r.Context(), f)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list emails: %w", err))
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"emails": toEmailResponses(rows),
		"count":  len(rows),
	})
}
