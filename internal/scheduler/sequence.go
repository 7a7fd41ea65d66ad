package scheduler

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/flows"
)

// SequenceParams starts one flow for one recipient.
type SequenceParams struct {
	FlowID         string
	UserID         uuid.UUID
	EmailAddress   string
	TriggerEventID string
	Variables      map[string]any
	IsTest         bool
}

// TriggerParams is SequenceParams addressed by trigger event instead of
// flow id.
type TriggerParams struct {
	TriggerEvent   string
	UserID         uuid.UUID
	EmailAddress   string
	TriggerEventID string
	Variables      map[string]any
	IsTest         bool
}

// SequenceResult is the outcome of ScheduleSequence.
type SequenceResult struct {
	FlowTriggerID string
	Emails        []db.ScheduledEmail

	// Existing is true when the flow trigger had already been scheduled and
	// Emails are the rows from that earlier call.
	Existing bool

	// Skipped is true when the recipient cannot receive marketing mail and
	// nothing was scheduled. SkipReason says why.
	Skipped    bool
	SkipReason string

	// FailedSteps counts steps that could not be prepared.
	FailedSteps int
}

// TriggerFlow schedules the active flow listening on p.TriggerEvent.
func (e *Engine) TriggerFlow(ctx context.Context, p TriggerParams) (SequenceResult, error) {
	flow, err := e.flows.GetFlowByTrigger(ctx, p.TriggerEvent)
	if errors.Is(err, flows.ErrFlowNotFound) {
		return SequenceResult{}, fmt.Errorf("%w: %q", ErrNoFlowForTrigger, p.TriggerEvent)
	}
	if err != nil {
		return SequenceResult{}, err
	}
	return e.ScheduleSequence(ctx, SequenceParams{
		FlowID:         flow.ID,
		UserID:         p.UserID,
		EmailAddress:   p.EmailAddress,
		TriggerEventID: p.TriggerEventID,
		Variables:      p.Variables,
		IsTest:         p.IsTest,
	})
}

// ScheduleSequence schedules every step of a flow in one batch insert and
// hands the rows to the Dispatcher for the provider calls.
//
// Re-triggering the same (user, flow, trigger event id) returns the first
// call's rows. Steps render against their locked template version, and a
// step that fails to prepare is skipped without aborting the others.
func (e *Engine) ScheduleSequence(ctx context.Context, p SequenceParams) (SequenceResult, error) {
	address, err := e.recipient(ctx, p.UserID, p.EmailAddress)
	if err != nil {
		return SequenceResult{}, err
	}

	// Flows are marketing by nature; a recipient who cannot get marketing
	// mail gets nothing, and no flow or template data is loaded.
	reason, err := e.prefs.BlockReason(ctx, p.UserID, address, db.EmailClassificationMarketing)
	if err != nil {
		return SequenceResult{}, fmt.Errorf("scheduler: check preferences: %w", err)
	}
	if reason != "" {
		e.logger.Info("flow skipped for blocked recipient", "flow_id", p.FlowID, "user_id", p.UserID, "reason", reason)
		return SequenceResult{Skipped: true, SkipReason: reason}, nil
	}

	flow, err := e.flows.GetFlowByID(ctx, p.FlowID)
	if err != nil {
		return SequenceResult{}, err
	}
	steps, err := e.flows.GetFlowSteps(ctx, flow.ID)
	if err != nil {
		return SequenceResult{}, err
	}
	if len(steps) == 0 {
		return SequenceResult{}, fmt.Errorf("%w: %s", ErrFlowHasNoSteps, flow.ID)
	}

	now := e.now()
	flowTriggerID := FlowTriggerID(p.UserID, address, flow.ID, p.TriggerEventID, now)
	log := e.logger.With("flow_trigger_id", flowTriggerID)

	existing, err := e.store.ListScheduledEmailsByFlowTrigger(ctx, flowTriggerID)
	if err != nil {
		return SequenceResult{}, fmt.Errorf("scheduler: flow trigger lookup: %w", err)
	}
	if len(existing) > 0 {
		log.Info("flow already triggered", "emails", len(existing))
		return SequenceResult{FlowTriggerID: flowTriggerID, Emails: existing, Existing: true}, nil
	}

	b := &batch{
		engine:        e,
		params:        p,
		address:       address,
		flow:          flow,
		flowTriggerID: flowTriggerID,
		now:           now,
	}
	rows := make([]db.InsertScheduledEmailParams, 0, len(steps))
	failed := 0
	for _, step := range steps {
		row, err := b.prepare(ctx, step)
		if err != nil {
			failed++
			log.Error("flow step skipped", "step_order", step.StepOrder, "template_id", step.TemplateID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return SequenceResult{}, fmt.Errorf("%w: flow %s (%d steps)", ErrAllStepsFailed, flow.ID, len(steps))
	}

	inserted, created, err := e.store.InsertFlowBatch(ctx, flowTriggerID, rows)
	if err != nil {
		return SequenceResult{}, fmt.Errorf("scheduler: insert flow batch: %w", err)
	}
	if !created {
		log.Info("flow triggered concurrently, returning existing batch", "emails", len(inserted))
		return SequenceResult{FlowTriggerID: flowTriggerID, Emails: inserted, Existing: true}, nil
	}

	SortByStepOrder(inserted)

	var pending []uuid.UUID
	for _, r := range inserted {
		e.metrics.IncScheduled(emailType(r), string(r.Status))
		if r.Status == db.EmailStatusPending {
			pending = append(pending, r.ID)
		}
	}
	if len(pending) > 0 {
		// Rows stay pending on a failed dispatch; the retry sweep finds them.
		if err := e.dispatcher.DispatchSchedule(ctx, pending); err != nil {
			log.Warn("flow dispatch failed, left for retry sweep", "error", err)
		}
	}

	log.Info("flow scheduled", "flow_id", flow.ID, "emails", len(inserted), "failed_steps", failed)
	return SequenceResult{FlowTriggerID: flowTriggerID, Emails: inserted, FailedSteps: failed}, nil
}

// batch carries the per-trigger state shared by all steps.
type batch struct {
	engine        *Engine
	params        SequenceParams
	address       string
	flow          db.EmailFlow
	flowTriggerID string
	now           time.Time

	unsubscribeURL string
}

func (b *batch) prepare(ctx context.Context, step db.EmailFlowStep) (db.InsertScheduledEmailParams, error) {
	e := b.engine
	p := b.params

	at := b.now.Add(e.stepOffset(step.TimeOffsetMinutes, p.IsTest))
	if minAt := b.now.Add(MinLeadTime); at.Before(minAt) {
		at = minAt
	}

	tmpl, err := e.templates.GetTemplateVersion(ctx, step.TemplateID, step.TemplateVersion)
	if err != nil {
		return db.InsertScheduledEmailParams{}, err
	}
	class := classify(step.EmailType, tmpl.EmailType)

	md := map[string]any{}
	if step.Metadata.Valid {
		if err := json.Unmarshal(step.Metadata.RawMessage, &md); err != nil {
			return db.InsertScheduledEmailParams{}, fmt.Errorf("decode step metadata: %w", err)
		}
	}
	md[MetaEmailType] = string(class)
	md[MetaStepOrder] = step.StepOrder
	if p.TriggerEventID != "" {
		md[MetaTriggerEventID] = p.TriggerEventID
	}

	row := db.InsertScheduledEmailParams{
		UserID:          nullUUID(p.UserID),
		EmailAddress:    b.address,
		FlowID:          sql.NullString{String: b.flow.ID, Valid: true},
		FlowStepID:      uuid.NullUUID{UUID: step.ID, Valid: true},
		TemplateID:      uuid.NullUUID{UUID: tmpl.ID, Valid: true},
		TemplateVersion: sql.NullInt32{Int32: tmpl.Version, Valid: true},
		Status:          db.EmailStatusPending,
		ScheduledAt:     at,
		IsTest:          p.IsTest,
		FlowTriggerID:   sql.NullString{String: b.flowTriggerID, Valid: true},
		TriggeredAt:     sql.NullTime{Time: b.now, Valid: true},
		IdempotencyKey:  StepIdempotencyKey(b.flowTriggerID, step.StepOrder),
	}

	reason, err := e.prefs.BlockReason(ctx, p.UserID, b.address, class)
	if err != nil {
		return db.InsertScheduledEmailParams{}, fmt.Errorf("check preferences: %w", err)
	}
	if reason != "" {
		snap, err := Snapshot{Subject: tmpl.Subject, TemplateName: tmpl.Name, TemplateVersion: tmpl.Version}.marshal()
		if err != nil {
			return db.InsertScheduledEmailParams{}, err
		}
		row.TemplateSnapshot = snap
		row.Status = db.EmailStatusSuppressed
		row.SuppressionReason = sql.NullString{String: reason, Valid: true}
		row.Metadata, err = rawMetadata(md)
		return row, err
	}

	unsubscribeURL := ""
	if class == db.EmailClassificationMarketing && p.UserID != uuid.Nil {
		if b.unsubscribeURL == "" {
			if b.unsubscribeURL, err = e.prefs.UnsubscribeURL(ctx, p.UserID, b.address); err != nil {
				return db.InsertScheduledEmailParams{}, fmt.Errorf("unsubscribe url: %w", err)
			}
		}
		unsubscribeURL = b.unsubscribeURL
	}

	if step.SubjectOverride.Valid && step.SubjectOverride.String != "" {
		tmpl.Subject = step.SubjectOverride.String
	}
	vars := make(map[string]any, len(p.Variables))
	maps.Copy(vars, p.Variables)
	rendered, err := e.templates.Render(tmpl, vars, unsubscribeURL)
	if err != nil {
		return db.InsertScheduledEmailParams{}, err
	}

	snap, err := Snapshot{
		Subject:         rendered.Subject,
		HTML:            rendered.HTML,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
		UnsubscribeURL:  unsubscribeURL,
		Tags:            map[string]string{"email_type": string(class)},
	}.marshal()
	if err != nil {
		return db.InsertScheduledEmailParams{}, err
	}
	row.TemplateSnapshot = snap
	row.Metadata, err = rawMetadata(md)
	return row, err
}

// stepOffset converts a step's minute offset to a duration, compressing it
// for test flows.
func (e *Engine) stepOffset(minutes int32, isTest bool) time.Duration {
	d := time.Duration(minutes) * time.Minute
	if isTest {
		d = time.Duration(float64(d) * e.cfg.TestTimeMultiplier)
	}
	return d
}

// emailType reads the classification stamped in a row's metadata.
func emailType(r db.ScheduledEmail) string {
	if t, ok := metadata(r)[MetaEmailType].(string); ok && t != "" {
		return t
	}
	return string(db.EmailClassificationMarketing)
}

// StepOrder returns the flow step order stamped in a row's metadata, or 0
// for single emails.
func StepOrder(r db.ScheduledEmail) int32 {
	if n, ok := metadata(r)[MetaStepOrder].(float64); ok {
		return int32(n)
	}
	return 0
}

// SortByStepOrder sorts rows so earlier steps are attempted first. Rows of
// equal order keep their scheduled_at order.
func SortByStepOrder(rows []db.ScheduledEmail) {
	slices.SortStableFunc(rows, func(a, b db.ScheduledEmail) int {
		if c := cmp.Compare(StepOrder(a), StepOrder(b)); c != 0 {
			return c
		}
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
}

func metadata(r db.ScheduledEmail) map[string]any {
	md := map[string]any{}
	if r.Metadata.Valid {
		_ = json.Unmarshal(r.Metadata.RawMessage, &md)
	}
	return md
}
