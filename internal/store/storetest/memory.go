// Package storetest provides an in-memory implementation of the store method
// set for package tests. It enforces the same unique constraints and status
// guards as the Postgres schema.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/store"
)

// Memory is safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	users        map[uuid.UUID]string
	templates    []db.EmailTemplate
	flows        map[string]db.EmailFlow
	steps        map[string][]db.EmailFlowStep
	emails       []db.ScheduledEmail
	events       []db.EmailEvent
	prefs        []db.UserEmailPreference
	suppressions map[string]db.EmailSuppression
	tokens       map[string]db.EmailUnsubscribeToken

	// Now stamps created_at, cancelled_at and friends. Defaults to time.Now.
	Now func() time.Time
}

func New() *Memory {
	return &Memory{
		users:        make(map[uuid.UUID]string),
		flows:        make(map[string]db.EmailFlow),
		steps:        make(map[string][]db.EmailFlowStep),
		suppressions: make(map[string]db.EmailSuppression),
		tokens:       make(map[string]db.EmailUnsubscribeToken),
		Now:          time.Now,
	}
}

// ─── SEEDING ─────────────────────────────────────────────────────────────────

func (m *Memory) AddUser(email string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = email
	return id
}

// AddTemplate stores t, filling ID and timestamps when unset.
func (m *Memory) AddTemplate(t db.EmailTemplate) db.EmailTemplate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.EmailType == "" {
		t.EmailType = db.EmailClassificationTransactional
	}
	t.CreatedAt, t.UpdatedAt = m.Now(), m.Now()
	m.templates = append(m.templates, t)
	return t
}

// AddFlow stores f and its steps, assigning step ids and the flow id on each
// step.
func (m *Memory) AddFlow(f db.EmailFlow, steps ...db.EmailFlowStep) db.EmailFlow {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.CreatedAt, f.UpdatedAt = m.Now(), m.Now()
	m.flows[f.ID] = f
	for i := range steps {
		if steps[i].ID == uuid.Nil {
			steps[i].ID = uuid.New()
		}
		steps[i].FlowID = f.ID
	}
	m.steps[f.ID] = append(m.steps[f.ID], steps...)
	return f
}

func (m *Memory) AddSuppressionRow(address, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressions[address] = db.EmailSuppression{
		ID: uuid.New(), EmailAddress: address, Reason: reason, Source: "seed", CreatedAt: m.Now(),
	}
}

// Emails returns a copy of every scheduled email, in insertion order.
func (m *Memory) Emails() []db.ScheduledEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.ScheduledEmail(nil), m.emails...)
}

// Events returns a copy of every logged provider event.
func (m *Memory) Events() []db.EmailEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.EmailEvent(nil), m.events...)
}

// Update applies fn to the row with id, for tests that need to force a state.
func (m *Memory) Update(id uuid.UUID, fn func(*db.ScheduledEmail)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.emailIndex(id); i >= 0 {
		fn(&m.emails[i])
	}
}

// ─── SCHEDULED EMAILS ────────────────────────────────────────────────────────

func (m *Memory) emailIndex(id uuid.UUID) int {
	for i := range m.emails {
		if m.emails[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) byKey(key string) (db.ScheduledEmail, bool) {
	for _, e := range m.emails {
		if e.IdempotencyKey == key {
			return e, true
		}
	}
	return db.ScheduledEmail{}, false
}

func (m *Memory) insertLocked(p db.InsertScheduledEmailParams) db.ScheduledEmail {
	now := m.Now()
	row := db.ScheduledEmail{
		ID:                uuid.New(),
		UserID:            p.UserID,
		EmailAddress:      p.EmailAddress,
		FlowID:            p.FlowID,
		FlowStepID:        p.FlowStepID,
		TemplateID:        p.TemplateID,
		TemplateVersion:   p.TemplateVersion,
		TemplateSnapshot:  p.TemplateSnapshot,
		Status:            p.Status,
		ScheduledAt:       p.ScheduledAt,
		SuppressionReason: p.SuppressionReason,
		IsTest:            p.IsTest,
		FlowTriggerID:     p.FlowTriggerID,
		TriggeredAt:       p.TriggeredAt,
		IdempotencyKey:    p.IdempotencyKey,
		Metadata:          p.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if row.Status == "" {
		row.Status = db.EmailStatusPending
	}
	m.emails = append(m.emails, row)
	return row
}

func (m *Memory) InsertScheduledEmail(_ context.Context, p db.InsertScheduledEmailParams) (db.ScheduledEmail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey(p.IdempotencyKey); ok {
		return existing, false, nil
	}
	return m.insertLocked(p), true, nil
}

func (m *Memory) InsertFlowBatch(_ context.Context, flowTriggerID string, rows []db.InsertScheduledEmailParams) ([]db.ScheduledEmail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.byTriggerLocked(flowTriggerID); len(existing) > 0 {
		return existing, false, nil
	}
	for _, p := range rows {
		if _, ok := m.byKey(p.IdempotencyKey); ok {
			return nil, false, fmt.Errorf("storetest: idempotency key %q already used outside trigger %q", p.IdempotencyKey, flowTriggerID)
		}
	}
	out := make([]db.ScheduledEmail, 0, len(rows))
	for _, p := range rows {
		out = append(out, m.insertLocked(p))
	}
	return out, true, nil
}

func (m *Memory) byTriggerLocked(flowTriggerID string) []db.ScheduledEmail {
	var out []db.ScheduledEmail
	for _, e := range m.emails {
		if e.FlowTriggerID.Valid && e.FlowTriggerID.String == flowTriggerID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (m *Memory) GetScheduledEmail(_ context.Context, id uuid.UUID) (db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.emailIndex(id); i >= 0 {
		return m.emails[i], nil
	}
	return db.ScheduledEmail{}, store.ErrNotFound
}

func (m *Memory) GetScheduledEmailByIdempotencyKey(_ context.Context, key string) (db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byKey(key); ok {
		return e, nil
	}
	return db.ScheduledEmail{}, store.ErrNotFound
}

func (m *Memory) GetScheduledEmailByResendID(_ context.Context, resendID string) (db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.emails) - 1; i >= 0; i-- {
		e := m.emails[i]
		if e.ResendEmailID.String == resendID && e.ResendEmailID.Valid ||
			e.ResendScheduledID.String == resendID && e.ResendScheduledID.Valid {
			return e, nil
		}
	}
	return db.ScheduledEmail{}, store.ErrNotFound
}

func (m *Memory) ListScheduledEmailsByFlowTrigger(_ context.Context, flowTriggerID string) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTriggerLocked(flowTriggerID), nil
}

func (m *Memory) ListScheduledEmailsByIDs(_ context.Context, ids []uuid.UUID) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.ScheduledEmail
	for _, id := range ids {
		if i := m.emailIndex(id); i >= 0 {
			out = append(out, m.emails[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) ListScheduledEmails(_ context.Context, f store.ListFilter) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := int(f.Limit)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []db.ScheduledEmail
	for _, e := range m.emails {
		if f.UserID.Valid && e.UserID != f.UserID {
			continue
		}
		if f.EmailContains != "" && !strings.Contains(strings.ToLower(e.EmailAddress), strings.ToLower(f.EmailContains)) {
			continue
		}
		if f.Status.Valid && e.Status != f.Status.EmailStatus {
			continue
		}
		if f.FlowTriggerID != "" && e.FlowTriggerID.String != f.FlowTriggerID {
			continue
		}
		if f.IsTest.Valid && e.IsTest != f.IsTest.Bool {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListRetryable(_ context.Context, maxRetries int32, createdBefore, horizon time.Time, limit int32) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.ScheduledEmail
	for _, e := range m.emails {
		if e.Status == db.EmailStatusPending && !e.ResendEmailID.Valid && e.RetryCount < maxRetries &&
			e.CreatedAt.Before(createdBefore) && e.ScheduledAt.Before(horizon) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListPendingProviderCancel(_ context.Context, limit int32) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var out []db.ScheduledEmail
	for _, e := range m.emails {
		if e.Status != db.EmailStatusCancelled || !e.ResendEmailID.Valid || !e.ScheduledAt.After(now) {
			continue
		}
		if _, stamped := metadataMap(e)["provider_cancelled_at"]; stamped {
			continue
		}
		out = append(out, e)
	}
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkScheduled(_ context.Context, id uuid.UUID, resendEmailID, resendScheduledID string) (db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.emailIndex(id)
	if i < 0 {
		return db.ScheduledEmail{}, store.ErrNotFound
	}
	e := &m.emails[i]
	e.ResendEmailID = sql.NullString{String: resendEmailID, Valid: true}
	e.ResendScheduledID = sql.NullString{String: resendScheduledID, Valid: resendScheduledID != ""}
	if e.Status == db.EmailStatusPending {
		e.Status = db.EmailStatusScheduled
	}
	e.UpdatedAt = m.Now()
	return *e, nil
}

func (m *Memory) RecordProviderError(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error) {
	return m.merge(id, fields, true)
}

func (m *Memory) MergeMetadata(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error) {
	return m.merge(id, fields, false)
}

func (m *Memory) merge(id uuid.UUID, fields map[string]any, retry bool) (db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.emailIndex(id)
	if i < 0 {
		return db.ScheduledEmail{}, store.ErrNotFound
	}
	e := &m.emails[i]
	md := metadataMap(*e)
	for k, v := range fields {
		md[k] = v
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return db.ScheduledEmail{}, err
	}
	e.Metadata.RawMessage, e.Metadata.Valid = raw, true
	if retry {
		e.RetryCount++
		e.LastRetryAt = sql.NullTime{Time: m.Now(), Valid: true}
	}
	e.UpdatedAt = m.Now()
	return *e, nil
}

func metadataMap(e db.ScheduledEmail) map[string]any {
	md := map[string]any{}
	if e.Metadata.Valid {
		_ = json.Unmarshal(e.Metadata.RawMessage, &md)
	}
	return md
}

func cancellable(s db.EmailStatus) bool {
	return s == db.EmailStatusPending || s == db.EmailStatusScheduled
}

func (m *Memory) cancelLocked(match func(db.ScheduledEmail) bool) []db.ScheduledEmail {
	var out []db.ScheduledEmail
	now := m.Now()
	for i := range m.emails {
		e := &m.emails[i]
		if !cancellable(e.Status) || !match(*e) {
			continue
		}
		e.Status = db.EmailStatusCancelled
		e.CancelledAt = sql.NullTime{Time: now, Valid: true}
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out
}

func (m *Memory) CancelScheduledEmail(_ context.Context, id uuid.UUID) (db.ScheduledEmail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.emailIndex(id)
	if i < 0 {
		return db.ScheduledEmail{}, false, store.ErrNotFound
	}
	rows := m.cancelLocked(func(e db.ScheduledEmail) bool { return e.ID == id })
	if len(rows) == 0 {
		return m.emails[i], false, nil
	}
	return rows[0], true, nil
}

func (m *Memory) CancelByFlowTrigger(_ context.Context, flowTriggerID string) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(func(e db.ScheduledEmail) bool {
		return e.FlowTriggerID.Valid && e.FlowTriggerID.String == flowTriggerID
	}), nil
}

func (m *Memory) CancelForUser(_ context.Context, userID uuid.UUID) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(func(e db.ScheduledEmail) bool {
		return e.UserID.Valid && e.UserID.UUID == userID
	}), nil
}

func (m *Memory) CancelMarketingForRecipient(_ context.Context, userID uuid.UUID, address string) ([]db.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(func(e db.ScheduledEmail) bool {
		sameUser := e.UserID.Valid == (userID != uuid.Nil) && (!e.UserID.Valid || e.UserID.UUID == userID)
		if !sameUser || e.EmailAddress != address {
			return false
		}
		t, _ := metadataMap(e)["email_type"].(string)
		return t == "" || t == string(db.EmailClassificationMarketing)
	}), nil
}

func (m *Memory) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) (db.ScheduledEmail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.emailIndex(id)
	if i < 0 || !cancellable(m.emails[i].Status) {
		return db.ScheduledEmail{}, false, nil
	}
	e := &m.emails[i]
	e.Status = db.EmailStatusSent
	e.SentAt = sql.NullTime{Time: sentAt, Valid: true}
	e.UpdatedAt = m.Now()
	return *e, true, nil
}

func (m *Memory) MarkSuppressed(_ context.Context, id uuid.UUID, reason string) (db.ScheduledEmail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.emailIndex(id)
	if i < 0 || !cancellable(m.emails[i].Status) {
		return db.ScheduledEmail{}, false, nil
	}
	e := &m.emails[i]
	e.Status = db.EmailStatusSuppressed
	e.SuppressionReason = sql.NullString{String: reason, Valid: true}
	e.UpdatedAt = m.Now()
	return *e, true, nil
}

// ─── TEMPLATES ───────────────────────────────────────────────────────────────

func (m *Memory) GetTemplate(_ context.Context, id uuid.UUID) (db.EmailTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.ID == id {
			return t, nil
		}
	}
	return db.EmailTemplate{}, store.ErrNotFound
}

func (m *Memory) GetActiveTemplateByName(_ context.Context, name string) (db.EmailTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *db.EmailTemplate
	for i, t := range m.templates {
		if t.Name == name && t.IsActive && (best == nil || t.Version > best.Version) {
			best = &m.templates[i]
		}
	}
	if best == nil {
		return db.EmailTemplate{}, store.ErrNotFound
	}
	return *best, nil
}

func (m *Memory) GetTemplateByNameAndVersion(_ context.Context, name string, version int32) (db.EmailTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.Name == name && t.Version == version {
			return t, nil
		}
	}
	return db.EmailTemplate{}, store.ErrNotFound
}

func (m *Memory) CreateTemplateVersion(_ context.Context, baseID uuid.UUID, p store.NewTemplateVersionParams) (db.EmailTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var base *db.EmailTemplate
	var maxVersion int32
	for i, t := range m.templates {
		if t.ID == baseID {
			base = &m.templates[i]
		}
	}
	if base == nil {
		return db.EmailTemplate{}, store.ErrNotFound
	}
	name := base.Name
	emailType := p.EmailType
	if emailType == "" {
		emailType = base.EmailType
	}
	for i := range m.templates {
		if m.templates[i].Name != name {
			continue
		}
		if m.templates[i].Version > maxVersion {
			maxVersion = m.templates[i].Version
		}
		if p.IsActive {
			m.templates[i].IsActive = false
		}
	}
	t := db.EmailTemplate{
		ID:            uuid.New(),
		Name:          name,
		Subject:       p.Subject,
		ComponentPath: sql.NullString{String: p.ComponentPath, Valid: p.ComponentPath != ""},
		HtmlContent:   sql.NullString{String: p.HTMLContent, Valid: p.HTMLContent != ""},
		Version:       maxVersion + 1,
		IsActive:      p.IsActive,
		EmailType:     emailType,
		Metadata:      p.Metadata,
		CreatedAt:     m.Now(),
		UpdatedAt:     m.Now(),
	}
	m.templates = append(m.templates, t)
	return t, nil
}

func (m *Memory) ActivateTemplateVersion(_ context.Context, id uuid.UUID) (db.EmailTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, t := range m.templates {
		if t.ID == id {
			idx = i
		}
	}
	if idx < 0 {
		return db.EmailTemplate{}, store.ErrNotFound
	}
	for i := range m.templates {
		if m.templates[i].Name == m.templates[idx].Name {
			m.templates[i].IsActive = false
		}
	}
	m.templates[idx].IsActive = true
	return m.templates[idx], nil
}

// ─── FLOWS ───────────────────────────────────────────────────────────────────

func (m *Memory) GetActiveFlowByTrigger(_ context.Context, triggerEvent string) (db.EmailFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.flows {
		if f.IsActive && f.TriggerEvent == triggerEvent {
			return f, nil
		}
	}
	return db.EmailFlow{}, store.ErrNotFound
}

func (m *Memory) GetFlow(_ context.Context, id string) (db.EmailFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return db.EmailFlow{}, store.ErrNotFound
	}
	return f, nil
}

func (m *Memory) ListActiveFlows(_ context.Context) ([]db.EmailFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.EmailFlow
	for _, f := range m.flows {
		if f.IsActive {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListFlowSteps(_ context.Context, flowID string) ([]db.EmailFlowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]db.EmailFlowStep(nil), m.steps[flowID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// ─── EVENTS ──────────────────────────────────────────────────────────────────

func (m *Memory) RecordEmailEvent(_ context.Context, p db.InsertEmailEventParams) (db.EmailEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.eventLocked(p.ResendEmailID, p.EventType, p.OccurredAt); ok {
		return ev, false, nil
	}
	ev := db.EmailEvent{
		ID:               uuid.New(),
		ResendEmailID:    p.ResendEmailID,
		EventType:        p.EventType,
		OccurredAt:       p.OccurredAt,
		ScheduledEmailID: p.ScheduledEmailID,
		Payload:          p.Payload,
		CreatedAt:        m.Now(),
	}
	m.events = append(m.events, ev)
	return ev, true, nil
}

func (m *Memory) GetEmailEvent(_ context.Context, p db.GetEmailEventParams) (db.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.eventLocked(p.ResendEmailID, p.EventType, p.OccurredAt); ok {
		return ev, nil
	}
	return db.EmailEvent{}, store.ErrNotFound
}

func (m *Memory) MarkEmailEventProcessed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].ProcessedAt = sql.NullTime{Time: m.Now(), Valid: true}
			m.events[i].ProcessingError = sql.NullString{}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *Memory) MarkEmailEventFailed(_ context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id && !m.events[i].ProcessedAt.Valid {
			m.events[i].ProcessingError = sql.NullString{String: msg, Valid: msg != ""}
		}
	}
	return nil
}

func (m *Memory) eventLocked(resendID string, typ db.EmailEventType, at time.Time) (db.EmailEvent, bool) {
	for _, ev := range m.events {
		if ev.ResendEmailID == resendID && ev.EventType == typ && ev.OccurredAt.Equal(at) {
			return ev, true
		}
	}
	return db.EmailEvent{}, false
}

// ─── PREFERENCES, SUPPRESSIONS, TOKENS ───────────────────────────────────────

func (m *Memory) GetUserEmail(_ context.Context, userID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email, ok := m.users[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return email, nil
}

func (m *Memory) GetOrCreatePreferences(_ context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prefs {
		if p.UserID == userID && p.EmailAddress == address {
			return p, nil
		}
	}
	p := db.UserEmailPreference{
		ID:                     uuid.New(),
		UserID:                 userID,
		EmailAddress:           address,
		MarketingEmailsEnabled: true,
		SubscribedTopics:       []string{},
		CreatedAt:              m.Now(),
		UpdatedAt:              m.Now(),
	}
	m.prefs = append(m.prefs, p)
	return p, nil
}

func (m *Memory) UpdatePreferences(_ context.Context, p db.UpdateUserEmailPreferencesParams) (db.UserEmailPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.prefs {
		if m.prefs[i].ID != p.ID {
			continue
		}
		pr := &m.prefs[i]
		pr.MarketingEmailsEnabled = p.MarketingEmailsEnabled
		pr.UnsubscribedAt = p.UnsubscribedAt
		pr.UnsubscribeReason = p.UnsubscribeReason
		pr.SubscribedTopics = append([]string{}, p.SubscribedTopics...)
		pr.UpdatedAt = m.Now()
		return *pr, nil
	}
	return db.UserEmailPreference{}, store.ErrNotFound
}

func (m *Memory) SetMailingListSubscriber(_ context.Context, prefID uuid.UUID, subscriberID string) (db.UserEmailPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.prefs {
		if m.prefs[i].ID != prefID {
			continue
		}
		pr := &m.prefs[i]
		pr.MailingListSubscriberID = sql.NullString{String: subscriberID, Valid: subscriberID != ""}
		pr.MailingListSyncedAt = sql.NullTime{Time: m.Now(), Valid: true}
		return *pr, nil
	}
	return db.UserEmailPreference{}, store.ErrNotFound
}

func (m *Memory) IsSuppressed(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suppressions[address]
	return ok, nil
}

func (m *Memory) AddSuppression(_ context.Context, address, reason, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suppressions[address]; ok {
		return false, nil
	}
	m.suppressions[address] = db.EmailSuppression{
		ID: uuid.New(), EmailAddress: address, Reason: reason, Source: source, CreatedAt: m.Now(),
	}
	return true, nil
}

func (m *Memory) CreateUnsubscribeToken(_ context.Context, token string, userID uuid.UUID, address string, expiresAt time.Time) (db.EmailUnsubscribeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := db.EmailUnsubscribeToken{
		ID:           uuid.New(),
		Token:        token,
		UserID:       userID,
		EmailAddress: address,
		ExpiresAt:    expiresAt,
		CreatedAt:    m.Now(),
	}
	m.tokens[token] = t
	return t, nil
}

func (m *Memory) GetUnsubscribeToken(_ context.Context, token string) (db.EmailUnsubscribeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return db.EmailUnsubscribeToken{}, store.ErrNotFound
	}
	return t, nil
}

func (m *Memory) ConsumeUnsubscribeToken(_ context.Context, token string) (db.EmailUnsubscribeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return db.EmailUnsubscribeToken{}, store.ErrNotFound
	}
	if t.UsedAt.Valid {
		return db.EmailUnsubscribeToken{}, store.ErrTokenAlreadyUsed
	}
	t.UsedAt = sql.NullTime{Time: m.Now(), Valid: true}
	m.tokens[token] = t
	return t, nil
}

func (m *Memory) PurgeExpiredTokens(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.Now()
	for k, t := range m.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}
