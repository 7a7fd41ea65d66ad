package scheduler_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/flows"
	"github.com/productcareerlyst/emailflows/internal/newsletter"
	"github.com/productcareerlyst/emailflows/internal/preferences"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
	"github.com/productcareerlyst/emailflows/internal/store/storetest"
	"github.com/productcareerlyst/emailflows/internal/templates"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

type fakeGateway struct {
	mu          sync.Mutex
	err         error
	sends       []email.Message
	schedules   []email.Message
	scheduledAt []time.Time
	n           int
}

func (g *fakeGateway) Send(_ context.Context, msg email.Message) (email.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return email.SendResult{}, g.err
	}
	g.n++
	g.sends = append(g.sends, msg)
	return email.SendResult{ID: fmt.Sprintf("re_%d", g.n)}, nil
}

func (g *fakeGateway) Schedule(_ context.Context, msg email.Message, at time.Time) (email.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return email.SendResult{}, g.err
	}
	g.n++
	g.schedules = append(g.schedules, msg)
	g.scheduledAt = append(g.scheduledAt, at)
	id := fmt.Sprintf("re_%d", g.n)
	return email.SendResult{ID: id, ScheduleID: id}, nil
}

func (g *fakeGateway) Cancel(context.Context, string) error { return nil }

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends) + len(g.schedules)
}

type fakeDispatcher struct {
	mu        sync.Mutex
	err       error
	scheduled [][]uuid.UUID
	cancelled [][]uuid.UUID
}

func (d *fakeDispatcher) DispatchSchedule(_ context.Context, ids []uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, ids)
	return d.err
}

func (d *fakeDispatcher) DispatchCancel(_ context.Context, ids []uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, ids)
	return d.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── HARNESS ──────────────────────────────────────────────────────────────────

type harness struct {
	engine     *scheduler.Engine
	mem        *storetest.Memory
	gateway    *fakeGateway
	dispatcher *fakeDispatcher
	prefs      *preferences.Service
	registry   *templates.Registry

	userID    uuid.UUID
	marketing db.EmailTemplate
	receipt   db.EmailTemplate
}

const userAddress = "user@example.com"

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := discardLogger()
	mem := storetest.New()

	registry, err := templates.NewRegistry(mem, log)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	gw := &fakeGateway{}
	disp := &fakeDispatcher{}
	canceller := scheduler.NewCanceller(mem, disp, nil, log)
	prefs := preferences.NewService(mem, canceller, newsletter.Noop{}, "https://app.example.com", log)

	h := &harness{
		mem:        mem,
		gateway:    gw,
		dispatcher: disp,
		prefs:      prefs,
		registry:   registry,
		userID:     mem.AddUser(userAddress),
	}
	h.marketing = mem.AddTemplate(db.EmailTemplate{
		Name:        "welcome",
		Subject:     "Welcome {{firstName}}",
		HtmlContent: sql.NullString{String: `<p>Hi {{firstName}}</p><a href="{{unsubscribe_url}}">unsubscribe</a>`, Valid: true},
		IsActive:    true,
		EmailType:   db.EmailClassificationMarketing,
	})
	h.receipt = mem.AddTemplate(db.EmailTemplate{
		Name:        "receipt",
		Subject:     "Your receipt",
		HtmlContent: sql.NullString{String: `<p>Thanks {{firstName}}</p>`, Valid: true},
		IsActive:    true,
		EmailType:   db.EmailClassificationTransactional,
	})

	h.engine = scheduler.NewEngine(scheduler.Deps{
		Store:       mem,
		Templates:   registry,
		Preferences: prefs,
		Flows:       flows.NewService(mem),
		Gateway:     gw,
		Dispatcher:  disp,
		Canceller:   canceller,
	}, scheduler.Config{}, log)
	return h
}

func (h *harness) addOnboardingFlow(t *testing.T) db.EmailFlow {
	t.Helper()
	day1 := h.mem.AddTemplate(db.EmailTemplate{
		Name:        "day1",
		Subject:     "Day one",
		HtmlContent: sql.NullString{String: `<p>Day one</p>`, Valid: true},
		IsActive:    true,
		EmailType:   db.EmailClassificationMarketing,
	})
	return h.mem.AddFlow(db.EmailFlow{
		ID:           "onboarding_trial",
		Name:         "Onboarding trial",
		TriggerEvent: "user.signed_up",
		IsActive:     true,
	},
		db.EmailFlowStep{StepOrder: 1, TimeOffsetMinutes: 0, TemplateID: h.marketing.ID, TemplateVersion: 1, EmailType: db.EmailClassificationMarketing},
		db.EmailFlowStep{StepOrder: 2, TimeOffsetMinutes: 1440, TemplateID: day1.ID, TemplateVersion: 1, EmailType: db.EmailClassificationMarketing},
	)
}

func (h *harness) email(id uuid.UUID) db.ScheduledEmail {
	for _, e := range h.mem.Emails() {
		if e.ID == id {
			return e
		}
	}
	return db.ScheduledEmail{}
}

func welcomeParams(key string) scheduler.EmailParams {
	return scheduler.EmailParams{
		IdempotencyKey: key,
		EmailAddress:   userAddress,
		TemplateName:   "welcome",
		Variables:      map[string]any{"firstName": "Ada"},
	}
}

// ─── ScheduleEmail ────────────────────────────────────────────────────────────

func TestScheduleEmail_SameKeyTwiceReturnsSameRow(t *testing.T) {
	h := newHarness(t)
	p := welcomeParams("welcome-1")
	p.UserID = h.userID

	first, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("first ScheduleEmail: %v", err)
	}
	second, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("second ScheduleEmail: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if n := len(h.mem.Emails()); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if n := h.gateway.calls(); n != 1 {
		t.Errorf("gateway calls = %d, want 1", n)
	}
}

func TestScheduleEmail_ConcurrentSameKeyCreatesOneRow(t *testing.T) {
	h := newHarness(t)
	p := welcomeParams("welcome-concurrent")
	p.UserID = h.userID

	const callers = 10
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := h.engine.ScheduleEmail(context.Background(), p)
			ids[i], errs[i] = row.ID, err
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("caller %d got %s, want %s", i, ids[i], ids[0])
		}
	}
	if n := len(h.mem.Emails()); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if n := h.gateway.calls(); n != 1 {
		t.Errorf("gateway calls = %d, want 1", n)
	}
}

func TestScheduleEmail_MarketingToUnsubscribedUserIsSuppressed(t *testing.T) {
	h := newHarness(t)
	if _, err := h.prefs.Unsubscribe(context.Background(), h.userID, userAddress, ""); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	p := welcomeParams("welcome-blocked")
	p.UserID = h.userID
	row, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}

	if row.Status != db.EmailStatusSuppressed {
		t.Errorf("status = %s, want suppressed", row.Status)
	}
	if row.SuppressionReason.String != preferences.ReasonUnsubscribed {
		t.Errorf("reason = %q, want %q", row.SuppressionReason.String, preferences.ReasonUnsubscribed)
	}
	if n := h.gateway.calls(); n != 0 {
		t.Errorf("gateway calls = %d, want 0", n)
	}

	again, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("retry ScheduleEmail: %v", err)
	}
	if again.ID != row.ID {
		t.Error("retry of a suppressed email should return the suppressed row")
	}
}

func TestScheduleEmail_TransactionalToUnsubscribedUserIsSent(t *testing.T) {
	h := newHarness(t)
	if _, err := h.prefs.Unsubscribe(context.Background(), h.userID, userAddress, ""); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	row, err := h.engine.ScheduleEmail(context.Background(), scheduler.EmailParams{
		IdempotencyKey: "receipt-1",
		UserID:         h.userID,
		TemplateName:   "receipt",
	})
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}
	if row.Status != db.EmailStatusScheduled {
		t.Errorf("status = %s, want scheduled", row.Status)
	}
	if row.EmailAddress != userAddress {
		t.Errorf("address = %q, want the account address", row.EmailAddress)
	}
	if n := h.gateway.calls(); n != 1 {
		t.Errorf("gateway calls = %d, want 1", n)
	}
}

func TestScheduleEmail_HardSuppressionBlocksTransactional(t *testing.T) {
	h := newHarness(t)
	h.mem.AddSuppressionRow(userAddress, "bounced")

	row, err := h.engine.ScheduleEmail(context.Background(), scheduler.EmailParams{
		IdempotencyKey: "receipt-2",
		EmailAddress:   userAddress,
		TemplateName:   "receipt",
	})
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}
	if row.Status != db.EmailStatusSuppressed || row.SuppressionReason.String != preferences.ReasonSuppressed {
		t.Errorf("got status=%s reason=%q", row.Status, row.SuppressionReason.String)
	}
	if n := h.gateway.calls(); n != 0 {
		t.Errorf("gateway calls = %d, want 0", n)
	}
}

func TestScheduleEmail_ProviderFailureLeavesRowPending(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errors.New("connection reset")

	row, err := h.engine.ScheduleEmail(context.Background(), welcomeParams("welcome-fail"))
	if err != nil {
		t.Fatalf("ScheduleEmail should not fail on a transient provider error: %v", err)
	}
	if row.Status != db.EmailStatusPending {
		t.Errorf("status = %s, want pending", row.Status)
	}
	if row.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", row.RetryCount)
	}
	if !strings.Contains(string(row.Metadata.RawMessage), "connection reset") {
		t.Errorf("metadata missing provider error: %s", row.Metadata.RawMessage)
	}
}

func TestScheduleEmail_GatewayConfigurationErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = email.ErrMissingAPIKey

	row, err := h.engine.ScheduleEmail(context.Background(), welcomeParams("welcome-nokey"))
	if !errors.Is(err, email.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if row.Status != db.EmailStatusPending {
		t.Errorf("status = %s, want pending", row.Status)
	}
}

func TestScheduleEmail_FutureTimeUsesSchedule(t *testing.T) {
	h := newHarness(t)
	at := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	p := welcomeParams("welcome-later")
	p.ScheduledAt = at

	row, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}
	if len(h.gateway.schedules) != 1 || len(h.gateway.sends) != 0 {
		t.Fatalf("expected one Schedule call, got sends=%d schedules=%d", len(h.gateway.sends), len(h.gateway.schedules))
	}
	if !h.gateway.scheduledAt[0].Equal(at) {
		t.Errorf("scheduled at %v, want %v", h.gateway.scheduledAt[0], at)
	}
	if !row.ResendScheduledID.Valid {
		t.Error("expected provider schedule id to be stored")
	}
}

func TestScheduleEmail_BeyondProviderHorizonStaysPending(t *testing.T) {
	h := newHarness(t)
	p := welcomeParams("welcome-far")
	p.ScheduledAt = time.Now().Add(40 * 24 * time.Hour)

	row, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}
	if row.Status != db.EmailStatusPending {
		t.Errorf("status = %s, want pending", row.Status)
	}
	if n := h.gateway.calls(); n != 0 {
		t.Errorf("gateway calls = %d, want 0", n)
	}
}

func TestScheduleEmail_MarketingGetsUnsubscribeLink(t *testing.T) {
	h := newHarness(t)
	p := welcomeParams("welcome-link")
	p.UserID = h.userID

	row, err := h.engine.ScheduleEmail(context.Background(), p)
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}
	snap, err := scheduler.DecodeSnapshot(row)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if !strings.HasPrefix(snap.UnsubscribeURL, "https://app.example.com/unsubscribe/") {
		t.Errorf("unsubscribe url = %q", snap.UnsubscribeURL)
	}
	if !strings.Contains(snap.HTML, snap.UnsubscribeURL) {
		t.Error("rendered body should contain the unsubscribe url")
	}
	if snap.Subject != "Welcome Ada" {
		t.Errorf("subject = %q", snap.Subject)
	}
	if got := h.gateway.sends[0].Headers["List-Unsubscribe"]; got != "<"+snap.UnsubscribeURL+">" {
		t.Errorf("List-Unsubscribe = %q", got)
	}
}

func TestScheduleEmail_RequiresKeyAndTemplate(t *testing.T) {
	h := newHarness(t)

	if _, err := h.engine.ScheduleEmail(context.Background(), scheduler.EmailParams{EmailAddress: userAddress, TemplateName: "welcome"}); !errors.Is(err, scheduler.ErrInvalidRequest) {
		t.Errorf("missing key: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := h.engine.ScheduleEmail(context.Background(), scheduler.EmailParams{IdempotencyKey: "x", EmailAddress: userAddress, TemplateName: "nope"}); !errors.Is(err, templates.ErrTemplateNotFound) {
		t.Errorf("unknown template: expected ErrTemplateNotFound, got %v", err)
	}
}

// ─── ScheduleSequence ─────────────────────────────────────────────────────────

func TestScheduleSequence_OnboardingExample(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)

	before := time.Now()
	res, err := h.engine.TriggerFlow(context.Background(), scheduler.TriggerParams{
		TriggerEvent:   "user.signed_up",
		UserID:         h.userID,
		TriggerEventID: "signup-42",
		Variables:      map[string]any{"firstName": "Ada"},
	})
	if err != nil {
		t.Fatalf("TriggerFlow: %v", err)
	}
	after := time.Now()

	wantTrigger := h.userID.String() + "_onboarding_trial_signup-42"
	if res.FlowTriggerID != wantTrigger {
		t.Errorf("flow trigger id = %q, want %q", res.FlowTriggerID, wantTrigger)
	}
	if len(res.Emails) != 2 {
		t.Fatalf("got %d rows, want 2", len(res.Emails))
	}

	a, b := res.Emails[0], res.Emails[1]
	if !a.ScheduledAt.After(before) {
		t.Error("zero-offset step must be scheduled strictly in the future")
	}
	if a.ScheduledAt.Before(before.Add(scheduler.MinLeadTime)) || a.ScheduledAt.After(after.Add(scheduler.MinLeadTime)) {
		t.Errorf("step 1 at %v, want ≈ now+10s", a.ScheduledAt)
	}
	if b.ScheduledAt.Before(before.Add(24*time.Hour)) || b.ScheduledAt.After(after.Add(24*time.Hour)) {
		t.Errorf("step 2 at %v, want ≈ now+24h", b.ScheduledAt)
	}
	for _, r := range res.Emails {
		if r.FlowTriggerID.String != wantTrigger || r.Status != db.EmailStatusPending {
			t.Errorf("row %s: trigger=%q status=%s", r.ID, r.FlowTriggerID.String, r.Status)
		}
	}
	if a.IdempotencyKey != wantTrigger+"_step_1" {
		t.Errorf("step key = %q", a.IdempotencyKey)
	}

	if n := h.gateway.calls(); n != 0 {
		t.Errorf("provider must not be called inline, got %d calls", n)
	}
	if len(h.dispatcher.scheduled) != 1 || len(h.dispatcher.scheduled[0]) != 2 {
		t.Fatalf("dispatch = %v, want one batch of 2", h.dispatcher.scheduled)
	}
	if h.dispatcher.scheduled[0][0] != a.ID {
		t.Error("step 1 should be dispatched first")
	}

	again, err := h.engine.TriggerFlow(context.Background(), scheduler.TriggerParams{
		TriggerEvent:   "user.signed_up",
		UserID:         h.userID,
		TriggerEventID: "signup-42",
	})
	if err != nil {
		t.Fatalf("re-trigger: %v", err)
	}
	if !again.Existing || len(again.Emails) != 2 {
		t.Errorf("re-trigger: existing=%v rows=%d", again.Existing, len(again.Emails))
	}
	if again.Emails[0].ID != a.ID || again.Emails[1].ID != b.ID {
		t.Error("re-trigger returned different rows")
	}
	if n := len(h.mem.Emails()); n != 2 {
		t.Errorf("total rows = %d, want 2", n)
	}
}

// gatedStore holds every flow-trigger lookup until all callers have made
// one, so concurrent triggers all miss the pre-check and race on the insert.
type gatedStore struct {
	*storetest.Memory
	arrived sync.WaitGroup
}

func (s *gatedStore) ListScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error) {
	s.arrived.Done()
	s.arrived.Wait()
	return s.Memory.ListScheduledEmailsByFlowTrigger(ctx, flowTriggerID)
}

func TestScheduleSequence_ConcurrentSameTriggerCreatesOneBatch(t *testing.T) {
	h := newHarness(t)
	flow := h.addOnboardingFlow(t)

	const callers = 8
	gated := &gatedStore{Memory: h.mem}
	gated.arrived.Add(callers)
	engine := scheduler.NewEngine(scheduler.Deps{
		Store:       gated,
		Templates:   h.registry,
		Preferences: h.prefs,
		Flows:       flows.NewService(h.mem),
		Gateway:     h.gateway,
		Dispatcher:  h.dispatcher,
		Canceller:   scheduler.NewCanceller(h.mem, h.dispatcher, nil, discardLogger()),
	}, scheduler.Config{}, discardLogger())

	results := make([]scheduler.SequenceResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
				FlowID:         flow.ID,
				UserID:         h.userID,
				TriggerEventID: "signup-race",
			})
		}()
	}
	wg.Wait()

	created := 0
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].Existing {
			created++
		}
		if len(results[i].Emails) != 2 {
			t.Fatalf("caller %d got %d rows, want 2", i, len(results[i].Emails))
		}
		for j, row := range results[i].Emails {
			if row.ID != results[0].Emails[j].ID {
				t.Errorf("caller %d row %d = %s, want %s", i, j, row.ID, results[0].Emails[j].ID)
			}
		}
	}
	if created != 1 {
		t.Errorf("callers that created the batch = %d, want 1", created)
	}
	if n := len(h.mem.Emails()); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	if n := len(h.dispatcher.scheduled); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestScheduleSequence_UsesLockedTemplateVersion(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)

	if _, err := h.registry.CreateVersion(context.Background(), h.marketing.ID, templates.NewVersion{
		Subject:     "Edited welcome",
		HTMLContent: "<p>edited</p>",
		Active:      true,
	}); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	res, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID:         "onboarding_trial",
		UserID:         h.userID,
		TriggerEventID: "signup-43",
		Variables:      map[string]any{"firstName": "Ada"},
	})
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	snap, err := scheduler.DecodeSnapshot(res.Emails[0])
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if snap.Subject != "Welcome Ada" || snap.TemplateVersion != 1 {
		t.Errorf("snapshot used %q v%d, want the locked v1", snap.Subject, snap.TemplateVersion)
	}
}

func TestScheduleSequence_FailingStepIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.mem.AddFlow(db.EmailFlow{ID: "partial", Name: "Partial", TriggerEvent: "x", IsActive: true},
		db.EmailFlowStep{StepOrder: 1, TemplateID: uuid.New(), TemplateVersion: 1, EmailType: db.EmailClassificationMarketing},
		db.EmailFlowStep{StepOrder: 2, TimeOffsetMinutes: 60, TemplateID: h.marketing.ID, TemplateVersion: 1, EmailType: db.EmailClassificationMarketing},
	)

	res, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "partial", UserID: h.userID, TriggerEventID: "t1",
	})
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if len(res.Emails) != 1 || res.FailedSteps != 1 {
		t.Errorf("rows=%d failed=%d, want 1 and 1", len(res.Emails), res.FailedSteps)
	}
	if scheduler.StepOrder(res.Emails[0]) != 2 {
		t.Errorf("surviving row has step order %d", scheduler.StepOrder(res.Emails[0]))
	}
}

func TestScheduleSequence_AllStepsFail(t *testing.T) {
	h := newHarness(t)
	h.mem.AddFlow(db.EmailFlow{ID: "broken", Name: "Broken", TriggerEvent: "y", IsActive: true},
		db.EmailFlowStep{StepOrder: 1, TemplateID: uuid.New(), TemplateVersion: 1},
	)

	_, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "broken", UserID: h.userID, TriggerEventID: "t1",
	})
	if !errors.Is(err, scheduler.ErrAllStepsFailed) {
		t.Fatalf("expected ErrAllStepsFailed, got %v", err)
	}
	if n := len(h.mem.Emails()); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestScheduleSequence_FlowWithoutSteps(t *testing.T) {
	h := newHarness(t)
	h.mem.AddFlow(db.EmailFlow{ID: "empty", Name: "Empty", TriggerEvent: "z", IsActive: true})

	_, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "empty", UserID: h.userID,
	})
	if !errors.Is(err, scheduler.ErrFlowHasNoSteps) {
		t.Fatalf("expected ErrFlowHasNoSteps, got %v", err)
	}
}

func TestScheduleSequence_UnsubscribedUserSkipsWholeFlow(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)
	if _, err := h.prefs.Unsubscribe(context.Background(), h.userID, userAddress, ""); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	res, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "onboarding_trial", UserID: h.userID, TriggerEventID: "signup-44",
	})
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if !res.Skipped || res.SkipReason != preferences.ReasonUnsubscribed {
		t.Errorf("skipped=%v reason=%q", res.Skipped, res.SkipReason)
	}
	if n := len(h.mem.Emails()); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestScheduleSequence_TestModeCompressesOffsets(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)

	before := time.Now()
	res, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "onboarding_trial", UserID: h.userID, TriggerEventID: "qa-1", IsTest: true,
	})
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	day1 := res.Emails[1]
	if !day1.IsTest {
		t.Error("expected test flag on rows")
	}
	if day1.ScheduledAt.After(before.Add(2 * time.Minute)) {
		t.Errorf("test-mode day-1 step at %v, want about a minute out", day1.ScheduledAt)
	}
}

func TestScheduleSequence_DispatchFailureKeepsRows(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)
	h.dispatcher.err = errors.New("queue full")

	res, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "onboarding_trial", UserID: h.userID, TriggerEventID: "signup-45",
	})
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if len(res.Emails) != 2 {
		t.Errorf("rows = %d, want 2", len(res.Emails))
	}
}

func TestTriggerFlow_UnknownTrigger(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.TriggerFlow(context.Background(), scheduler.TriggerParams{
		TriggerEvent: "nothing.listens", UserID: h.userID,
	})
	if !errors.Is(err, scheduler.ErrNoFlowForTrigger) {
		t.Fatalf("expected ErrNoFlowForTrigger, got %v", err)
	}
}

// ─── Cancellation ─────────────────────────────────────────────────────────────

func TestCancelSequence_StoreStatusIsAuthoritative(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)

	res, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "onboarding_trial", UserID: h.userID, TriggerEventID: "signup-46",
	})
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	// Step 1 reached the provider; step 2 did not.
	if _, err := h.mem.MarkScheduled(context.Background(), res.Emails[0].ID, "re_abc", "re_abc"); err != nil {
		t.Fatalf("MarkScheduled: %v", err)
	}
	h.dispatcher.err = errors.New("queue unavailable")

	cancelled, err := h.engine.CancelSequence(context.Background(), res.FlowTriggerID)
	if err != nil {
		t.Fatalf("CancelSequence: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("cancelled %d rows, want 2", len(cancelled))
	}
	for _, r := range res.Emails {
		if got := h.email(r.ID).Status; got != db.EmailStatusCancelled {
			t.Errorf("row %s status = %s, want cancelled", r.ID, got)
		}
	}
	if len(h.dispatcher.cancelled) != 1 || len(h.dispatcher.cancelled[0]) != 1 || h.dispatcher.cancelled[0][0] != res.Emails[0].ID {
		t.Errorf("provider cancel dispatch = %v, want only the row with a provider id", h.dispatcher.cancelled)
	}
}

func TestCancelEmail_TerminalRowIsUnchanged(t *testing.T) {
	h := newHarness(t)
	row, err := h.engine.ScheduleEmail(context.Background(), welcomeParams("welcome-sent"))
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}
	h.mem.Update(row.ID, func(e *db.ScheduledEmail) { e.Status = db.EmailStatusSent })

	got, changed, err := h.engine.CancelEmail(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("CancelEmail: %v", err)
	}
	if changed || got.Status != db.EmailStatusSent {
		t.Errorf("changed=%v status=%s, want unchanged sent row", changed, got.Status)
	}
	if len(h.dispatcher.cancelled) != 0 {
		t.Error("nothing should be dispatched for a terminal row")
	}
}

func TestCancelAllForUser(t *testing.T) {
	h := newHarness(t)
	h.addOnboardingFlow(t)
	if _, err := h.engine.ScheduleSequence(context.Background(), scheduler.SequenceParams{
		FlowID: "onboarding_trial", UserID: h.userID, TriggerEventID: "signup-47",
	}); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	other, err := h.engine.ScheduleEmail(context.Background(), scheduler.EmailParams{
		IdempotencyKey: "other", EmailAddress: "other@example.com", TemplateName: "receipt",
	})
	if err != nil {
		t.Fatalf("ScheduleEmail: %v", err)
	}

	cancelled, err := h.engine.CancelAllForUser(context.Background(), h.userID)
	if err != nil {
		t.Fatalf("CancelAllForUser: %v", err)
	}
	if len(cancelled) != 2 {
		t.Errorf("cancelled %d, want 2", len(cancelled))
	}
	if got := h.email(other.ID).Status; got == db.EmailStatusCancelled {
		t.Error("another recipient's email was cancelled")
	}
}

// ─── Keys and snapshots ───────────────────────────────────────────────────────

func TestFlowTriggerID(t *testing.T) {
	user := uuid.MustParse("6f1c1e1a-0000-4000-8000-000000000001")
	now := time.UnixMilli(1700000000123)

	if got := scheduler.FlowTriggerID(user, "a@b.c", "onboarding_trial", "signup-42", now); got != user.String()+"_onboarding_trial_signup-42" {
		t.Errorf("with trigger id: %q", got)
	}
	if got := scheduler.FlowTriggerID(user, "a@b.c", "onboarding_trial", "", now); got != user.String()+"_onboarding_trial_1700000000123" {
		t.Errorf("timestamp fallback: %q", got)
	}
	if got := scheduler.FlowTriggerID(uuid.Nil, "a@b.c", "f", "e", now); got != "a@b.c_f_e" {
		t.Errorf("anonymous: %q", got)
	}
	if got := scheduler.StepIdempotencyKey("t", 3); got != "t_step_3" {
		t.Errorf("step key: %q", got)
	}
}

func TestMessageFor_UsesSnapshotAndRowID(t *testing.T) {
	row := db.ScheduledEmail{
		ID:               uuid.New(),
		EmailAddress:     "a@example.com",
		FlowID:           sql.NullString{String: "onboarding_trial", Valid: true},
		TemplateSnapshot: []byte(`{"subject":"Hi","html":"<p>x</p>","template_name":"welcome","template_version":2}`),
	}
	msg, err := scheduler.MessageFor(row)
	if err != nil {
		t.Fatalf("MessageFor: %v", err)
	}
	if msg.To != "a@example.com" || msg.Subject != "Hi" || msg.HTML != "<p>x</p>" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.IdempotencyKey != row.ID.String() {
		t.Errorf("idempotency key = %q", msg.IdempotencyKey)
	}
	if msg.Tags["flow"] != "onboarding_trial" || msg.Tags["template"] != "welcome" {
		t.Errorf("tags = %v", msg.Tags)
	}
	if msg.Headers != nil {
		t.Error("no unsubscribe headers expected without an unsubscribe url")
	}

	if _, err := scheduler.MessageFor(db.ScheduledEmail{ID: uuid.New()}); err == nil {
		t.Error("expected error for a row without snapshot")
	}
}
