package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/api"
	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/flows"
	"github.com/productcareerlyst/emailflows/internal/newsletter"
	"github.com/productcareerlyst/emailflows/internal/preferences"
	"github.com/productcareerlyst/emailflows/internal/reconcile"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
	"github.com/productcareerlyst/emailflows/internal/store/storetest"
	"github.com/productcareerlyst/emailflows/internal/templates"
)

const (
	internalKey = "test-internal-key"
	userAddress = "jane@example.com"
)

var webhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("api-test-secret"))

// ─── STUBS ────────────────────────────────────────────────────────────────────

type stubGateway struct {
	mu    sync.Mutex
	sends int
}

func (g *stubGateway) next() email.SendResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends++
	id := fmt.Sprintf("re_%d", g.sends)
	return email.SendResult{ID: id, ScheduleID: id}
}

func (g *stubGateway) Send(context.Context, email.Message) (email.SendResult, error) {
	return g.next(), nil
}

func (g *stubGateway) Schedule(context.Context, email.Message, time.Time) (email.SendResult, error) {
	return g.next(), nil
}

func (g *stubGateway) Cancel(context.Context, string) error { return nil }

func (g *stubGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends
}

// stubDispatcher records ids without running the worker.
type stubDispatcher struct {
	mu        sync.Mutex
	scheduled int
	cancelled int
}

func (d *stubDispatcher) DispatchSchedule(_ context.Context, ids []uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled += len(ids)
	return nil
}

func (d *stubDispatcher) DispatchCancel(_ context.Context, ids []uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled += len(ids)
	return nil
}

type failingReconciler struct{}

func (failingReconciler) Handle(context.Context, email.WebhookEvent) (reconcile.Result, error) {
	return reconcile.Result{}, errors.New("db down")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── HARNESS ──────────────────────────────────────────────────────────────────

type env struct {
	handler http.Handler
	mem     *storetest.Memory
	gateway *stubGateway
	prefs   *preferences.Service
	userID  uuid.UUID
	welcome db.EmailTemplate
	receipt db.EmailTemplate
}

func newEnv(t *testing.T, mod ...func(*api.Deps)) *env {
	t.Helper()
	log := discardLogger()
	mem := storetest.New()

	registry, err := templates.NewRegistry(mem, log)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gw := &stubGateway{}
	disp := &stubDispatcher{}
	canceller := scheduler.NewCanceller(mem, disp, nil, log)
	prefs := preferences.NewService(mem, canceller, newsletter.Noop{}, "https://app.example.com", log)
	flowSvc := flows.NewService(mem)
	engine := scheduler.NewEngine(scheduler.Deps{
		Store:       mem,
		Templates:   registry,
		Preferences: prefs,
		Flows:       flowSvc,
		Gateway:     gw,
		Dispatcher:  disp,
		Canceller:   canceller,
	}, scheduler.Config{}, log)

	e := &env{mem: mem, gateway: gw, prefs: prefs, userID: mem.AddUser(userAddress)}
	e.welcome = mem.AddTemplate(db.EmailTemplate{
		Name:        "welcome",
		Subject:     "Welcome {{firstName}}",
		HtmlContent: sql.NullString{String: `<p>Hi {{firstName}}</p><a href="{{unsubscribe_url}}">unsubscribe</a>`, Valid: true},
		IsActive:    true,
		EmailType:   db.EmailClassificationMarketing,
	})
	e.receipt = mem.AddTemplate(db.EmailTemplate{
		Name:        "receipt",
		Subject:     "Your receipt",
		HtmlContent: sql.NullString{String: `<p>Thanks</p>`, Valid: true},
		IsActive:    true,
		EmailType:   db.EmailClassificationTransactional,
	})
	mem.AddFlow(db.EmailFlow{
		ID:           "onboarding_trial",
		Name:         "Onboarding trial",
		TriggerEvent: "user.signed_up",
		CancelEvents: []string{"user.upgraded"},
		IsActive:     true,
	},
		db.EmailFlowStep{StepOrder: 1, TimeOffsetMinutes: 0, TemplateID: e.welcome.ID, TemplateVersion: 1, EmailType: db.EmailClassificationMarketing},
		db.EmailFlowStep{StepOrder: 2, TimeOffsetMinutes: 1440, TemplateID: e.welcome.ID, TemplateVersion: 1, EmailType: db.EmailClassificationMarketing},
	)

	deps := api.Deps{
		Scheduler:   engine,
		Preferences: prefs,
		Flows:       flowSvc,
		Templates:   registry,
		Reconciler:  reconcile.NewHandler(mem, prefs, nil, log),
		Emails:      mem,
	}
	for _, m := range mod {
		m(&deps)
	}
	e.handler = api.NewServer(deps, api.Config{
		InternalAPIKey:      internalKey,
		ResendWebhookSecret: webhookSecret,
		Env:                 "development",
	}, log)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderInternalKey, internalKey)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

type emailBody struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	FlowTriggerID     string `json:"flow_trigger_id"`
	SuppressionReason string `json:"suppression_reason"`
	ResendEmailID     string `json:"resend_email_id"`
}

type sequenceBody struct {
	FlowTriggerID string      `json:"flow_trigger_id"`
	Existing      bool        `json:"existing"`
	Skipped       bool        `json:"skipped"`
	SkipReason    string      `json:"skip_reason"`
	Emails        []emailBody `json:"emails"`
}

// ─── HEALTH & AUTH ────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestInternalRoutes_RequireKey(t *testing.T) {
	e := newEnv(t)

	for name, key := range map[string]string{"missing": "", "wrong": "nope"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
			if key != "" {
				req.Header.Set(api.HeaderInternalKey, key)
			}
			rr := httptest.NewRecorder()
			e.handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}
}

// ─── EMAILS ───────────────────────────────────────────────────────────────────

func TestScheduleEmail_IdempotentByKey(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"idempotency_key": "receipt-order-1",
		"email_address":   "buyer@example.com",
		"template_name":   "receipt",
	}

	first := e.do(t, http.MethodPost, "/api/emails", body)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body)
	}
	second := e.do(t, http.MethodPost, "/api/emails", body)

	var a, b emailBody
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a.ID != b.ID {
		t.Errorf("ids differ: %s vs %s", a.ID, b.ID)
	}
	if a.Status != "scheduled" || a.ResendEmailID == "" {
		t.Errorf("email = %+v, want scheduled with provider id", a)
	}
	if n := e.gateway.count(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestScheduleEmail_Validation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing key", map[string]any{"email_address": "a@example.com", "template_name": "receipt"}, http.StatusBadRequest},
		{"bad address", map[string]any{"idempotency_key": "k1", "email_address": "not-an-email", "template_name": "receipt"}, http.StatusBadRequest},
		{"bad email type", map[string]any{"idempotency_key": "k2", "email_address": "a@example.com", "template_name": "receipt", "email_type": "promo"}, http.StatusBadRequest},
		{"no template", map[string]any{"idempotency_key": "k3", "email_address": "a@example.com"}, http.StatusBadRequest},
		{"unknown template", map[string]any{"idempotency_key": "k4", "email_address": "a@example.com", "template_name": "nope"}, http.StatusNotFound},
		{"unknown field", map[string]any{"idempotency_key": "k5", "email_address": "a@example.com", "template_name": "receipt", "extra": 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/api/emails", tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body)
			}
		})
	}
}

func TestScheduleEmail_MarketingToUnsubscribedIsSuppressed(t *testing.T) {
	e := newEnv(t)
	if _, err := e.prefs.Unsubscribe(context.Background(), e.userID, "", "too many"); err != nil {
		t.Fatal(err)
	}

	rr := e.do(t, http.MethodPost, "/api/emails", map[string]any{
		"idempotency_key": "promo-1",
		"user_id":         e.userID.String(),
		"template_name":   "welcome",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var got emailBody
	decodeBody(t, rr, &got)
	if got.Status != "suppressed" || got.SuppressionReason != preferences.ReasonUnsubscribed {
		t.Errorf("email = %+v, want suppressed/unsubscribed", got)
	}
	if n := e.gateway.count(); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestCancelEmail(t *testing.T) {
	e := newEnv(t)

	if rr := e.do(t, http.MethodDelete, "/api/emails/not-a-uuid", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/api/emails/"+uuid.NewString(), nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rr.Code)
	}

	rr := e.do(t, http.MethodPost, "/api/emails", map[string]any{
		"idempotency_key": "later-1",
		"email_address":   "a@example.com",
		"template_name":   "receipt",
		"scheduled_at":    time.Now().Add(48 * time.Hour).Format(time.RFC3339),
	})
	var created emailBody
	decodeBody(t, rr, &created)

	rr = e.do(t, http.MethodDelete, "/api/emails/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var res struct {
		Cancelled bool      `json:"cancelled"`
		Email     emailBody `json:"email"`
	}
	decodeBody(t, rr, &res)
	if !res.Cancelled || res.Email.Status != "cancelled" {
		t.Errorf("result = %+v", res)
	}

	// Second cancel is a no-op on a terminal row.
	rr = e.do(t, http.MethodDelete, "/api/emails/"+created.ID, nil)
	decodeBody(t, rr, &res)
	if res.Cancelled {
		t.Error("second cancel should report cancelled=false")
	}
}

func TestListEmails_Filters(t *testing.T) {
	e := newEnv(t)
	for i := range 3 {
		e.do(t, http.MethodPost, "/api/emails", map[string]any{
			"idempotency_key": "list-" + strconv.Itoa(i),
			"email_address":   fmt.Sprintf("user%d@example.com", i),
			"template_name":   "receipt",
		})
	}

	rr := e.do(t, http.MethodGet, "/api/admin/emails?status=scheduled&email=user1&limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var res struct {
		Count  int         `json:"count"`
		Emails []emailBody `json:"emails"`
	}
	decodeBody(t, rr, &res)
	if res.Count != 1 {
		t.Errorf("count = %d, want 1", res.Count)
	}

	if rr := e.do(t, http.MethodGet, "/api/admin/emails?status=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d, want 400", rr.Code)
	}
}

// ─── FLOWS ────────────────────────────────────────────────────────────────────

func TestTriggerFlow_AndCancelSequence(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"trigger_event":    "user.signed_up",
		"user_id":          e.userID.String(),
		"trigger_event_id": "signup-42",
	}

	rr := e.do(t, http.MethodPost, "/api/flows/trigger", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var first sequenceBody
	decodeBody(t, rr, &first)
	wantTrigger := e.userID.String() + "_onboarding_trial_signup-42"
	if first.FlowTriggerID != wantTrigger || len(first.Emails) != 2 || first.Existing {
		t.Fatalf("first = %+v", first)
	}

	var again sequenceBody
	decodeBody(t, e.do(t, http.MethodPost, "/api/flows/trigger", body), &again)
	if !again.Existing || len(again.Emails) != 2 || again.Emails[0].ID != first.Emails[0].ID {
		t.Errorf("retrigger = %+v, want existing rows", again)
	}

	rr = e.do(t, http.MethodPost, "/api/flow-triggers/"+wantTrigger+"/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rr.Code, rr.Body)
	}
	var cancelled struct {
		Cancelled int `json:"cancelled"`
	}
	decodeBody(t, rr, &cancelled)
	if cancelled.Cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", cancelled.Cancelled)
	}
}

func TestTriggerFlow_UnknownTrigger(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/api/flows/trigger", map[string]any{
		"trigger_event": "user.nothing",
		"email_address": "a@example.com",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestScheduleSequence_ByFlowID(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/api/flows/onboarding_trial/schedule", map[string]any{
		"email_address":    "anon@example.com",
		"trigger_event_id": "lead-7",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var res sequenceBody
	decodeBody(t, rr, &res)
	if res.FlowTriggerID != "anon@example.com_onboarding_trial_lead-7" || len(res.Emails) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestListFlowsAndShouldCancel(t *testing.T) {
	e := newEnv(t)

	var list struct {
		Flows []struct {
			ID           string   `json:"id"`
			CancelEvents []string `json:"cancel_events"`
		} `json:"flows"`
	}
	decodeBody(t, e.do(t, http.MethodGet, "/api/flows", nil), &list)
	if len(list.Flows) != 1 || list.Flows[0].ID != "onboarding_trial" {
		t.Fatalf("flows = %+v", list.Flows)
	}

	var res struct {
		ShouldCancel bool `json:"should_cancel"`
	}
	decodeBody(t, e.do(t, http.MethodPost, "/api/flows/onboarding_trial/should-cancel", map[string]any{
		"events": []string{"page.viewed", "user.upgraded"},
	}), &res)
	if !res.ShouldCancel {
		t.Error("user.upgraded should cancel the flow")
	}

	if rr := e.do(t, http.MethodPost, "/api/flows/missing/should-cancel", map[string]any{"events": []string{}}); rr.Code != http.StatusNotFound {
		t.Errorf("unknown flow: status = %d, want 404", rr.Code)
	}
}

// ─── PREFERENCES ──────────────────────────────────────────────────────────────

type prefsBody struct {
	EmailAddress           string   `json:"email_address"`
	MarketingEmailsEnabled bool     `json:"marketing_emails_enabled"`
	SubscribedTopics       []string `json:"subscribed_topics"`
	UnsubscribeReason      string   `json:"unsubscribe_reason"`
}

func TestPreferences_GetUnsubscribeResubscribe(t *testing.T) {
	e := newEnv(t)
	base := "/api/users/" + e.userID.String()

	var got prefsBody
	decodeBody(t, e.do(t, http.MethodGet, base+"/preferences", nil), &got)
	if got.EmailAddress != userAddress || !got.MarketingEmailsEnabled {
		t.Fatalf("defaults = %+v", got)
	}

	decodeBody(t, e.do(t, http.MethodPost, base+"/unsubscribe", map[string]any{"reason": "too many"}), &got)
	if got.MarketingEmailsEnabled || got.UnsubscribeReason != "too many" {
		t.Errorf("after unsubscribe = %+v", got)
	}

	// Empty body is accepted.
	rr := e.do(t, http.MethodPost, base+"/resubscribe", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resubscribe status = %d, body = %s", rr.Code, rr.Body)
	}
	decodeBody(t, rr, &got)
	if !got.MarketingEmailsEnabled {
		t.Error("resubscribe should re-enable marketing")
	}
}

func TestPreferences_Patch(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPatch, "/api/users/"+e.userID.String()+"/preferences", map[string]any{
		"subscribed_topics": []string{"product", "product", "tips"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var got prefsBody
	decodeBody(t, rr, &got)
	if len(got.SubscribedTopics) != 2 {
		t.Errorf("topics = %v, want deduped", got.SubscribedTopics)
	}
}

func TestPreferences_UnknownUser(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/api/users/"+uuid.NewString()+"/preferences", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

// ─── UNSUBSCRIBE LINKS ────────────────────────────────────────────────────────

func TestUnsubscribeLink_RedeemOnce(t *testing.T) {
	e := newEnv(t)
	token, err := e.prefs.GenerateUnsubscribeToken(context.Background(), e.userID, userAddress)
	if err != nil {
		t.Fatal(err)
	}

	get := httptest.NewRecorder()
	e.handler.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/unsubscribe/"+token, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("GET status = %d", get.Code)
	}

	redeem := func() (int, bool) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/unsubscribe/"+token, bytes.NewBufferString("List-Unsubscribe=One-Click"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		e.handler.ServeHTTP(rr, req)
		var res struct {
			AlreadyUsed bool `json:"already_used"`
		}
		_ = json.Unmarshal(rr.Body.Bytes(), &res)
		return rr.Code, res.AlreadyUsed
	}

	if code, used := redeem(); code != http.StatusOK || used {
		t.Errorf("first redeem: code=%d already_used=%v", code, used)
	}
	if code, used := redeem(); code != http.StatusOK || !used {
		t.Errorf("second redeem: code=%d already_used=%v", code, used)
	}

	pref, err := e.prefs.GetPreferences(context.Background(), e.userID, userAddress)
	if err != nil {
		t.Fatal(err)
	}
	if pref.MarketingEmailsEnabled {
		t.Error("redeemed link should unsubscribe")
	}
}

func TestUnsubscribeLink_UnknownToken(t *testing.T) {
	e := newEnv(t)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rr := httptest.NewRecorder()
		e.handler.ServeHTTP(rr, httptest.NewRequest(method, "/unsubscribe/deadbeef", nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", method, rr.Code)
		}
	}
}

// ─── TEMPLATES ────────────────────────────────────────────────────────────────

func TestTemplateVersions(t *testing.T) {
	e := newEnv(t)
	path := "/api/templates/" + e.receipt.ID.String()

	rr := e.do(t, http.MethodPost, path+"/versions", map[string]any{
		"subject":      "Your receipt (v2)",
		"html_content": "<p>Thanks again</p>",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var v2 struct {
		ID       string `json:"id"`
		Version  int32  `json:"version"`
		IsActive bool   `json:"is_active"`
	}
	decodeBody(t, rr, &v2)
	if v2.Version != 2 || v2.IsActive {
		t.Fatalf("v2 = %+v", v2)
	}

	decodeBody(t, e.do(t, http.MethodPost, "/api/templates/"+v2.ID+"/activate", nil), &v2)
	if !v2.IsActive {
		t.Error("activate should make v2 active")
	}

	if rr := e.do(t, http.MethodPost, path+"/versions", map[string]any{"subject": "empty"}); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty template: status = %d, want 422", rr.Code)
	}
}

// ─── WEBHOOKS ─────────────────────────────────────────────────────────────────

func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(webhookSecret[len("whsec_"):])
	if err != nil {
		t.Fatal(err)
	}
	id := "msg_" + uuid.NewString()
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.%s", id, stamp, payload)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/resend", bytes.NewBufferString(payload))
	req.Header.Set(email.HeaderWebhookID, id)
	req.Header.Set(email.HeaderWebhookTimestamp, stamp)
	req.Header.Set(email.HeaderWebhookSignature, "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return req
}

func webhookPayload(typ, resendID string) string {
	return fmt.Sprintf(`{"type":"email.%s","created_at":"2026-03-01T10:00:00.000Z","data":{"email_id":%q,"from":"hello@example.com","to":["buyer@example.com"],"subject":"Your receipt","created_at":"2026-03-01T09:59:59.000Z"}}`, typ, resendID)
}

func TestResendWebhook_BounceSuppresses(t *testing.T) {
	e := newEnv(t)
	var sent emailBody
	decodeBody(t, e.do(t, http.MethodPost, "/api/emails", map[string]any{
		"idempotency_key": "wh-1",
		"email_address":   "buyer@example.com",
		"template_name":   "receipt",
		"scheduled_at":    time.Now().Add(time.Hour).Format(time.RFC3339),
	}), &sent)

	payload := webhookPayload("bounced", sent.ResendEmailID)
	for i := range 2 {
		rr := httptest.NewRecorder()
		e.handler.ServeHTTP(rr, signedRequest(t, payload))
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, body = %s", i, rr.Code, rr.Body)
		}
	}

	if n := len(e.mem.Events()); n != 1 {
		t.Errorf("logged events = %d, want 1", n)
	}
	var list struct {
		Emails []emailBody `json:"emails"`
	}
	decodeBody(t, e.do(t, http.MethodGet, "/api/admin/emails?status=suppressed", nil), &list)
	if len(list.Emails) != 1 || list.Emails[0].SuppressionReason != "bounced" {
		t.Errorf("suppressed emails = %+v", list.Emails)
	}
}

func TestResendWebhook_BadSignature(t *testing.T) {
	e := newEnv(t)
	req := signedRequest(t, webhookPayload("sent", "re_1"))
	req.Header.Set(email.HeaderWebhookSignature, "v1,AAAA")

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestResendWebhook_UnsupportedTypeAcknowledged(t *testing.T) {
	e := newEnv(t)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, signedRequest(t, webhookPayload("delivery_delayed", "re_1")))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if n := len(e.mem.Events()); n != 0 {
		t.Errorf("logged events = %d, want 0", n)
	}
}

func TestResendWebhook_PersistenceFailureAsksForRetry(t *testing.T) {
	e := newEnv(t, func(d *api.Deps) { d.Reconciler = failingReconciler{} })
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, signedRequest(t, webhookPayload("sent", "re_1")))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}
