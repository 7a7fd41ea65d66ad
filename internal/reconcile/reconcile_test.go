package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/newsletter"
	"github.com/productcareerlyst/emailflows/internal/preferences"
	"github.com/productcareerlyst/emailflows/internal/reconcile"
	"github.com/productcareerlyst/emailflows/internal/store/storetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T) (*reconcile.Handler, *storetest.Memory, *preferences.Service) {
	t.Helper()
	mem := storetest.New()
	prefs := preferences.NewService(mem, mem, newsletter.Noop{}, "https://app.example.com", discardLogger())
	return reconcile.NewHandler(mem, prefs, nil, discardLogger()), mem, prefs
}

// seedScheduled inserts a row that the provider has accepted as resendID.
func seedScheduled(t *testing.T, mem *storetest.Memory, address, resendID string) db.ScheduledEmail {
	t.Helper()
	ctx := context.Background()
	row, _, err := mem.InsertScheduledEmail(ctx, db.InsertScheduledEmailParams{
		EmailAddress:     address,
		TemplateSnapshot: []byte(`{"subject":"Hi"}`),
		Status:           db.EmailStatusPending,
		ScheduledAt:      time.Now().Add(time.Hour),
		IdempotencyKey:   uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	row, err = mem.MarkScheduled(ctx, row.ID, resendID, resendID)
	if err != nil {
		t.Fatalf("MarkScheduled: %v", err)
	}
	return row
}

func event(typ, resendID string, at time.Time) email.WebhookEvent {
	return email.WebhookEvent{
		Type:      typ,
		CreatedAt: at,
		EmailID:   resendID,
		To:        []string{"Someone@Example.com"},
		Payload:   []byte(`{"type":"email.` + typ + `"}`),
	}
}

func find(mem *storetest.Memory, id uuid.UUID) db.ScheduledEmail {
	for _, e := range mem.Emails() {
		if e.ID == id {
			return e
		}
	}
	return db.ScheduledEmail{}
}

func TestHandle_SentTransitionsScheduledRow(t *testing.T) {
	h, mem, _ := newHandler(t)
	row := seedScheduled(t, mem, "a@example.com", "re_1")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	res, err := h.Handle(context.Background(), event(email.EventSent, "re_1", at))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success || res.EventID == uuid.Nil {
		t.Fatalf("result = %+v", res)
	}

	got := find(mem, row.ID)
	if got.Status != db.EmailStatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if !got.SentAt.Valid || !got.SentAt.Time.Equal(at) {
		t.Errorf("sent_at = %v, want %v", got.SentAt, at)
	}
	evs := mem.Events()
	if len(evs) != 1 || evs[0].ScheduledEmailID.UUID != row.ID {
		t.Errorf("events = %+v, want one linked to the row", evs)
	}
}

func TestHandle_ReplayIsNoOp(t *testing.T) {
	h, mem, _ := newHandler(t)
	seedScheduled(t, mem, "a@example.com", "re_1")
	ev := event(email.EventSent, "re_1", time.Now().UTC())

	first, err := h.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if second.EventID != first.EventID {
		t.Errorf("replay returned event %s, want %s", second.EventID, first.EventID)
	}
	if n := len(mem.Events()); n != 1 {
		t.Errorf("logged events = %d, want 1", n)
	}
}

func TestHandle_SentForTerminalRowIsNoOp(t *testing.T) {
	for _, status := range []db.EmailStatus{db.EmailStatusSent, db.EmailStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			h, mem, _ := newHandler(t)
			row := seedScheduled(t, mem, "a@example.com", "re_1")
			mem.Update(row.ID, func(e *db.ScheduledEmail) { e.Status = status })

			res, err := h.Handle(context.Background(), event(email.EventSent, "re_1", time.Now().UTC()))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if !res.Success {
				t.Errorf("result = %+v, want success", res)
			}
			if got := find(mem, row.ID).Status; got != status {
				t.Errorf("status = %s, want unchanged %s", got, status)
			}
		})
	}
}

func TestHandle_BounceSuppressesRowAndAddress(t *testing.T) {
	for _, status := range []db.EmailStatus{db.EmailStatusPending, db.EmailStatusScheduled} {
		t.Run(string(status), func(t *testing.T) {
			h, mem, prefs := newHandler(t)
			row := seedScheduled(t, mem, "a@example.com", "re_1")
			mem.Update(row.ID, func(e *db.ScheduledEmail) { e.Status = status })

			if _, err := h.Handle(context.Background(), event(email.EventBounced, "re_1", time.Now().UTC())); err != nil {
				t.Fatalf("Handle: %v", err)
			}

			got := find(mem, row.ID)
			if got.Status != db.EmailStatusSuppressed || got.SuppressionReason.String != "bounced" {
				t.Errorf("status=%s reason=%q, want suppressed/bounced", got.Status, got.SuppressionReason.String)
			}
			ok, err := prefs.CanSend(context.Background(), uuid.Nil, "a@example.com", db.EmailClassificationTransactional)
			if err != nil {
				t.Fatalf("CanSend: %v", err)
			}
			if ok {
				t.Error("bounced address should be blocked for transactional mail")
			}
		})
	}
}

func TestHandle_BounceAfterSentKeepsSentButSuppressesAddress(t *testing.T) {
	h, mem, prefs := newHandler(t)
	row := seedScheduled(t, mem, "a@example.com", "re_1")
	at := time.Now().UTC()

	if _, err := h.Handle(context.Background(), event(email.EventSent, "re_1", at)); err != nil {
		t.Fatalf("sent: %v", err)
	}
	if _, err := h.Handle(context.Background(), event(email.EventBounced, "re_1", at.Add(time.Minute))); err != nil {
		t.Fatalf("bounced: %v", err)
	}

	if got := find(mem, row.ID).Status; got != db.EmailStatusSent {
		t.Errorf("status = %s, want sent", got)
	}
	if n := len(mem.Events()); n != 2 {
		t.Errorf("logged events = %d, want 2", n)
	}
	ok, err := prefs.CanSend(context.Background(), uuid.Nil, "a@example.com", db.EmailClassificationTransactional)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if ok {
		t.Error("bounced address should be blocked for transactional mail")
	}
}

func TestHandle_ComplaintWithoutRowSuppressesRecipient(t *testing.T) {
	h, mem, prefs := newHandler(t)

	res, err := h.Handle(context.Background(), event(email.EventComplained, "re_unknown", time.Now().UTC()))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
	if evs := mem.Events(); len(evs) != 1 || evs[0].ScheduledEmailID.Valid {
		t.Errorf("events = %+v, want one unlinked event", evs)
	}
	ok, _ := prefs.CanSend(context.Background(), uuid.Nil, "someone@example.com", db.EmailClassificationMarketing)
	if ok {
		t.Error("complaining recipient should be suppressed")
	}
}

func TestHandle_LogOnlyEventsDoNotTransition(t *testing.T) {
	for _, typ := range []string{email.EventDelivered, email.EventOpened, email.EventClicked, email.EventScheduled} {
		t.Run(typ, func(t *testing.T) {
			h, mem, _ := newHandler(t)
			row := seedScheduled(t, mem, "a@example.com", "re_1")

			if _, err := h.Handle(context.Background(), event(typ, "re_1", time.Now().UTC())); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := find(mem, row.ID).Status; got != db.EmailStatusScheduled {
				t.Errorf("status = %s, want scheduled", got)
			}
			if n := len(mem.Events()); n != 1 {
				t.Errorf("events = %d, want 1", n)
			}
		})
	}
}

type failingStore struct{ *storetest.Memory }

func (failingStore) RecordEmailEvent(context.Context, db.InsertEmailEventParams) (db.EmailEvent, bool, error) {
	return db.EmailEvent{}, false, errors.New("connection reset")
}

func TestHandle_PersistenceErrorPropagates(t *testing.T) {
	mem := storetest.New()
	prefs := preferences.NewService(mem, mem, newsletter.Noop{}, "https://app.example.com", discardLogger())
	h := reconcile.NewHandler(failingStore{mem}, prefs, nil, discardLogger())

	if _, err := h.Handle(context.Background(), event(email.EventSent, "re_1", time.Now().UTC())); err == nil {
		t.Fatal("expected persistence error to propagate")
	}
}

// flakyStore fails the first MarkSent after the event row is committed.
type flakyStore struct {
	*storetest.Memory
	failures int
}

func (s *flakyStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (db.ScheduledEmail, bool, error) {
	if s.failures > 0 {
		s.failures--
		return db.ScheduledEmail{}, false, errors.New("connection reset")
	}
	return s.Memory.MarkSent(ctx, id, at)
}

func TestHandle_RetryAfterTransitionFailureAppliesIt(t *testing.T) {
	mem := storetest.New()
	prefs := preferences.NewService(mem, mem, newsletter.Noop{}, "https://app.example.com", discardLogger())
	h := reconcile.NewHandler(&flakyStore{Memory: mem, failures: 1}, prefs, nil, discardLogger())
	row := seedScheduled(t, mem, "a@example.com", "re_1")
	ev := event(email.EventSent, "re_1", time.Now().UTC())

	if _, err := h.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected the first delivery to fail")
	}
	evs := mem.Events()
	if len(evs) != 1 || evs[0].ProcessedAt.Valid || evs[0].ProcessingError.String == "" {
		t.Fatalf("after failure events = %+v, want one unprocessed event with its error", evs)
	}

	res, err := h.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.EventID != evs[0].ID || res.Message != "event processed" {
		t.Errorf("retry result = %+v, want the logged event processed", res)
	}
	if got := find(mem, row.ID).Status; got != db.EmailStatusSent {
		t.Errorf("status = %s, want sent", got)
	}

	evs = mem.Events()
	if len(evs) != 1 || !evs[0].ProcessedAt.Valid || evs[0].ProcessingError.Valid {
		t.Errorf("after retry events = %+v, want one processed event", evs)
	}

	// A third delivery is a plain duplicate.
	res, err = h.Handle(context.Background(), ev)
	if err != nil || res.Message != "event already processed" {
		t.Errorf("third delivery = %+v, %v", res, err)
	}
}

type flakySuppressor struct {
	next     reconcile.Suppressor
	failures int
}

func (s *flakySuppressor) AddSuppression(ctx context.Context, address, reason, source string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("db down")
	}
	return s.next.AddSuppression(ctx, address, reason, source)
}

func TestHandle_RetryAfterSuppressionFailureSuppressesAddress(t *testing.T) {
	mem := storetest.New()
	prefs := preferences.NewService(mem, mem, newsletter.Noop{}, "https://app.example.com", discardLogger())
	h := reconcile.NewHandler(mem, &flakySuppressor{next: prefs, failures: 1}, nil, discardLogger())
	row := seedScheduled(t, mem, "a@example.com", "re_1")
	ev := event(email.EventBounced, "re_1", time.Now().UTC())

	if _, err := h.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected the first delivery to fail")
	}
	if _, err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if got := find(mem, row.ID).Status; got != db.EmailStatusSuppressed {
		t.Errorf("status = %s, want suppressed", got)
	}
	ok, err := prefs.CanSend(context.Background(), uuid.Nil, "a@example.com", db.EmailClassificationTransactional)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("address should be suppressed after the retried bounce")
	}
}
