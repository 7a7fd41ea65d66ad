// Package scheduler turns scheduling requests and flow triggers into
// scheduled_emails rows and drives them through their state machine:
//
//	pending → scheduled → sent
//	pending | scheduled → cancelled
//	pending | scheduled → suppressed
//
// Every request carries an idempotency key; whole-flow triggers carry a
// second key, the flow trigger id. Both are enforced by unique constraints in
// the store, so concurrent duplicates resolve to the row that won the insert.
//
// Provider calls for flow steps and cancellations are handed to a Dispatcher
// (the worker) after the database write, so callers only wait for one round
// trip.
package scheduler

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
	"github.com/productcareerlyst/emailflows/internal/templates"
)

var (
	// ErrFlowHasNoSteps is a catalog error: an active flow must have steps.
	ErrFlowHasNoSteps = errors.New("scheduler: flow has no steps")

	// ErrAllStepsFailed is returned when not a single step of a flow could be
	// prepared.
	ErrAllStepsFailed = errors.New("scheduler: every flow step failed")

	ErrNoFlowForTrigger = errors.New("scheduler: no active flow for trigger event")

	ErrInvalidRequest = errors.New("scheduler: invalid request")
)

const (
	// MinLeadTime is the earliest a flow step may be scheduled. The provider
	// rejects times that are not strictly in the future.
	MinLeadTime = 10 * time.Second

	// ImmediateWindow: a single email due within this window is sent rather
	// than scheduled.
	ImmediateWindow = 5 * time.Second

	// DefaultTestTimeMultiplier compresses one day of offset into one minute.
	DefaultTestTimeMultiplier = 1.0 / 1440
)

// Metadata keys written on scheduled_emails rows.
const (
	MetaEmailType           = "email_type"
	MetaStepOrder           = "step_order"
	MetaTriggerEventID      = "trigger_event_id"
	MetaLastError           = "last_error"
	MetaLastErrorAt         = "last_error_at"
	MetaProviderCancelledAt = "provider_cancelled_at"
	MetaProviderCancelError = "provider_cancel_error"
)

// ─── DEPENDENCIES ─────────────────────────────────────────────────────────────

// Store is the subset of *store.Store the engine needs.
type Store interface {
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
	InsertScheduledEmail(ctx context.Context, p db.InsertScheduledEmailParams) (db.ScheduledEmail, bool, error)
	InsertFlowBatch(ctx context.Context, flowTriggerID string, rows []db.InsertScheduledEmailParams) ([]db.ScheduledEmail, bool, error)
	GetScheduledEmailByIdempotencyKey(ctx context.Context, key string) (db.ScheduledEmail, error)
	ListScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error)
	MarkScheduled(ctx context.Context, id uuid.UUID, resendEmailID, resendScheduledID string) (db.ScheduledEmail, error)
	RecordProviderError(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error)
}

// CancelStore is the subset of *store.Store the Canceller needs.
type CancelStore interface {
	CancelScheduledEmail(ctx context.Context, id uuid.UUID) (db.ScheduledEmail, bool, error)
	CancelByFlowTrigger(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error)
	CancelForUser(ctx context.Context, userID uuid.UUID) ([]db.ScheduledEmail, error)
	CancelMarketingForRecipient(ctx context.Context, userID uuid.UUID, address string) ([]db.ScheduledEmail, error)
}

// Templates is satisfied by *templates.Registry.
type Templates interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (db.EmailTemplate, error)
	GetActiveTemplateByName(ctx context.Context, name string) (db.EmailTemplate, error)
	GetTemplateVersion(ctx context.Context, templateID uuid.UUID, version int32) (db.EmailTemplate, error)
	Render(t db.EmailTemplate, vars map[string]any, unsubscribeURL string) (templates.Rendered, error)
}

// Preferences is satisfied by *preferences.Service.
type Preferences interface {
	BlockReason(ctx context.Context, userID uuid.UUID, address string, class db.EmailClassification) (string, error)
	UnsubscribeURL(ctx context.Context, userID uuid.UUID, address string) (string, error)
}

// Flows is satisfied by *flows.Service.
type Flows interface {
	GetFlowByTrigger(ctx context.Context, triggerEvent string) (db.EmailFlow, error)
	GetFlowByID(ctx context.Context, id string) (db.EmailFlow, error)
	GetFlowSteps(ctx context.Context, flowID string) ([]db.EmailFlowStep, error)
}

// Dispatcher hands provider work to the background worker. Implementations
// must not block on the provider.
type Dispatcher interface {
	DispatchSchedule(ctx context.Context, ids []uuid.UUID) error
	DispatchCancel(ctx context.Context, ids []uuid.UUID) error
}

// Pacer throttles inline provider calls. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// ─── ENGINE ───────────────────────────────────────────────────────────────────

// Config tunes the engine.
type Config struct {
	// TestTimeMultiplier scales step offsets of test flows. Zero means
	// DefaultTestTimeMultiplier.
	TestTimeMultiplier float64
}

// Deps are the collaborators of an Engine. Pacer and Metrics may be nil.
type Deps struct {
	Store       Store
	Templates   Templates
	Preferences Preferences
	Flows       Flows
	Gateway     email.Gateway
	Dispatcher  Dispatcher
	Canceller   *Canceller
	Pacer       Pacer
	Metrics     *metrics.Metrics
}

type Engine struct {
	store      Store
	templates  Templates
	prefs      Preferences
	flows      Flows
	gateway    email.Gateway
	dispatcher Dispatcher
	pacer      Pacer
	metrics    *metrics.Metrics

	*Canceller

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if cfg.TestTimeMultiplier <= 0 {
		cfg.TestTimeMultiplier = DefaultTestTimeMultiplier
	}
	return &Engine{
		store:      deps.Store,
		templates:  deps.Templates,
		prefs:      deps.Preferences,
		flows:      deps.Flows,
		gateway:    deps.Gateway,
		dispatcher: deps.Dispatcher,
		pacer:      deps.Pacer,
		metrics:    deps.Metrics,
		Canceller:  deps.Canceller,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// ─── KEYS ─────────────────────────────────────────────────────────────────────

// FlowTriggerID derives the flow-level idempotency key. Without a trigger
// event id it falls back to a millisecond timestamp, which only protects
// against retries that reuse the returned id. Anonymous triggers use the
// recipient address in place of the user id.
func FlowTriggerID(userID uuid.UUID, address, flowID, triggerEventID string, now time.Time) string {
	owner := address
	if userID != uuid.Nil {
		owner = userID.String()
	}
	if triggerEventID == "" {
		triggerEventID = fmt.Sprintf("%d", now.UnixMilli())
	}
	return owner + "_" + flowID + "_" + triggerEventID
}

// StepIdempotencyKey is the per-row key of a flow step.
func StepIdempotencyKey(flowTriggerID string, stepOrder int32) string {
	return fmt.Sprintf("%s_step_%d", flowTriggerID, stepOrder)
}
