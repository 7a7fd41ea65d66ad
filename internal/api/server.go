// Package api implements the HTTP layer of the email flow service.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/preferences"
	"github.com/productcareerlyst/emailflows/internal/reconcile"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
	"github.com/productcareerlyst/emailflows/internal/store"
	"github.com/productcareerlyst/emailflows/internal/templates"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// InternalAPIKey must be presented in X-Internal-Key on internal routes.
	InternalAPIKey string

	// ResendWebhookSecret is the svix signing secret from the Resend
	// dashboard ("whsec_...").
	ResendWebhookSecret string

	// Env is "production", "staging", or "development".
	Env string
}

// ─── DEPENDENCIES ─────────────────────────────────────────────────────────────

// Scheduler is satisfied by *scheduler.Engine.
type Scheduler interface {
	ScheduleEmail(ctx context.Context, p scheduler.EmailParams) (db.ScheduledEmail, error)
	TriggerFlow(ctx context.Context, p scheduler.TriggerParams) (scheduler.SequenceResult, error)
	ScheduleSequence(ctx context.Context, p scheduler.SequenceParams) (scheduler.SequenceResult, error)
	CancelSequence(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error)
	CancelAllForUser(ctx context.Context, userID uuid.UUID) ([]db.ScheduledEmail, error)
	CancelEmail(ctx context.Context, id uuid.UUID) (db.ScheduledEmail, bool, error)
}

// Preferences is satisfied by *preferences.Service.
type Preferences interface {
	GetPreferences(ctx context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error)
	UpdatePreferences(ctx context.Context, userID uuid.UUID, address string, patch preferences.Patch) (db.UserEmailPreference, error)
	Unsubscribe(ctx context.Context, userID uuid.UUID, address, reason string) (db.UserEmailPreference, error)
	Resubscribe(ctx context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error)
	ValidateToken(ctx context.Context, token string) (preferences.TokenInfo, error)
	RedeemToken(ctx context.Context, token, reason string) (preferences.TokenInfo, error)
}

// Flows is satisfied by *flows.Service.
type Flows interface {
	GetAllFlows(ctx context.Context) ([]db.EmailFlow, error)
	GetFlowByID(ctx context.Context, id string) (db.EmailFlow, error)
}

// Templates is satisfied by *templates.Registry.
type Templates interface {
	CreateVersion(ctx context.Context, templateID uuid.UUID, v templates.NewVersion) (db.EmailTemplate, error)
	ActivateVersion(ctx context.Context, templateID uuid.UUID) (db.EmailTemplate, error)
}

// Reconciler is satisfied by *reconcile.Handler.
type Reconciler interface {
	Handle(ctx context.Context, ev email.WebhookEvent) (reconcile.Result, error)
}

// EmailLister is satisfied by *store.Store.
type EmailLister interface {
	ListScheduledEmails(ctx context.Context, f store.ListFilter) ([]db.ScheduledEmail, error)
}

// Deps groups the components the handlers call.
type Deps struct {
	Scheduler   Scheduler
	Preferences Preferences
	Flows       Flows
	Templates   Templates
	Reconciler  Reconciler
	Emails      EmailLister

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	deps     Deps
	validate *validator.Validate
	cfg      Config
	logger   *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) http.Handler {
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   logger,
	}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	// ── Unsubscribe links ─────────────────────────────────────────────────────
	// No auth: the token in the URL is the credential.
	r.Get("/unsubscribe/{token}", s.handleGetUnsubscribe)
	r.Post("/unsubscribe/{token}", s.handleRedeemUnsubscribe)

	r.Route("/api", func(r chi.Router) {
		// Resend webhook: no internal key, the handler verifies the signature.
		r.Post("/webhooks/resend", s.handleResendWebhook)

		// Everything else is called by other services.
		r.Group(func(r chi.Router) {
			r.Use(s.requireInternalKey)

			r.Post("/emails", s.handleScheduleEmail)
			r.Delete("/emails/{emailID}", s.handleCancelEmail)
			r.Get("/admin/emails", s.handleListEmails)

			r.Get("/flows", s.handleListFlows)
			r.Post("/flows/trigger", s.handleTriggerFlow)
			r.Post("/flows/{flowID}/schedule", s.handleScheduleSequence)
			r.Post("/flows/{flowID}/should-cancel", s.handleShouldCancel)
			r.Post("/flow-triggers/{flowTriggerID}/cancel", s.handleCancelSequence)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Post("/emails/cancel", s.handleCancelUserEmails)
				r.Get("/preferences", s.handleGetPreferences)
				r.Patch("/preferences", s.handleUpdatePreferences)
				r.Post("/unsubscribe", s.handleUnsubscribe)
				r.Post("/resubscribe", s.handleResubscribe)
			})

			r.Post("/templates/{templateID}/versions", s.handleCreateTemplateVersion)
			r.Post("/templates/{templateID}/activate", s.handleActivateTemplateVersion)
		})
	})

	return r
}
