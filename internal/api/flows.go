package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/flows"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
)

type flowResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	TriggerEvent string    `json:"trigger_event"`
	CancelEvents []string  `json:"cancel_events"`
	IsActive     bool      `json:"is_active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toFlowResponse(f db.EmailFlow) flowResponse {
	cancel := f.CancelEvents
	if cancel == nil {
		cancel = []string{}
	}
	return flowResponse{
		ID:           f.ID,
		Name:         f.Name,
		Description:  f.Description.String,
		TriggerEvent: f.TriggerEvent,
		CancelEvents: cancel,
		IsActive:     f.IsActive,
		UpdatedAt:    f.UpdatedAt,
	}
}

type sequenceResponse struct {
	FlowTriggerID string          `json:"flow_trigger_id,omitempty"`
	Existing      bool            `json:"existing"`
	Skipped       bool            `json:"skipped"`
	SkipReason    string          `json:"skip_reason,omitempty"`
	FailedSteps   int             `json:"failed_steps"`
	Emails        []emailResponse `json:"emails"`
}

func toSequenceResponse(res scheduler.SequenceResult) sequenceResponse {
	return sequenceResponse{
		FlowTriggerID: res.FlowTriggerID,
		Existing:      res.Existing,
		Skipped:       res.Skipped,
		SkipReason:    res.SkipReason,
		FailedSteps:   res.FailedSteps,
		Emails:        toEmailResponses(res.Emails),
	}
}

// ─── GET /api/flows ───────────────────────────────────────────────────────────

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Flows.GetAllFlows(r.Context())
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	out := make([]flowResponse, len(all))
	for i, f := range all {
		out[i] = toFlowResponse(f)
	}
	respond(w, http.StatusOK, map[string]any{"flows": out})
}

// ─── POST /api/flows/trigger ──────────────────────────────────────────────────

type triggerFlowRequest struct {
	TriggerEvent   string         `json:"trigger_event" validate:"required"`
	UserID         string         `json:"user_id" validate:"omitempty,uuid"`
	EmailAddress   string         `json:"email_address" validate:"omitempty,email"`
	TriggerEventID string         `json:"trigger_event_id"`
	Variables      map[string]any `json:"variables"`
	IsTest         bool           `json:"is_test"`
}

// handleTriggerFlow starts the active flow bound to a product event. The
// response returns once the rows are durable; provider scheduling happens in
// the worker.
func (s *Server) handleTriggerFlow(w http.ResponseWriter, r *http.Request) {
	var req triggerFlowRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID, _ := optionalUUID(req.UserID)

	res, err := s.deps.Scheduler.TriggerFlow(r.Context(), scheduler.TriggerParams{
		TriggerEvent:   req.TriggerEvent,
		UserID:         userID,
		EmailAddress:   req.EmailAddress,
		TriggerEventID: req.TriggerEventID,
		Variables:      req.Variables,
		IsTest:         req.IsTest,
	})
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toSequenceResponse(res))
}

// ─── POST /api/flows/{flowID}/schedule ────────────────────────────────────────

type scheduleSequenceRequest struct {
	UserID         string         `json:"user_id" validate:"omitempty,uuid"`
	EmailAddress   string         `json:"email_address" validate:"omitempty,email"`
	TriggerEventID string         `json:"trigger_event_id"`
	Variables      map[string]any `json:"variables"`
	IsTest         bool           `json:"is_test"`
}

func (s *Server) handleScheduleSequence(w http.ResponseWriter, r *http.Request) {
	var req scheduleSequenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	userID, _ := optionalUUID(req.UserID)

	res, err := s.deps.Scheduler.ScheduleSequence(r.Context(), scheduler.SequenceParams{
		FlowID:         chi.URLParam(r, "flowID"),
		UserID:         userID,
		EmailAddress:   req.EmailAddress,
		TriggerEventID: req.TriggerEventID,
		Variables:      req.Variables,
		IsTest:         req.IsTest,
	})
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toSequenceResponse(res))
}

// ─── POST /api/flows/{flowID}/should-cancel ───────────────────────────────────

type shouldCancelRequest struct {
	Events []string `json:"events" validate:"required"`
}

// handleShouldCancel reports whether any of the given product events is one
// of the flow's cancel events. The caller decides whether to cancel.
func (s *Server) handleShouldCancel(w http.ResponseWriter, r *http.Request) {
	var req shouldCancelRequest
	if !s.decode(w, r, &req) {
		return
	}

	flow, err := s.deps.Flows.GetFlowByID(r.Context(), chi.URLParam(r, "flowID"))
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{
		"should_cancel": flows.ShouldCancelFlow(flow, req.Events),
	})
}

// ─── POST /api/flow-triggers/{flowTriggerID}/cancel ───────────────────────────

// handleCancelSequence cancels every outstanding step of one flow trigger.
// The database update is synchronous; provider cancels run in the worker.
func (s *Server) handleCancelSequence(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Scheduler.CancelSequence(r.Context(), chi.URLParam(r, "flowTriggerID"))
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"cancelled": len(rows),
		"emails":    toEmailResponses(rows),
	})
}
