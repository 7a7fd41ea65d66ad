package api

import (
	"net/http"
	"time"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/preferences"
)

type preferencesResponse struct {
	UserID                 string     `json:"user_id"`
	EmailAddress           string     `json:"email_address"`
	MarketingEmailsEnabled bool       `json:"marketing_emails_enabled"`
	SubscribedTopics       []string   `json:"subscribed_topics"`
	UnsubscribedAt         *time.Time `json:"unsubscribed_at,omitempty"`
	UnsubscribeReason      string     `json:"unsubscribe_reason,omitempty"`
	MailingListSynced      bool       `json:"mailing_list_synced"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func toPreferencesResponse(p db.UserEmailPreference) preferencesResponse {
	topics := p.SubscribedTopics
	if topics == nil {
		topics = []string{}
	}
	return preferencesResponse{
		UserID:                 p.UserID.String(),
		EmailAddress:           p.EmailAddress,
		MarketingEmailsEnabled: p.MarketingEmailsEnabled,
		SubscribedTopics:       topics,
		UnsubscribedAt:         timePtr(p.UnsubscribedAt),
		UnsubscribeReason:      p.UnsubscribeReason.String,
		MailingListSynced:      p.MailingListSubscriberID.Valid,
		UpdatedAt:              p.UpdatedAt,
	}
}

// ─── GET /api/users/{userID}/preferences ──────────────────────────────────────

// handleGetPreferences returns (and on first use creates) the preferences of
// the user's account address, or of ?email= when given.
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}

	pref, err := s.deps.Preferences.GetPreferences(r.Context(), userID, r.URL.Query().Get("email"))
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toPreferencesResponse(pref))
}

// ─── PATCH /api/users/{userID}/preferences ────────────────────────────────────

type updatePreferencesRequest struct {
	EmailAddress           string    `json:"email_address" validate:"omitempty,email"`
	MarketingEmailsEnabled *bool     `json:"marketing_emails_enabled"`
	SubscribedTopics       *[]string `json:"subscribed_topics" validate:"omitempty,dive,required,max=64"`
	UnsubscribeReason      string    `json:"unsubscribe_reason" validate:"max=500"`
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req updatePreferencesRequest
	if !s.decode(w, r, &req) {
		return
	}

	patch := preferences.Patch{
		MarketingEmailsEnabled: req.MarketingEmailsEnabled,
		UnsubscribeReason:      req.UnsubscribeReason,
	}
	if req.SubscribedTopics != nil {
		patch.SubscribedTopics = *req.SubscribedTopics
		patch.TopicsSet = true
	}

	pref, err := s.deps.Preferences.UpdatePreferences(r.Context(), userID, req.EmailAddress, patch)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toPreferencesResponse(pref))
}

// ─── POST /api/users/{userID}/unsubscribe ─────────────────────────────────────

type unsubscribeRequest struct {
	EmailAddress string `json:"email_address" validate:"omitempty,email"`
	Reason       string `json:"reason" validate:"max=500"`
}

// handleUnsubscribe opts the user out of marketing mail and cancels their
// outstanding marketing sends. Transactional mail is unaffected.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req unsubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}

	pref, err := s.deps.Preferences.Unsubscribe(r.Context(), userID, req.EmailAddress, req.Reason)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toPreferencesResponse(pref))
}

// ─── POST /api/users/{userID}/resubscribe ─────────────────────────────────────

type resubscribeRequest struct {
	EmailAddress string `json:"email_address" validate:"omitempty,email"`
}

func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req resubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}

	pref, err := s.deps.Preferences.Resubscribe(r.Context(), userID, req.EmailAddress)
	if err != nil {
		s.respondDomainErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toPreferencesResponse(pref))
}
