package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/productcareerlyst/emailflows/internal/preferences"
)

type unsubscribeTokenResponse struct {
	EmailAddress string    `json:"email_address"`
	AlreadyUsed  bool      `json:"already_used"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ─── GET /unsubscribe/{token} ─────────────────────────────────────────────────

// handleGetUnsubscribe reports the token state so the landing page can show
// "you are about to unsubscribe" or "you are already unsubscribed".
func (s *Server) handleGetUnsubscribe(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Preferences.ValidateToken(r.Context(), chi.URLParam(r, "token"))
	if errors.Is(err, preferences.ErrInvalidToken) {
		respondErr(w, http.StatusNotFound, "unsubscribe link is invalid or has expired")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	respond(w, http.StatusOK, unsubscribeTokenResponse{
		EmailAddress: info.EmailAddress,
		AlreadyUsed:  info.AlreadyUsed,
		ExpiresAt:    info.ExpiresAt,
	})
}

// ─── POST /unsubscribe/{token} ────────────────────────────────────────────────

// handleRedeemUnsubscribe validates the token, unsubscribes the recipient
// from marketing mail, and marks the token used. Mail clients that honour
// List-Unsubscribe-Post hit this route directly, so the body is ignored
// except for an optional form "reason".
func (s *Server) handleRedeemUnsubscribe(w http.ResponseWriter, r *http.Request) {
	reason := r.FormValue("reason")
	if reason == "" {
		reason = "unsubscribe_link"
	}

	info, err := s.deps.Preferences.RedeemToken(r.Context(), chi.URLParam(r, "token"), reason)
	if errors.Is(err, preferences.ErrInvalidToken) {
		respondErr(w, http.StatusNotFound, "unsubscribe link is invalid or has expired")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	s.logger.Info("unsubscribe link redeemed", "user_id", info.UserID, "already_used", info.AlreadyUsed, logField(r))
	respond(w, http.StatusOK, map[string]any{
		"success":      true,
		"already_used": info.AlreadyUsed,
	})
}
