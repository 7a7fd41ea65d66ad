package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/productcareerlyst/emailflows/internal/email"
)

// maxWebhookBody bounds a Resend event body.
const maxWebhookBody = 256 << 10

// ─── POST /api/webhooks/resend ────────────────────────────────────────────────

// handleResendWebhook is the entry point for all Resend webhook deliveries.
//
// Resend delivers events at-least-once and retries on non-2xx responses. The
// reconciler is idempotent per (email id, type, occurred at), so replays are
// safe. A persistence failure answers 500 so Resend delivers again.
func (s *Server) handleResendWebhook(w http.ResponseWriter, r *http.Request) {
	// ── 1. Read and size-limit the body ───────────────────────────────────────
	// The signature covers the exact bytes Resend sent, so nothing may parse
	// or re-encode them before verification.
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "could not read request body")
		return
	}

	// ── 2. Verify the svix signature headers ──────────────────────────────────
	event, err := email.VerifyWebhook(payload, r.Header, s.cfg.ResendWebhookSecret)
	switch {
	case errors.Is(err, email.ErrUnsupportedEvent):
		s.logger.Debug("webhook: unhandled event type", "type", event.Type, logField(r))
		respond(w, http.StatusOK, map[string]any{"success": true, "message": "event type ignored"})
		return
	case errors.Is(err, email.ErrInvalidSignature):
		s.logger.Warn("webhook: invalid signature", "error", err, logField(r))
		respondErr(w, http.StatusBadRequest, "invalid webhook signature")
		return
	case err != nil:
		s.logger.Warn("webhook: malformed payload", "error", err, logField(r))
		respondErr(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	// ── 3. Reconcile ──────────────────────────────────────────────────────────
	res, err := s.deps.Reconciler.Handle(r.Context(), event)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("reconcile %s %s: %w", event.Type, event.EmailID, err))
		return
	}

	respond(w, http.StatusOK, res)
}
