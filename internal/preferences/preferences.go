// Package preferences is the single source of truth for whether a recipient
// may be emailed. It owns marketing consent, hard suppressions, and
// unsubscribe tokens, and cancels outstanding marketing sends on opt-out.
package preferences

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/newsletter"
	"github.com/productcareerlyst/emailflows/internal/store"
)

var (
	ErrUserNotFound = errors.New("preferences: user not found")

	// ErrInvalidToken covers unknown and expired tokens.
	ErrInvalidToken = errors.New("preferences: unsubscribe token invalid or expired")
)

const (
	TokenTTL   = 30 * 24 * time.Hour
	tokenBytes = 32

	// Block reasons, stored as a suppressed row's suppression_reason.
	ReasonSuppressed   = "suppressed"
	ReasonUnsubscribed = "unsubscribed"
)

// Store is the subset of *store.Store the service needs.
type Store interface {
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
	GetOrCreatePreferences(ctx context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error)
	UpdatePreferences(ctx context.Context, p db.UpdateUserEmailPreferencesParams) (db.UserEmailPreference, error)
	SetMailingListSubscriber(ctx context.Context, prefID uuid.UUID, subscriberID string) (db.UserEmailPreference, error)
	IsSuppressed(ctx context.Context, address string) (bool, error)
	AddSuppression(ctx context.Context, address, reason, source string) (bool, error)
	CreateUnsubscribeToken(ctx context.Context, token string, userID uuid.UUID, address string, expiresAt time.Time) (db.EmailUnsubscribeToken, error)
	GetUnsubscribeToken(ctx context.Context, token string) (db.EmailUnsubscribeToken, error)
	ConsumeUnsubscribeToken(ctx context.Context, token string) (db.EmailUnsubscribeToken, error)
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// Canceller cancels outstanding marketing sends for a recipient.
type Canceller interface {
	CancelMarketingForRecipient(ctx context.Context, userID uuid.UUID, address string) ([]db.ScheduledEmail, error)
}

type Service struct {
	store     Store
	canceller Canceller
	syncer    newsletter.Syncer
	baseURL   string
	log       *slog.Logger
	now       func() time.Time
}

// NewService wires the service. syncer may be newsletter.Noop{}.
func NewService(st Store, canceller Canceller, syncer newsletter.Syncer, baseURL string, log *slog.Logger) *Service {
	return &Service{
		store:     st,
		canceller: canceller,
		syncer:    syncer,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       log,
		now:       time.Now,
	}
}

// NormalizeAddress lowercases and trims an address so lookups agree.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ─── READS ────────────────────────────────────────────────────────────────────

// GetPreferences returns the (user, address) row, creating a subscribed
// default on first access. An empty address resolves to the user's account
// address.
func (s *Service) GetPreferences(ctx context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error) {
	address, err := s.resolveAddress(ctx, userID, address)
	if err != nil {
		return db.UserEmailPreference{}, err
	}
	pref, err := s.store.GetOrCreatePreferences(ctx, userID, address)
	if err != nil {
		return db.UserEmailPreference{}, fmt.Errorf("preferences: get: %w", err)
	}
	return pref, nil
}

func (s *Service) resolveAddress(ctx context.Context, userID uuid.UUID, address string) (string, error) {
	if address = NormalizeAddress(address); address != "" {
		return address, nil
	}
	email, err := s.store.GetUserEmail(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("preferences: resolve address: %w", err)
	}
	return NormalizeAddress(email), nil
}

// CanSend reports whether mail of the given classification may go to
// address.
func (s *Service) CanSend(ctx context.Context, userID uuid.UUID, address string, class db.EmailClassification) (bool, error) {
	reason, err := s.BlockReason(ctx, userID, address, class)
	return reason == "", err
}

// BlockReason returns "" when sending is allowed, otherwise why not. A hard
// suppression blocks everything and is checked first; marketing mail is also
// blocked when the user has opted out.
func (s *Service) BlockReason(ctx context.Context, userID uuid.UUID, address string, class db.EmailClassification) (string, error) {
	address, err := s.resolveAddress(ctx, userID, address)
	if err != nil {
		return "", err
	}

	suppressed, err := s.store.IsSuppressed(ctx, address)
	if err != nil {
		return "", fmt.Errorf("preferences: check suppression: %w", err)
	}
	if suppressed {
		return ReasonSuppressed, nil
	}

	if class != db.EmailClassificationMarketing || userID == uuid.Nil {
		return "", nil
	}

	pref, err := s.store.GetOrCreatePreferences(ctx, userID, address)
	if err != nil {
		return "", fmt.Errorf("preferences: check consent: %w", err)
	}
	if !pref.MarketingEmailsEnabled {
		return ReasonUnsubscribed, nil
	}
	return "", nil
}

// ─── WRITES ───────────────────────────────────────────────────────────────────

// Unsubscribe disables marketing mail for (user, address) and cancels every
// outstanding marketing send to them. Mailing-list removal is attempted but
// never fails the call.
func (s *Service) Unsubscribe(ctx context.Context, userID uuid.UUID, address, reason string) (db.UserEmailPreference, error) {
	pref, err := s.GetPreferences(ctx, userID, address)
	if err != nil {
		return db.UserEmailPreference{}, err
	}

	pref, err = s.store.UpdatePreferences(ctx, db.UpdateUserEmailPreferencesParams{
		ID:                     pref.ID,
		MarketingEmailsEnabled: false,
		UnsubscribedAt:         sql.NullTime{Time: s.now(), Valid: true},
		UnsubscribeReason:      sql.NullString{String: reason, Valid: reason != ""},
		SubscribedTopics:       pref.SubscribedTopics,
	})
	if err != nil {
		return db.UserEmailPreference{}, fmt.Errorf("preferences: unsubscribe: %w", err)
	}

	if err := s.cancelMarketing(ctx, pref); err != nil {
		return pref, err
	}

	return s.leaveMailingList(ctx, pref), nil
}

// Resubscribe re-enables marketing mail and clears the unsubscribe fields.
// The mailing list is rejoined if the newsletter topic is still selected.
func (s *Service) Resubscribe(ctx context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error) {
	pref, err := s.GetPreferences(ctx, userID, address)
	if err != nil {
		return db.UserEmailPreference{}, err
	}

	pref, err = s.store.UpdatePreferences(ctx, db.UpdateUserEmailPreferencesParams{
		ID:                     pref.ID,
		MarketingEmailsEnabled: true,
		SubscribedTopics:       pref.SubscribedTopics,
	})
	if err != nil {
		return db.UserEmailPreference{}, fmt.Errorf("preferences: resubscribe: %w", err)
	}

	if slices.Contains(pref.SubscribedTopics, newsletter.Topic) {
		pref = s.joinMailingList(ctx, pref)
	}
	return pref, nil
}

// Patch is a partial preferences update. Nil fields are left alone.
type Patch struct {
	MarketingEmailsEnabled *bool
	SubscribedTopics       []string
	TopicsSet              bool
	UnsubscribeReason      string
}

// UpdatePreferences applies patch. Turning marketing off runs the same
// cancellation as Unsubscribe; adding or removing the newsletter topic syncs
// the mailing list.
func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, address string, patch Patch) (db.UserEmailPreference, error) {
	current, err := s.GetPreferences(ctx, userID, address)
	if err != nil {
		return db.UserEmailPreference{}, err
	}

	params := db.UpdateUserEmailPreferencesParams{
		ID:                     current.ID,
		MarketingEmailsEnabled: current.MarketingEmailsEnabled,
		UnsubscribedAt:         current.UnsubscribedAt,
		UnsubscribeReason:      current.UnsubscribeReason,
		SubscribedTopics:       current.SubscribedTopics,
	}
	if patch.TopicsSet {
		params.SubscribedTopics = dedupe(patch.SubscribedTopics)
	}

	disabling := false
	if patch.MarketingEmailsEnabled != nil && *patch.MarketingEmailsEnabled != current.MarketingEmailsEnabled {
		params.MarketingEmailsEnabled = *patch.MarketingEmailsEnabled
		if *patch.MarketingEmailsEnabled {
			params.UnsubscribedAt = sql.NullTime{}
			params.UnsubscribeReason = sql.NullString{}
		} else {
			disabling = true
			params.UnsubscribedAt = sql.NullTime{Time: s.now(), Valid: true}
			params.UnsubscribeReason = sql.NullString{String: patch.UnsubscribeReason, Valid: patch.UnsubscribeReason != ""}
		}
	}

	pref, err := s.store.UpdatePreferences(ctx, params)
	if err != nil {
		return db.UserEmailPreference{}, fmt.Errorf("preferences: update: %w", err)
	}

	if disabling {
		if err := s.cancelMarketing(ctx, pref); err != nil {
			return pref, err
		}
	}

	had := slices.Contains(current.SubscribedTopics, newsletter.Topic)
	has := slices.Contains(pref.SubscribedTopics, newsletter.Topic)
	switch {
	case has && !had && pref.MarketingEmailsEnabled:
		pref = s.joinMailingList(ctx, pref)
	case had && !has, disabling:
		pref = s.leaveMailingList(ctx, pref)
	}
	return pref, nil
}

// AddSuppression records a hard suppression for address.
func (s *Service) AddSuppression(ctx context.Context, address, reason, source string) error {
	created, err := s.store.AddSuppression(ctx, NormalizeAddress(address), reason, source)
	if err != nil {
		return fmt.Errorf("preferences: add suppression: %w", err)
	}
	if created {
		s.log.Info("address suppressed", "reason", reason, "source", source)
	}
	return nil
}

func (s *Service) cancelMarketing(ctx context.Context, pref db.UserEmailPreference) error {
	cancelled, err := s.canceller.CancelMarketingForRecipient(ctx, pref.UserID, pref.EmailAddress)
	if err != nil {
		return fmt.Errorf("preferences: cancel outstanding marketing: %w", err)
	}
	if len(cancelled) > 0 {
		s.log.Info("cancelled outstanding marketing emails",
			"user_id", pref.UserID, "count", len(cancelled))
	}
	return nil
}

// ─── MAILING LIST ─────────────────────────────────────────────────────────────

func (s *Service) joinMailingList(ctx context.Context, pref db.UserEmailPreference) db.UserEmailPreference {
	id, err := s.syncer.Subscribe(ctx, pref.EmailAddress)
	if err != nil {
		s.log.Warn("mailing list subscribe failed", "user_id", pref.UserID, "error", err)
		return pref
	}
	if id == "" {
		return pref
	}
	updated, err := s.store.SetMailingListSubscriber(ctx, pref.ID, id)
	if err != nil {
		s.log.Warn("mailing list subscriber id not stored", "user_id", pref.UserID, "error", err)
		return pref
	}
	return updated
}

func (s *Service) leaveMailingList(ctx context.Context, pref db.UserEmailPreference) db.UserEmailPreference {
	if !pref.MailingListSubscriberID.Valid || pref.MailingListSubscriberID.String == "" {
		return pref
	}
	if err := s.syncer.Unsubscribe(ctx, pref.MailingListSubscriberID.String); err != nil {
		s.log.Warn("mailing list unsubscribe failed", "user_id", pref.UserID, "error", err)
		return pref
	}
	updated, err := s.store.SetMailingListSubscriber(ctx, pref.ID, "")
	if err != nil {
		s.log.Warn("mailing list subscriber id not cleared", "user_id", pref.UserID, "error", err)
		return pref
	}
	return updated
}

// ─── UNSUBSCRIBE TOKENS ───────────────────────────────────────────────────────

// TokenInfo is the outcome of ValidateToken.
type TokenInfo struct {
	UserID       uuid.UUID
	EmailAddress string
	AlreadyUsed  bool
	ExpiresAt    time.Time
}

// GenerateUnsubscribeToken mints a 32-byte random hex token for (user,
// address), valid for 30 days.
func (s *Service) GenerateUnsubscribeToken(ctx context.Context, userID uuid.UUID, address string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("preferences: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if _, err := s.store.CreateUnsubscribeToken(ctx, token, userID, NormalizeAddress(address), s.now().Add(TokenTTL)); err != nil {
		return "", fmt.Errorf("preferences: store token: %w", err)
	}
	return token, nil
}

// UnsubscribeURL mints a token and returns {baseURL}/unsubscribe/{token}.
func (s *Service) UnsubscribeURL(ctx context.Context, userID uuid.UUID, address string) (string, error) {
	token, err := s.GenerateUnsubscribeToken(ctx, userID, address)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/unsubscribe/" + token, nil
}

// ValidateToken returns ErrInvalidToken for unknown or expired tokens. A used
// token is still valid so callers can say so instead of failing.
func (s *Service) ValidateToken(ctx context.Context, token string) (TokenInfo, error) {
	t, err := s.store.GetUnsubscribeToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return TokenInfo{}, ErrInvalidToken
	}
	if err != nil {
		return TokenInfo{}, fmt.Errorf("preferences: validate token: %w", err)
	}
	if !s.now().Before(t.ExpiresAt) {
		return TokenInfo{}, ErrInvalidToken
	}
	return TokenInfo{
		UserID:       t.UserID,
		EmailAddress: t.EmailAddress,
		AlreadyUsed:  t.UsedAt.Valid,
		ExpiresAt:    t.ExpiresAt,
	}, nil
}

// MarkTokenUsed consumes token atomically. A caller that loses a race gets
// store.ErrTokenAlreadyUsed.
func (s *Service) MarkTokenUsed(ctx context.Context, token string) error {
	_, err := s.store.ConsumeUnsubscribeToken(ctx, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrInvalidToken
	case errors.Is(err, store.ErrTokenAlreadyUsed):
		return err
	default:
		return fmt.Errorf("preferences: mark token used: %w", err)
	}
}

// RedeemToken runs the unsubscribe link flow: validate, unsubscribe, mark
// used. A token that is already used returns its info with AlreadyUsed set
// and no further work. Two concurrent redemptions may both unsubscribe,
// which is idempotent; only one of them consumes the token.
func (s *Service) RedeemToken(ctx context.Context, token, reason string) (TokenInfo, error) {
	info, err := s.ValidateToken(ctx, token)
	if err != nil {
		return TokenInfo{}, err
	}
	if info.AlreadyUsed {
		return info, nil
	}

	if _, err := s.Unsubscribe(ctx, info.UserID, info.EmailAddress, reason); err != nil {
		return TokenInfo{}, err
	}

	if err := s.MarkTokenUsed(ctx, token); err != nil {
		if errors.Is(err, store.ErrTokenAlreadyUsed) {
			info.AlreadyUsed = true
			return info, nil
		}
		return TokenInfo{}, err
	}
	return info, nil
}

// PurgeExpiredTokens deletes expired tokens.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("preferences: purge tokens: %w", err)
	}
	return n, nil
}

func dedupe(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
