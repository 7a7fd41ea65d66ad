package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
)

// GetUserEmail resolves a user's account address.
func (s *Store) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	email, err := s.q.GetUserEmail(ctx, userID)
	if err != nil {
		return "", notFound("GetUserEmail", err)
	}
	return email, nil
}

// GetOrCreatePreferences returns the (user, address) preferences row,
// creating a subscribed default if none exists. A concurrent creator wins
// cleanly: the insert does nothing and the row it wrote is read back.
func (s *Store) GetOrCreatePreferences(ctx context.Context, userID uuid.UUID, address string) (db.UserEmailPreference, error) {
	key := db.GetUserEmailPreferencesParams{UserID: userID, EmailAddress: address}

	pref, err := s.q.GetUserEmailPreferences(ctx, key)
	if err == nil {
		return pref, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.UserEmailPreference{}, fmt.Errorf("GetOrCreatePreferences: get: %w", err)
	}

	pref, err = s.q.InsertUserEmailPreferences(ctx, db.InsertUserEmailPreferencesParams{
		UserID:           userID,
		EmailAddress:     address,
		SubscribedTopics: []string{},
	})
	if err == nil {
		return pref, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.UserEmailPreference{}, fmt.Errorf("GetOrCreatePreferences: insert: %w", err)
	}

	pref, err = s.q.GetUserEmailPreferences(ctx, key)
	if err != nil {
		return db.UserEmailPreference{}, notFound("GetOrCreatePreferences: refetch", err)
	}
	return pref, nil
}

func (s *Store) UpdatePreferences(ctx context.Context, p db.UpdateUserEmailPreferencesParams) (db.UserEmailPreference, error) {
	if p.SubscribedTopics == nil {
		p.SubscribedTopics = []string{}
	}
	pref, err := s.q.UpdateUserEmailPreferences(ctx, p)
	if err != nil {
		return db.UserEmailPreference{}, notFound("UpdatePreferences", err)
	}
	return pref, nil
}

// SetMailingListSubscriber stores the external subscriber id (or clears it
// when subscriberID is empty) and stamps the sync time.
func (s *Store) SetMailingListSubscriber(ctx context.Context, prefID uuid.UUID, subscriberID string) (db.UserEmailPreference, error) {
	pref, err := s.q.SetMailingListSubscriber(ctx, db.SetMailingListSubscriberParams{
		ID:                      prefID,
		MailingListSubscriberID: sql.NullString{String: subscriberID, Valid: subscriberID != ""},
	})
	if err != nil {
		return db.UserEmailPreference{}, notFound("SetMailingListSubscriber", err)
	}
	return pref, nil
}

func (s *Store) IsSuppressed(ctx context.Context, address string) (bool, error) {
	ok, err := s.q.IsEmailSuppressed(ctx, address)
	if err != nil {
		return false, fmt.Errorf("IsSuppressed: %w", err)
	}
	return ok, nil
}

// AddSuppression records a hard suppression. created is false when the
// address was already suppressed; the first reason is kept.
func (s *Store) AddSuppression(ctx context.Context, address, reason, source string) (bool, error) {
	_, err := s.q.InsertEmailSuppression(ctx, db.InsertEmailSuppressionParams{
		EmailAddress: address,
		Reason:       reason,
		Source:       source,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("AddSuppression: %w", err)
	}
	return true, nil
}

// ─── UNSUBSCRIBE TOKENS ──────────────────────────────────────────────────────

func (s *Store) CreateUnsubscribeToken(ctx context.Context, token string, userID uuid.UUID, address string, expiresAt time.Time) (db.EmailUnsubscribeToken, error) {
	t, err := s.q.InsertUnsubscribeToken(ctx, db.InsertUnsubscribeTokenParams{
		Token:        token,
		UserID:       userID,
		EmailAddress: address,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return db.EmailUnsubscribeToken{}, fmt.Errorf("CreateUnsubscribeToken: %w", err)
	}
	return t, nil
}

func (s *Store) GetUnsubscribeToken(ctx context.Context, token string) (db.EmailUnsubscribeToken, error) {
	t, err := s.q.GetUnsubscribeToken(ctx, token)
	if err != nil {
		return db.EmailUnsubscribeToken{}, notFound("GetUnsubscribeToken", err)
	}
	return t, nil
}

// ConsumeUnsubscribeToken stamps used_at if and only if it is still unset.
// Of two concurrent callers exactly one succeeds; the other gets
// ErrTokenAlreadyUsed.
func (s *Store) ConsumeUnsubscribeToken(ctx context.Context, token string) (db.EmailUnsubscribeToken, error) {
	t, err := s.q.MarkUnsubscribeTokenUsed(ctx, token)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.EmailUnsubscribeToken{}, fmt.Errorf("ConsumeUnsubscribeToken: %w", err)
	}

	if _, err := s.GetUnsubscribeToken(ctx, token); err != nil {
		return db.EmailUnsubscribeToken{}, err
	}
	return db.EmailUnsubscribeToken{}, ErrTokenAlreadyUsed
}

// PurgeExpiredTokens deletes tokens past their expiry and returns how many.
func (s *Store) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.q.DeleteExpiredUnsubscribeTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("PurgeExpiredTokens: %w", err)
	}
	return n, nil
}
