package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
)

// RecordEmailEvent inserts a provider event. If the (resend id, type,
// occurred at) tuple is already logged the existing row is returned with
// created=false.
func (s *Store) RecordEmailEvent(ctx context.Context, p db.InsertEmailEventParams) (db.EmailEvent, bool, error) {
	ev, err := s.q.InsertEmailEvent(ctx, p)
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.EmailEvent{}, false, fmt.Errorf("RecordEmailEvent: %w", err)
	}

	existing, err := s.q.GetEmailEvent(ctx, db.GetEmailEventParams{
		ResendEmailID: p.ResendEmailID,
		EventType:     p.EventType,
		OccurredAt:    p.OccurredAt,
	})
	if err != nil {
		return db.EmailEvent{}, false, notFound("RecordEmailEvent: fetch existing", err)
	}
	return existing, false, nil
}

// GetEmailEvent returns ErrNotFound when the tuple has not been logged.
func (s *Store) GetEmailEvent(ctx context.Context, p db.GetEmailEventParams) (db.EmailEvent, error) {
	ev, err := s.q.GetEmailEvent(ctx, p)
	if err != nil {
		return db.EmailEvent{}, notFound("GetEmailEvent", err)
	}
	return ev, nil
}

// MarkEmailEventProcessed records that the event's state change was applied.
// Until then a redelivery of the event is processed again.
func (s *Store) MarkEmailEventProcessed(ctx context.Context, id uuid.UUID) error {
	if _, err := s.q.MarkEmailEventProcessed(ctx, id); err != nil {
		return notFound("MarkEmailEventProcessed", err)
	}
	return nil
}

// MarkEmailEventFailed stores the last processing error of an unprocessed
// event. An event that is already processed is left untouched.
func (s *Store) MarkEmailEventFailed(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.q.MarkEmailEventFailed(ctx, db.MarkEmailEventFailedParams{
		ID:              id,
		ProcessingError: sql.NullString{String: msg, Valid: msg != ""},
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("MarkEmailEventFailed: %w", err)
	}
	return nil
}
