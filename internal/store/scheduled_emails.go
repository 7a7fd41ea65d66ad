package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
)

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// errBatchConflict aborts a flow batch transaction when another writer has
// already inserted one of its rows. It never leaves this package.
var errBatchConflict = errors.New("store: flow batch conflict")

// ─── INSERTS ─────────────────────────────────────────────────────────────────

// InsertScheduledEmail inserts p unless a row with the same idempotency key
// exists, in which case that row is returned with created=false. The insert
// and the conflict check are one statement, so the returned row is always the
// one that won.
func (s *Store) InsertScheduledEmail(ctx context.Context, p db.InsertScheduledEmailParams) (db.ScheduledEmail, bool, error) {
	row, err := s.q.InsertScheduledEmail(ctx, p)
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.ScheduledEmail{}, false, fmt.Errorf("InsertScheduledEmail: %w", err)
	}

	existing, err := s.q.GetScheduledEmailByIdempotencyKey(ctx, p.IdempotencyKey)
	if err != nil {
		return db.ScheduledEmail{}, false, notFound("InsertScheduledEmail: fetch existing", err)
	}
	return existing, false, nil
}

// InsertFlowBatch inserts every row of one flow trigger in a single
// transaction. If any row of flowTriggerID already exists, either before the
// transaction starts or because a concurrent trigger won the race, nothing is
// written and the existing rows are returned with created=false.
func (s *Store) InsertFlowBatch(ctx context.Context, flowTriggerID string, rows []db.InsertScheduledEmailParams) ([]db.ScheduledEmail, bool, error) {
	var inserted []db.ScheduledEmail

	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		existing, err := q.ListScheduledEmailsByFlowTrigger(ctx, flowTriggerID)
		if err != nil {
			return fmt.Errorf("InsertFlowBatch: check existing: %w", err)
		}
		if len(existing) > 0 {
			return errBatchConflict
		}

		inserted = make([]db.ScheduledEmail, 0, len(rows))
		for _, p := range rows {
			row, err := q.InsertScheduledEmail(ctx, p)
			if errors.Is(err, sql.ErrNoRows) {
				return errBatchConflict
			}
			if err != nil {
				return fmt.Errorf("InsertFlowBatch: insert %q: %w", p.IdempotencyKey, err)
			}
			inserted = append(inserted, row)
		}
		return nil
	})

	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, errBatchConflict) && !isConflict(err) {
		return nil, false, err
	}

	existing, err := s.q.ListScheduledEmailsByFlowTrigger(ctx, flowTriggerID)
	if err != nil {
		return nil, false, fmt.Errorf("InsertFlowBatch: fetch existing: %w", err)
	}
	if len(existing) == 0 {
		// The conflict came from a step key reused outside this trigger.
		return nil, false, fmt.Errorf("InsertFlowBatch: conflict without rows for trigger %q", flowTriggerID)
	}
	return existing, false, nil
}

// ─── READS ───────────────────────────────────────────────────────────────────

func (s *Store) GetScheduledEmail(ctx context.Context, id uuid.UUID) (db.ScheduledEmail, error) {
	row, err := s.q.GetScheduledEmailByID(ctx, id)
	if err != nil {
		return db.ScheduledEmail{}, notFound("GetScheduledEmail", err)
	}
	return row, nil
}

func (s *Store) GetScheduledEmailByIdempotencyKey(ctx context.Context, key string) (db.ScheduledEmail, error) {
	row, err := s.q.GetScheduledEmailByIdempotencyKey(ctx, key)
	if err != nil {
		return db.ScheduledEmail{}, notFound("GetScheduledEmailByIdempotencyKey", err)
	}
	return row, nil
}

// GetScheduledEmailByResendID matches either the provider send id or the
// provider schedule id.
func (s *Store) GetScheduledEmailByResendID(ctx context.Context, resendID string) (db.ScheduledEmail, error) {
	row, err := s.q.GetScheduledEmailByResendID(ctx, resendID)
	if err != nil {
		return db.ScheduledEmail{}, notFound("GetScheduledEmailByResendID", err)
	}
	return row, nil
}

func (s *Store) ListScheduledEmailsByFlowTrigger(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error) {
	rows, err := s.q.ListScheduledEmailsByFlowTrigger(ctx, flowTriggerID)
	if err != nil {
		return nil, fmt.Errorf("ListScheduledEmailsByFlowTrigger: %w", err)
	}
	return rows, nil
}

func (s *Store) ListScheduledEmailsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.ScheduledEmail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.ListScheduledEmailsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ListScheduledEmailsByIDs: %w", err)
	}
	return rows, nil
}

// ListFilter is the admin list query. Zero-valued fields do not filter.
type ListFilter struct {
	UserID        uuid.NullUUID
	EmailContains string
	Status        db.NullEmailStatus
	FlowTriggerID string
	IsTest        sql.NullBool
	Limit         int32
}

func (s *Store) ListScheduledEmails(ctx context.Context, f ListFilter) ([]db.ScheduledEmail, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.q.ListScheduledEmails(ctx, db.ListScheduledEmailsParams{
		UserID:        f.UserID,
		EmailAddress:  sql.NullString{String: f.EmailContains, Valid: f.EmailContains != ""},
		Status:        f.Status,
		FlowTriggerID: sql.NullString{String: f.FlowTriggerID, Valid: f.FlowTriggerID != ""},
		IsTest:        f.IsTest,
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("ListScheduledEmails: %w", err)
	}
	return rows, nil
}

// ListRetryable returns pending rows that never reached the provider, were
// created before createdBefore, have fewer than maxRetries attempts, and are
// due before horizon.
func (s *Store) ListRetryable(ctx context.Context, maxRetries int32, createdBefore, horizon time.Time, limit int32) ([]db.ScheduledEmail, error) {
	rows, err := s.q.ListRetryableScheduledEmails(ctx, db.ListRetryableScheduledEmailsParams{
		MaxRetries:    maxRetries,
		CreatedBefore: createdBefore,
		Horizon:       horizon,
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("ListRetryable: %w", err)
	}
	return rows, nil
}

// ListPendingProviderCancel returns cancelled rows whose provider copy has not
// been confirmed cancelled yet.
func (s *Store) ListPendingProviderCancel(ctx context.Context, limit int32) ([]db.ScheduledEmail, error) {
	rows, err := s.q.ListCancelledPendingProviderCancel(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("ListPendingProviderCancel: %w", err)
	}
	return rows, nil
}

// ─── STATE TRANSITIONS ───────────────────────────────────────────────────────

// MarkScheduled records the provider ids for id. The status only moves to
// scheduled if the row is still pending; a row cancelled while the provider
// call was in flight keeps its cancelled status and the ids tell the caller
// what to cancel at the provider.
func (s *Store) MarkScheduled(ctx context.Context, id uuid.UUID, resendEmailID, resendScheduledID string) (db.ScheduledEmail, error) {
	row, err := s.q.SetScheduledEmailProviderIDs(ctx, db.SetScheduledEmailProviderIDsParams{
		ID:                id,
		ResendEmailID:     resendEmailID,
		ResendScheduledID: sql.NullString{String: resendScheduledID, Valid: resendScheduledID != ""},
	})
	if err != nil {
		return db.ScheduledEmail{}, notFound("MarkScheduled", err)
	}
	return row, nil
}

// RecordProviderError bumps the retry counter and merges fields into the
// row's metadata.
func (s *Store) RecordProviderError(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return db.ScheduledEmail{}, fmt.Errorf("RecordProviderError: marshal: %w", err)
	}
	row, err := s.q.RecordScheduledEmailRetry(ctx, db.MergeScheduledEmailMetadataParams{ID: id, Metadata: raw})
	if err != nil {
		return db.ScheduledEmail{}, notFound("RecordProviderError", err)
	}
	return row, nil
}

// MergeMetadata merges fields into the row's metadata without touching the
// retry counter.
func (s *Store) MergeMetadata(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return db.ScheduledEmail{}, fmt.Errorf("MergeMetadata: marshal: %w", err)
	}
	row, err := s.q.MergeScheduledEmailMetadata(ctx, db.MergeScheduledEmailMetadataParams{ID: id, Metadata: raw})
	if err != nil {
		return db.ScheduledEmail{}, notFound("MergeMetadata", err)
	}
	return row, nil
}

// CancelScheduledEmail cancels one row. changed is false when the row was
// already terminal; the current row is returned either way.
func (s *Store) CancelScheduledEmail(ctx context.Context, id uuid.UUID) (db.ScheduledEmail, bool, error) {
	row, err := s.q.CancelScheduledEmail(ctx, id)
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.ScheduledEmail{}, false, fmt.Errorf("CancelScheduledEmail: %w", err)
	}
	current, err := s.GetScheduledEmail(ctx, id)
	if err != nil {
		return db.ScheduledEmail{}, false, err
	}
	return current, false, nil
}

// CancelByFlowTrigger cancels every non-terminal row of a flow trigger and
// returns the rows it changed.
func (s *Store) CancelByFlowTrigger(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error) {
	rows, err := s.q.CancelScheduledEmailsByFlowTrigger(ctx, flowTriggerID)
	if err != nil {
		return nil, fmt.Errorf("CancelByFlowTrigger: %w", err)
	}
	return rows, nil
}

func (s *Store) CancelForUser(ctx context.Context, userID uuid.UUID) ([]db.ScheduledEmail, error) {
	rows, err := s.q.CancelScheduledEmailsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("CancelForUser: %w", err)
	}
	return rows, nil
}

// CancelMarketingForRecipient cancels every non-terminal marketing row of the
// exact (userID, address) pair. uuid.Nil matches rows with no user.
func (s *Store) CancelMarketingForRecipient(ctx context.Context, userID uuid.UUID, address string) ([]db.ScheduledEmail, error) {
	rows, err := s.q.CancelMarketingEmailsForRecipient(ctx, db.CancelMarketingEmailsForRecipientParams{
		UserID:       uuid.NullUUID{UUID: userID, Valid: userID != uuid.Nil},
		EmailAddress: address,
	})
	if err != nil {
		return nil, fmt.Errorf("CancelMarketingForRecipient: %w", err)
	}
	return rows, nil
}

// MarkSent moves a pending or scheduled row to sent. applied is false when the
// row was already terminal.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (db.ScheduledEmail, bool, error) {
	row, err := s.q.MarkScheduledEmailSent(ctx, db.MarkScheduledEmailSentParams{ID: id, SentAt: sentAt})
	if errors.Is(err, sql.ErrNoRows) {
		return db.ScheduledEmail{}, false, nil
	}
	if err != nil {
		return db.ScheduledEmail{}, false, fmt.Errorf("MarkSent: %w", err)
	}
	return row, true, nil
}

// MarkSuppressed moves a pending or scheduled row to suppressed. applied is
// false when the row was already terminal.
func (s *Store) MarkSuppressed(ctx context.Context, id uuid.UUID, reason string) (db.ScheduledEmail, bool, error) {
	row, err := s.q.MarkScheduledEmailSuppressed(ctx, db.MarkScheduledEmailSuppressedParams{
		ID:                id,
		SuppressionReason: reason,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return db.ScheduledEmail{}, false, nil
	}
	if err != nil {
		return db.ScheduledEmail{}, false, fmt.Errorf("MarkSuppressed: %w", err)
	}
	return row, true, nil
}
