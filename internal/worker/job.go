package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/metrics"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
)

// Store is the subset of *store.Store the worker needs.
type Store interface {
	ListScheduledEmailsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.ScheduledEmail, error)
	MarkScheduled(ctx context.Context, id uuid.UUID, resendEmailID, resendScheduledID string) (db.ScheduledEmail, error)
	RecordProviderError(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error)
	MergeMetadata(ctx context.Context, id uuid.UUID, fields map[string]any) (db.ScheduledEmail, error)
	ListRetryable(ctx context.Context, maxRetries int32, createdBefore, horizon time.Time, limit int32) ([]db.ScheduledEmail, error)
	ListPendingProviderCancel(ctx context.Context, limit int32) ([]db.ScheduledEmail, error)
}

// NewLimiter paces provider calls at one per interval with no delay before
// the first call.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Job performs the provider calls for one Task. Rows are processed one at a
// time in step order, and a failing row never stops its siblings.
type Job struct {
	store   Store
	gateway email.Gateway
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewJob constructs a Job. The limiter is shared with every other caller of
// the gateway in this process.
func NewJob(st Store, gw email.Gateway, limiter *rate.Limiter, m *metrics.Metrics, logger *slog.Logger) *Job {
	return &Job{store: st, gateway: gw, limiter: limiter, metrics: m, logger: logger, now: time.Now}
}

// Run executes t. The returned error is only non-nil when the rows could not
// be loaded or ctx ended; per-row provider failures are recorded on the rows.
func (j *Job) Run(ctx context.Context, t Task) error {
	rows, err := j.store.ListScheduledEmailsByIDs(ctx, t.IDs)
	if err != nil {
		return fmt.Errorf("worker: load %d emails: %w", len(t.IDs), err)
	}
	scheduler.SortByStepOrder(rows)

	switch t.Kind {
	case KindSchedule:
		for _, row := range rows {
			if err := j.scheduleOne(ctx, row); err != nil {
				return err
			}
		}
	case KindCancel:
		for _, row := range rows {
			if err := j.cancelOne(ctx, row); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("worker: unknown task kind %q", t.Kind)
	}
	return nil
}

// scheduleOne returns an error only when ctx is done.
func (j *Job) scheduleOne(ctx context.Context, row db.ScheduledEmail) error {
	log := j.logger.With("scheduled_email_id", row.ID)

	if row.Status != db.EmailStatusPending || row.ResendEmailID.Valid {
		log.Debug("worker: skipping email no longer pending", "status", row.Status)
		return nil
	}
	now := j.now()
	if row.ScheduledAt.After(now.Add(email.MaxScheduleAhead - time.Minute)) {
		log.Info("worker: email beyond provider horizon, deferred", "scheduled_at", row.ScheduledAt)
		return nil
	}

	msg, err := scheduler.MessageFor(row)
	if err != nil {
		j.recordError(ctx, log, row.ID, "build", err)
		return nil
	}

	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}

	var (
		res email.SendResult
		op  string
	)
	if row.ScheduledAt.After(j.now().Add(scheduler.ImmediateWindow)) {
		op = "schedule"
		res, err = j.gateway.Schedule(ctx, msg, row.ScheduledAt)
	} else {
		op = "send"
		res, err = j.gateway.Send(ctx, msg)
	}
	if err != nil {
		j.metrics.IncProviderCall(op, "error")
		j.recordError(ctx, log, row.ID, op, err)
		return nil
	}
	j.metrics.IncProviderCall(op, "ok")

	updated, err := j.store.MarkScheduled(ctx, row.ID, res.ID, res.ScheduleID)
	if err != nil {
		log.Error("worker: provider accepted email but ids were not stored", "resend_email_id", res.ID, "error", err)
		return nil
	}

	if updated.Status == db.EmailStatusCancelled {
		// Cancelled while the provider call was in flight.
		log.Info("worker: email cancelled during scheduling, cancelling at provider", "resend_email_id", res.ID)
		return j.cancelOne(ctx, updated)
	}
	log.Info("worker: email scheduled", "op", op, "resend_email_id", res.ID, "scheduled_at", row.ScheduledAt)
	return nil
}

// cancelOne returns an error only when ctx is done.
func (j *Job) cancelOne(ctx context.Context, row db.ScheduledEmail) error {
	log := j.logger.With("scheduled_email_id", row.ID)

	if row.Status != db.EmailStatusCancelled || !row.ResendEmailID.Valid {
		return nil
	}

	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}

	err := j.gateway.Cancel(ctx, row.ResendEmailID.String)
	fields := map[string]any{}
	switch {
	case err == nil:
		j.metrics.IncProviderCall("cancel", "ok")
		fields[scheduler.MetaProviderCancelledAt] = j.now().UTC().Format(time.RFC3339)
	case errors.Is(err, email.ErrNotFound):
		// Already sent or already gone; nothing left to cancel.
		j.metrics.IncProviderCall("cancel", "not_found")
		fields[scheduler.MetaProviderCancelledAt] = j.now().UTC().Format(time.RFC3339)
		fields[scheduler.MetaProviderCancelError] = err.Error()
	default:
		j.metrics.IncProviderCall("cancel", "error")
		log.Warn("worker: provider cancel failed", "resend_email_id", row.ResendEmailID.String, "error", err)
		fields[scheduler.MetaProviderCancelError] = err.Error()
	}

	if _, err := j.store.MergeMetadata(ctx, row.ID, fields); err != nil {
		log.Error("worker: failed to record provider cancel result", "error", err)
	}
	return nil
}

func (j *Job) recordError(ctx context.Context, log *slog.Logger, id uuid.UUID, op string, err error) {
	log.Warn("worker: provider call failed, email left pending", "op", op, "error", err)
	if _, recErr := j.store.RecordProviderError(ctx, id, map[string]any{
		scheduler.MetaLastError:   err.Error(),
		scheduler.MetaLastErrorAt: j.now().UTC().Format(time.RFC3339),
	}); recErr != nil {
		log.Error("worker: failed to record provider error", "error", recErr)
	}
}
