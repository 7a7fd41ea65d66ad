package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/metrics"
)

// Canceller flips rows to cancelled in the store, then hands rows that
// already reached the provider to the Dispatcher for provider-side
// cancellation. The database status is authoritative: a failed or refused
// provider cancel never reverses it.
//
// It is shared by the Engine and the preferences service.
type Canceller struct {
	store      CancelStore
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewCanceller(st CancelStore, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Canceller {
	return &Canceller{store: st, dispatcher: dispatcher, metrics: m, logger: logger}
}

// CancelSequence cancels every non-terminal row of one flow trigger.
func (c *Canceller) CancelSequence(ctx context.Context, flowTriggerID string) ([]db.ScheduledEmail, error) {
	rows, err := c.store.CancelByFlowTrigger(ctx, flowTriggerID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: cancel sequence %s: %w", flowTriggerID, err)
	}
	c.afterCancel(ctx, "sequence", rows)
	return rows, nil
}

// CancelAllForUser cancels every non-terminal row owned by userID.
func (c *Canceller) CancelAllForUser(ctx context.Context, userID uuid.UUID) ([]db.ScheduledEmail, error) {
	rows, err := c.store.CancelForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: cancel all for user %s: %w", userID, err)
	}
	c.afterCancel(ctx, "user", rows)
	return rows, nil
}

// CancelEmail cancels one row. changed is false when the row was already
// terminal, in which case nothing is dispatched.
func (c *Canceller) CancelEmail(ctx context.Context, id uuid.UUID) (db.ScheduledEmail, bool, error) {
	row, changed, err := c.store.CancelScheduledEmail(ctx, id)
	if err != nil {
		return db.ScheduledEmail{}, false, fmt.Errorf("scheduler: cancel email %s: %w", id, err)
	}
	if changed {
		c.afterCancel(ctx, "single", []db.ScheduledEmail{row})
	}
	return row, changed, nil
}

// CancelMarketingForRecipient cancels outstanding marketing rows for one
// (user, address) pair. It backs unsubscribe and preference changes.
func (c *Canceller) CancelMarketingForRecipient(ctx context.Context, userID uuid.UUID, address string) ([]db.ScheduledEmail, error) {
	rows, err := c.store.CancelMarketingForRecipient(ctx, userID, address)
	if err != nil {
		return nil, fmt.Errorf("scheduler: cancel marketing for %s: %w", userID, err)
	}
	c.afterCancel(ctx, "unsubscribe", rows)
	return rows, nil
}

func (c *Canceller) afterCancel(ctx context.Context, source string, rows []db.ScheduledEmail) {
	if len(rows) == 0 {
		return
	}
	c.metrics.AddCancelled(source, len(rows))

	var atProvider []uuid.UUID
	for _, r := range rows {
		if r.ResendEmailID.Valid && r.ResendEmailID.String != "" {
			atProvider = append(atProvider, r.ID)
		}
	}
	c.logger.Info("emails cancelled", "source", source, "count", len(rows), "at_provider", len(atProvider))

	if len(atProvider) == 0 {
		return
	}
	// A failed dispatch leaves the rows for the cancel sweep.
	if err := c.dispatcher.DispatchCancel(ctx, atProvider); err != nil {
		c.logger.Warn("provider cancel not dispatched", "source", source, "count", len(atProvider), "error", err)
	}
}
