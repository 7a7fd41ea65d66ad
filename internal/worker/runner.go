// Package worker performs the provider calls the scheduler defers: scheduling
// flow steps at Resend and cancelling provider copies of cancelled emails.
//
// Request handlers never call the provider for fan-out work. They write the
// rows, then hand their ids to the Runner through a Queue (in-process or
// Redis). The Runner consumes tasks one at a time, pacing every provider call
// through a shared rate.Limiter, and periodic cron sweeps re-enqueue anything
// a lost task or a failed call left behind.
//
// The scheduler package holds a scheduler.Dispatcher interface; *Runner
// satisfies it, so scheduler never imports worker.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/metrics"
)

// TokenPurger deletes expired unsubscribe tokens. *preferences.Service
// satisfies it.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// RunnerConfig holds tuning parameters for the Runner. Zero fields take the
// values from DefaultRunnerConfig.
type RunnerConfig struct {
	// MaxRetries caps provider attempts per email before the retry sweep
	// leaves it alone. Default: 5.
	MaxRetries int32

	// RetrySchedule is the cron spec of the retry sweep. Default: "@every 5m".
	RetrySchedule string

	// CancelSweepSchedule is the cron spec of the provider-cancel sweep.
	// Default: "@every 10m".
	CancelSweepSchedule string

	// TokenPurgeSchedule is the cron spec of the token purge. Default: "@daily".
	TokenPurgeSchedule string

	// SweepBatch caps how many rows one sweep enqueues. Default: 200.
	SweepBatch int32

	// TaskTimeout is the deadline of one task. Default: 10 minutes.
	TaskTimeout time.Duration

	// RetryMinAge keeps the retry sweep away from rows a request is still
	// working on. Default: 1 minute.
	RetryMinAge time.Duration
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxRetries:          5,
		RetrySchedule:       "@every 5m",
		CancelSweepSchedule: "@every 10m",
		TokenPurgeSchedule:  "@daily",
		SweepBatch:          200,
		TaskTimeout:         10 * time.Minute,
		RetryMinAge:         time.Minute,
	}
}

// Runner consumes tasks from a Queue and runs the periodic sweeps.
type Runner struct {
	job     *Job
	queue   Queue
	store   Store
	purger  TokenPurger
	metrics *metrics.Metrics
	cfg     RunnerConfig
	logger  *slog.Logger

	cron *cron.Cron
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewRunner constructs a Runner. Call Start to begin processing. purger may
// be nil to disable the token purge.
func NewRunner(
	job *Job,
	queue Queue,
	st Store,
	purger TokenPurger,
	m *metrics.Metrics,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	def := DefaultRunnerConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetrySchedule == "" {
		cfg.RetrySchedule = def.RetrySchedule
	}
	if cfg.CancelSweepSchedule == "" {
		cfg.CancelSweepSchedule = def.CancelSweepSchedule
	}
	if cfg.TokenPurgeSchedule == "" {
		cfg.TokenPurgeSchedule = def.TokenPurgeSchedule
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.RetryMinAge <= 0 {
		cfg.RetryMinAge = def.RetryMinAge
	}

	return &Runner{
		job:     job,
		queue:   queue,
		store:   st,
		purger:  purger,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// ─── DISPATCHER ───────────────────────────────────────────────────────────────

// DispatchSchedule enqueues provider scheduling for ids.
func (r *Runner) DispatchSchedule(ctx context.Context, ids []uuid.UUID) error {
	return r.push(ctx, KindSchedule, ids)
}

// DispatchCancel enqueues provider cancellation for ids.
func (r *Runner) DispatchCancel(ctx context.Context, ids []uuid.UUID) error {
	return r.push(ctx, KindCancel, ids)
}

func (r *Runner) push(ctx context.Context, kind Kind, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.queue.Push(ctx, Task{Kind: kind, IDs: ids, EnqueuedAt: r.now()}); err != nil {
		return err
	}
	r.logger.Debug("worker: task enqueued", "kind", kind, "emails", len(ids))
	r.reportDepth(ctx)
	return nil
}

// ─── LIFECYCLE ────────────────────────────────────────────────────────────────

// Start registers the sweeps, runs one retry and cancel sweep to recover work
// from before a restart, and consumes tasks until ctx is cancelled. Call it
// in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{r.cfg.RetrySchedule, "retry", r.SweepRetries},
		{r.cfg.CancelSweepSchedule, "cancel", r.SweepCancels},
		{r.cfg.TokenPurgeSchedule, "token_purge", r.PurgeTokens},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := r.cron.AddFunc(j.spec, func() { fn(ctx) }); err != nil {
			return err
		}
	}

	r.logger.Info("worker: starting",
		"retry_schedule", r.cfg.RetrySchedule,
		"cancel_schedule", r.cfg.CancelSweepSchedule,
		"token_purge_schedule", r.cfg.TokenPurgeSchedule,
	)

	r.cron.Start()
	r.SweepRetries(ctx)
	r.SweepCancels(ctx)

	r.wg.Add(1)
	go r.consume(ctx)

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.wg.Wait()
	r.logger.Info("worker: stopped")
	return nil
}

func (r *Runner) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		t, err := r.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("worker: dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.reportDepth(ctx)
		r.run(ctx, t)
	}
}

func (r *Runner) run(ctx context.Context, t Task) {
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	if err := r.job.Run(taskCtx, t); err != nil {
		// Rows the task did not reach are still pending or unstamped in the
		// database; the sweeps pick them up.
		r.logger.Warn("worker: task incomplete", "kind", t.Kind, "emails", len(t.IDs), "error", err)
		return
	}
	r.logger.Info("worker: task completed", "kind", t.Kind, "emails", len(t.IDs))
}

func (r *Runner) reportDepth(ctx context.Context) {
	if n, err := r.queue.Len(ctx); err == nil {
		r.metrics.SetQueueDepth(n)
	}
}

// ─── SWEEPS ───────────────────────────────────────────────────────────────────

// SweepRetries re-enqueues pending emails that never reached the provider.
// Emails beyond the provider's scheduling horizon are left for a later sweep
// without being charged a retry.
func (r *Runner) SweepRetries(ctx context.Context) {
	now := r.now()
	rows, err := r.store.ListRetryable(ctx,
		r.cfg.MaxRetries,
		now.Add(-r.cfg.RetryMinAge),
		now.Add(email.MaxScheduleAhead-time.Hour),
		r.cfg.SweepBatch,
	)
	if err != nil {
		r.logger.Error("worker: retry sweep failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := r.DispatchSchedule(ctx, ids); err != nil {
		r.logger.Warn("worker: retry sweep could not enqueue", "emails", len(ids), "error", err)
		return
	}
	r.logger.Info("worker: retry sweep enqueued emails", "emails", len(ids))
}

// SweepCancels re-enqueues cancelled emails whose provider copy has not been
// confirmed cancelled.
func (r *Runner) SweepCancels(ctx context.Context) {
	rows, err := r.store.ListPendingProviderCancel(ctx, r.cfg.SweepBatch)
	if err != nil {
		r.logger.Error("worker: cancel sweep failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := r.DispatchCancel(ctx, ids); err != nil {
		r.logger.Warn("worker: cancel sweep could not enqueue", "emails", len(ids), "error", err)
		return
	}
	r.logger.Info("worker: cancel sweep enqueued emails", "emails", len(ids))
}

// PurgeTokens deletes expired unsubscribe tokens.
func (r *Runner) PurgeTokens(ctx context.Context) {
	if r.purger == nil {
		return
	}
	n, err := r.purger.PurgeExpiredTokens(ctx)
	if err != nil {
		r.logger.Error("worker: token purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("worker: purged expired unsubscribe tokens", "count", n)
	}
}
