package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/panel"
)

// ErrHandleMissing means a renew or revoke task references a subscription
// that never got a remote handle. Terminal; flagged for reconciliation.
var ErrHandleMissing = errors.New("provisioning: subscription has no remote handle")

// TaskStore is the ledger surface the runner drives tasks through.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.ProvisioningTask) error
	PendingTasks(ctx context.Context, limit int) ([]models.ProvisioningTask, error)
	RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error
	MarkTaskSucceeded(ctx context.Context, id string, attempts int) error
	MarkTaskFailed(ctx context.Context, id string, attempts int, lastError string) error
}

// Lifecycle is implemented by the subscription state machine. The runner
// reports outcomes back through it and pulls the context a task needs.
type Lifecycle interface {
	SubscriptionPlan(ctx context.Context, subscriptionID string) (*models.Subscription, *models.Plan, error)
	ProvisioningSucceeded(ctx context.Context, task *models.ProvisioningTask, res Result) error
	ProvisioningFailed(ctx context.Context, task *models.ProvisioningTask, cause error) error
}

// Runner owns the pending-task queue: it is poked after every transition
// commit, polls as a safety net (which also resumes interrupted tasks after a
// restart), and applies the retry policy per task.
type Runner struct {
	tasks     TaskStore
	lifecycle Lifecycle
	adapter   *Adapter
	breaker   *CircuitBreaker
	backoff   BackoffStrategy
	alerts    Alerter
	clock     clock.Clock
	logger    *slog.Logger

	maxAttempts  int
	pollInterval time.Duration
	kick         chan struct{}
}

func NewRunner(tasks TaskStore, lifecycle Lifecycle, adapter *Adapter, breaker *CircuitBreaker, backoff BackoffStrategy, alerts Alerter, clk clock.Clock, logger *slog.Logger, maxAttempts int, pollInterval time.Duration) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Runner{
		tasks:        tasks,
		lifecycle:    lifecycle,
		adapter:      adapter,
		breaker:      breaker,
		backoff:      backoff,
		alerts:       alerts,
		clock:        clk,
		logger:       logger,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		kick:         make(chan struct{}, 1),
	}
}

// Enqueue records a task and pokes the run loop. Called by the state machine
// strictly after the transition that wants the side effect has committed.
func (r *Runner) Enqueue(ctx context.Context, task *models.ProvisioningTask) error {
	if err := r.tasks.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue provisioning task: %w", err)
	}
	r.Kick()
	return nil
}

// Kick wakes the run loop without adding work.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run processes pending tasks until ctx is cancelled. An in-flight panel call
// is abandoned on shutdown; the task stays pending and is resumed by the next
// process through the poll pass.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("provisioning runner started", slog.Duration("poll_interval", r.pollInterval))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			r.Drain(ctx)
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain works through the current pending set once.
func (r *Runner) Drain(ctx context.Context) {
	tasks, err := r.tasks.PendingTasks(ctx, 100)
	if err != nil {
		r.logger.Error("failed to load pending tasks", slog.String("error", err.Error()))
		return
	}

	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		r.processTask(ctx, &tasks[i])
	}
}

func (r *Runner) processTask(ctx context.Context, task *models.ProvisioningTask) {
	logger := r.logger.With(
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("subscription_id", task.SubscriptionID),
	)

	for task.Attempts < r.maxAttempts {
		// An open circuit leaves the task pending; it is not an attempt and
		// never counts towards failed-terminal.
		if !r.breaker.Allow() {
			logger.Warn("circuit open, task left pending")
			return
		}

		task.Attempts++
		res, err := r.execute(ctx, task)
		if err == nil {
			r.breaker.RecordSuccess()
			// Lifecycle update first, task status second: a crash in between
			// re-runs the task, and the adapter's idempotency makes the rerun
			// converge instead of duplicating the remote account.
			if lcErr := r.lifecycle.ProvisioningSucceeded(ctx, task, res); lcErr != nil {
				// The panel call went through; the failure is local. Hand the
				// attempt back so storage trouble cannot exhaust the panel
				// retry budget, and let the poll pass re-run the task.
				task.Attempts--
				logger.Error("lifecycle update failed after panel success", slog.String("error", lcErr.Error()))
				r.recordAttempt(ctx, task, lcErr)
				return
			}
			if mErr := r.tasks.MarkTaskSucceeded(ctx, task.ID, task.Attempts); mErr != nil {
				logger.Error("failed to mark task succeeded", slog.String("error", mErr.Error()))
			}
			logger.Info("provisioning task succeeded", slog.Int("attempts", task.Attempts))
			return
		}

		if !panel.IsRetryable(err) {
			r.failTerminal(ctx, task, err)
			return
		}

		r.breaker.RecordFailure()
		r.recordAttempt(ctx, task, err)
		logger.Warn("provisioning attempt failed",
			slog.Int("attempt", task.Attempts),
			slog.String("error", err.Error()))

		if task.Attempts >= r.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.backoff.NextInterval(task.Attempts)):
		}
	}

	r.failTerminal(ctx, task, fmt.Errorf("retries exhausted after %d attempts: %s", task.Attempts, task.LastError))
}

func (r *Runner) execute(ctx context.Context, task *models.ProvisioningTask) (Result, error) {
	sub, plan, err := r.lifecycle.SubscriptionPlan(ctx, task.SubscriptionID)
	if err != nil {
		return Result{}, fmt.Errorf("load task context: %w", err)
	}

	switch task.Kind {
	case models.TaskCreate:
		expireAt := r.clock.Now().Add(plan.Duration())
		if task.NewExpiresAt != nil {
			expireAt = *task.NewExpiresAt
		}
		res, err := r.adapter.Create(ctx, task.ID, sub, plan, expireAt)
		if err != nil {
			return Result{}, err
		}
		return *res, nil

	case models.TaskRenew:
		if sub.RemoteHandle == "" {
			return Result{}, ErrHandleMissing
		}
		if task.NewExpiresAt == nil {
			return Result{}, errors.New("renew task has no target expiry")
		}
		if err := r.adapter.Renew(ctx, sub.RemoteHandle, *task.NewExpiresAt); err != nil {
			return Result{}, err
		}
		return Result{Handle: sub.RemoteHandle}, nil

	case models.TaskRevoke:
		// A subscription cancelled before its create task succeeded has no
		// remote account; nothing to revoke.
		if sub.RemoteHandle == "" {
			return Result{}, nil
		}
		if err := r.adapter.Revoke(ctx, sub.RemoteHandle); err != nil {
			return Result{}, err
		}
		return Result{Handle: sub.RemoteHandle}, nil

	default:
		return Result{}, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (r *Runner) recordAttempt(ctx context.Context, task *models.ProvisioningTask, cause error) {
	task.LastError = cause.Error()
	if err := r.tasks.RecordAttempt(ctx, task.ID, task.Attempts, task.LastError); err != nil {
		r.logger.Error("failed to record task attempt",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
	}
}

func (r *Runner) failTerminal(ctx context.Context, task *models.ProvisioningTask, cause error) {
	if err := r.tasks.MarkTaskFailed(ctx, task.ID, task.Attempts, cause.Error()); err != nil {
		r.logger.Error("failed to mark task terminal",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
	}

	// Local and remote state are no longer known to agree. The subscription
	// stays in its last-known-good status; a human resolves it.
	r.alerts.Alert(ctx, "provisioning task failed terminally", cause,
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("subscription_id", task.SubscriptionID),
		slog.Int("attempts", task.Attempts))

	if err := r.lifecycle.ProvisioningFailed(ctx, task, cause); err != nil {
		r.logger.Error("lifecycle failure handling failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
	}
}
