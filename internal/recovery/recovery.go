// Package recovery reconciles durable state at startup: provisioning work a
// previous process committed but never finished is re-enqueued, and
// local/remote disagreements are flagged for a human. This makes the
// transition-commits-then-task-enqueues ordering safe across crashes.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/provisioning"
	"vpnova-bot/internal/subscription"
)

// staleAfter is how long a pending task may sit untouched before it is
// considered abandoned by a dead process.
const staleAfter = 5 * time.Minute

// TaskLedger is the audit surface recovery scans.
type TaskLedger interface {
	TasksForSubscription(ctx context.Context, subscriptionID string) ([]models.ProvisioningTask, error)
	StaleTasks(ctx context.Context, cutoff time.Time) ([]models.ProvisioningTask, error)
}

// Enqueuer re-submits missing tasks and wakes the runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *models.ProvisioningTask) error
	Kick()
}

type Recovery struct {
	store  subscription.Store
	tasks  TaskLedger
	queue  Enqueuer
	alerts provisioning.Alerter
	clock  clock.Clock
	logger *slog.Logger
}

func New(store subscription.Store, tasks TaskLedger, queue Enqueuer, alerts provisioning.Alerter, clk clock.Clock, logger *slog.Logger) *Recovery {
	if clk == nil {
		clk = clock.System()
	}
	return &Recovery{
		store:  store,
		tasks:  tasks,
		queue:  queue,
		alerts: alerts,
		clock:  clk,
		logger: logger,
	}
}

// Run executes one reconciliation pass. Individual failures are logged and
// do not abort the rest of the pass.
func (r *Recovery) Run(ctx context.Context) error {
	now := r.clock.Now()

	stale, err := r.tasks.StaleTasks(ctx, now.Add(-staleAfter))
	if err != nil {
		r.logger.Error("failed to load stale tasks", slog.String("error", err.Error()))
	} else if len(stale) > 0 {
		// Still pending in the ledger, so the runner's poll pass picks them
		// up; they only need a wake-up.
		r.logger.Info("resuming interrupted provisioning tasks", slog.Int("count", len(stale)))
	}

	if err := r.reconcilePending(ctx); err != nil {
		return err
	}
	if err := r.reconcileTerminal(ctx); err != nil {
		return err
	}

	r.queue.Kick()
	return nil
}

// reconcilePending re-enqueues create tasks lost between a payment commit
// and the enqueue, and flags pending subscriptions whose create already
// succeeded remotely.
func (r *Recovery) reconcilePending(ctx context.Context) error {
	subs, err := r.store.NonTerminal(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.Status != models.StatusPending {
			continue
		}

		history, err := r.tasks.TasksForSubscription(ctx, sub.ID)
		if err != nil {
			r.logger.Error("failed to load task history",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()))
			continue
		}

		var latestCreate *models.ProvisioningTask
		for i := range history {
			if history[i].Kind == models.TaskCreate {
				latestCreate = &history[i]
				break
			}
		}

		switch {
		case latestCreate == nil:
			// Transition committed, enqueue lost to a crash.
			r.logger.Warn("pending subscription has no create task, re-enqueueing",
				slog.String("subscription_id", sub.ID))
			r.enqueueCreate(ctx, sub)

		case latestCreate.Status == models.TaskSucceeded:
			// The task runner applies the local transition before marking
			// the task succeeded, so this combination means the ledger and
			// the subscription row disagree. Never auto-corrected.
			r.alerts.Alert(ctx, "remote account exists but subscription still pending", errors.New("remote inconsistency"),
				slog.String("subscription_id", sub.ID),
				slog.String("task_id", latestCreate.ID))
		}
	}
	return nil
}

// reconcileTerminal re-enqueues revoke tasks for terminal subscriptions
// whose remote account was never confirmed removed.
func (r *Recovery) reconcileTerminal(ctx context.Context) error {
	subs, err := r.store.TerminalWithHandle(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		history, err := r.tasks.TasksForSubscription(ctx, sub.ID)
		if err != nil {
			r.logger.Error("failed to load task history",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()))
			continue
		}

		revoked := false
		for _, task := range history {
			if task.Kind == models.TaskRevoke && task.Status != models.TaskFailedTerminal {
				revoked = true
				break
			}
		}
		if revoked {
			continue
		}

		r.logger.Warn("terminal subscription has no revoke task, re-enqueueing",
			slog.String("subscription_id", sub.ID))
		if err := r.queue.Enqueue(ctx, &models.ProvisioningTask{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			Kind:           models.TaskRevoke,
			Status:         models.TaskPending,
		}); err != nil {
			r.logger.Error("failed to re-enqueue revoke task",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Recovery) enqueueCreate(ctx context.Context, sub models.Subscription) {
	plan, err := r.store.PlanByID(ctx, sub.PlanID)
	if err != nil {
		r.logger.Error("failed to load plan for recovery",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()))
		return
	}

	expire := r.clock.Now().Add(plan.Duration())
	if err := r.queue.Enqueue(ctx, &models.ProvisioningTask{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		Kind:           models.TaskCreate,
		Status:         models.TaskPending,
		NewExpiresAt:   &expire,
	}); err != nil {
		r.logger.Error("failed to re-enqueue create task",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()))
	}
}
