// Package ledger is the append-only record of payment events and
// provisioning attempts. Payment events are the idempotency source of truth;
// provisioning tasks are retained for audit and crash recovery. Nothing here
// is ever deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"vpnova-bot/internal/database"
	"vpnova-bot/internal/models"
)

// ErrDuplicateEvent means an event with the same external id is already
// recorded. Not a failure: it is the defined outcome for webhook redelivery.
var ErrDuplicateEvent = errors.New("ledger: duplicate payment event")

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordEvent appends a payment event. The unique index on the external id
// turns an at-least-once redelivery into ErrDuplicateEvent.
func (l *Ledger) RecordEvent(ctx context.Context, ev *models.PaymentEvent) error {
	if err := database.FromContext(ctx, l.db).Create(ev).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	return nil
}

// EventExists is the cheap dedup probe run before opening a transaction.
func (l *Ledger) EventExists(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := database.FromContext(ctx, l.db).
		Model(&models.PaymentEvent{}).
		Where("external_id = ?", externalID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check payment event: %w", err)
	}
	return count > 0, nil
}

func (l *Ledger) CreateTask(ctx context.Context, task *models.ProvisioningTask) error {
	if err := database.FromContext(ctx, l.db).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create provisioning task: %w", err)
	}
	return nil
}

func (l *Ledger) PendingTasks(ctx context.Context, limit int) ([]models.ProvisioningTask, error) {
	var tasks []models.ProvisioningTask
	err := database.FromContext(ctx, l.db).
		Where("status = ?", models.TaskPending).
		Order("created_at").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	return tasks, nil
}

func (l *Ledger) RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	err := database.FromContext(ctx, l.db).
		Model(&models.ProvisioningTask{}).
		Where("id = ?", id).
		Updates(map[string]any{"attempts": attempts, "last_error": lastError}).Error
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (l *Ledger) MarkTaskSucceeded(ctx context.Context, id string, attempts int) error {
	err := database.FromContext(ctx, l.db).
		Model(&models.ProvisioningTask{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.TaskSucceeded, "attempts": attempts, "last_error": ""}).Error
	if err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}
	return nil
}

func (l *Ledger) MarkTaskFailed(ctx context.Context, id string, attempts int, lastError string) error {
	err := database.FromContext(ctx, l.db).
		Model(&models.ProvisioningTask{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.TaskFailedTerminal, "attempts": attempts, "last_error": lastError}).Error
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// TasksForSubscription returns the full task history for one subscription,
// newest first. Used by the recovery pass.
func (l *Ledger) TasksForSubscription(ctx context.Context, subscriptionID string) ([]models.ProvisioningTask, error) {
	var tasks []models.ProvisioningTask
	err := database.FromContext(ctx, l.db).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at desc").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription tasks: %w", err)
	}
	return tasks, nil
}

// StaleTasks returns pending tasks untouched since the cutoff, i.e. work a
// previous process started and never finished.
func (l *Ledger) StaleTasks(ctx context.Context, cutoff time.Time) ([]models.ProvisioningTask, error) {
	var tasks []models.ProvisioningTask
	err := database.FromContext(ctx, l.db).
		Where("status = ? AND updated_at < ?", models.TaskPending, cutoff).
		Order("created_at").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stale tasks: %w", err)
	}
	return tasks, nil
}
