package models

import (
	"time"
)

type TaskKind string

const (
	TaskCreate TaskKind = "create"
	TaskRenew  TaskKind = "renew"
	TaskRevoke TaskKind = "revoke"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSucceeded TaskStatus = "succeeded"
	// TaskFailedTerminal: retries exhausted or the panel rejected the call
	// outright. The subscription stays in its last-known-good status and an
	// operator alert is raised; it is never auto-advanced on unconfirmed
	// remote state.
	TaskFailedTerminal TaskStatus = "failed_terminal"
)

// ProvisioningTask is the durable record of one intended change to remote
// panel state. The task id doubles as the idempotency key supplied to the
// panel, so re-running a task after a crash cannot duplicate the side effect.
type ProvisioningTask struct {
	ID             string   `gorm:"primaryKey;size:36"`
	SubscriptionID string   `gorm:"size:36;not null;index:idx_tasks_status_sub,priority:2"`
	Kind           TaskKind `gorm:"size:16;not null"`

	Status    TaskStatus `gorm:"size:16;not null;index:idx_tasks_status_sub,priority:1"`
	Attempts  int        `gorm:"not null;default:0"`
	LastError string     `gorm:"type:text"`

	// NewExpiresAt carries the target expiry for renew tasks.
	NewExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
