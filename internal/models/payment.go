package models

import (
	"time"
)

// PaymentEvent is an immutable fact recorded once per provider event.
// ExternalID is provider-assigned and globally unique: it is the sole
// idempotency key for webhook deduplication.
type PaymentEvent struct {
	ID             uint   `gorm:"primaryKey"`
	ExternalID     string `gorm:"size:191;uniqueIndex;not null"`
	UserID         uint   `gorm:"not null;index"`
	SubscriptionID string `gorm:"size:36;index"`
	PlanID         string `gorm:"size:64;not null"`

	// Amount in minor currency units (kopecks for RUB).
	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"size:3;not null"`

	OccurredAt      time.Time
	PayloadChecksum string `gorm:"size:64"`
	CreatedAt       time.Time
}
