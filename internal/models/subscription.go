package models

import (
	"time"
)

// SubscriptionStatus is the authoritative lifecycle state of a subscription.
type SubscriptionStatus string

const (
	// StatusPending: created on first accepted payment, remote account not confirmed yet.
	StatusPending SubscriptionStatus = "pending"
	StatusActive  SubscriptionStatus = "active"
	// StatusGrace: expired but within the forgiveness window, access still live.
	StatusGrace SubscriptionStatus = "grace"
	// Terminal states. Rows are never deleted, they end up here instead.
	StatusRevoked   SubscriptionStatus = "revoked"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusRevoked || s == StatusCancelled
}

type Subscription struct {
	ID     string `gorm:"primaryKey;size:36"`
	UserID uint   `gorm:"not null;index:idx_subscriptions_user_status,priority:1"`
	PlanID string `gorm:"size:64;not null"`

	Status SubscriptionStatus `gorm:"size:16;not null;index:idx_subscriptions_user_status,priority:2"`

	// RemoteHandle is the opaque account id on the VPN panel, set once the
	// create task succeeds.
	RemoteHandle    string `gorm:"size:255"`
	SubscriptionURL string `gorm:"size:512"`

	ActivatedAt *time.Time
	// ExpiresAt is set iff Status is active or grace.
	ExpiresAt  *time.Time `gorm:"index"`
	GraceUntil *time.Time `gorm:"index"`

	// Version guards every transition: writes are conditional on the version
	// read, and bump it by one.
	Version int64 `gorm:"not null;default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
