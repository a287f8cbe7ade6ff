package models

import (
	"time"
)

// Plan is a purchasable offering. Rows are immutable once referenced by a
// live subscription; pricing or quota changes create a new row with a new id.
type Plan struct {
	ID           string `gorm:"primaryKey;size:64"`
	Name         string `gorm:"size:128;not null"`
	DurationDays int    `gorm:"not null"`

	// Price in minor currency units.
	PriceAmount   int64  `gorm:"not null"`
	PriceCurrency string `gorm:"size:3;not null"`

	// Provisioning parameters forwarded to the panel.
	TrafficLimitBytes int64
	SquadID           string `gorm:"size:64"`

	CreatedAt time.Time
}

// Duration converts the plan's day count into a time.Duration.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
