// Package notify delivers lifecycle notifications to users. Delivery is
// best-effort: a failed send is logged and never rolls back the committed
// transition that produced it.
package notify

import (
	"context"
	"time"
)

type Kind string

const (
	KindActivated         Kind = "activated"
	KindRenewed           Kind = "renewed"
	KindExpiringSoon      Kind = "expiring_soon"
	KindGraceEntered      Kind = "grace_entered"
	KindRevoked           Kind = "revoked"
	KindCancelled         Kind = "cancelled"
	KindActivationDelayed Kind = "activation_delayed"
)

// Payload carries the message context; kinds use the fields they need.
type Payload struct {
	PlanName        string
	ExpiresAt       time.Time
	GraceUntil      time.Time
	SubscriptionURL string
}

type Dispatcher interface {
	Notify(ctx context.Context, telegramID int64, kind Kind, p Payload)
}
