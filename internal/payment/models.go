package payment

import (
	"time"
)

// Event is the normalized payment fact handed past the ingestion boundary.
// Raw provider payloads never travel further than the provider parser.
type Event struct {
	ExternalID string
	TelegramID int64
	Username   string
	PlanID     string
	Amount     int64 // minor currency units
	Currency   string
	OccurredAt time.Time
}

// Wire shapes of the YooKassa webhook callback.

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type WebhookNotification struct {
	Type   string        `json:"type"`
	Event  string        `json:"event"`
	Object WebhookObject `json:"object"`
}

type WebhookObject struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Paid      bool              `json:"paid"`
	Amount    Amount            `json:"amount"`
	CreatedAt string            `json:"created_at"`
	Metadata  map[string]string `json:"metadata"`
}
