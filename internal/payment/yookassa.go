package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vpnova-bot/internal/clock"
)

// Provider validates and normalizes a raw provider callback. A returned
// error means the payload must be rejected without being persisted.
type Provider interface {
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// ParseError carries the rejection reason relayed to the webhook caller.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "webhook rejected: " + e.Reason
}

// YooKassa parses payment.succeeded callbacks. Authenticity is an
// HMAC-SHA256 of the raw body under a shared secret, carried hex-encoded in
// the signature header; an empty configured secret disables the check for
// deployments relying on the source-IP allowlist alone.
type YooKassa struct {
	secret string
	clock  clock.Clock
}

func NewYooKassa(secret string, clk clock.Clock) *YooKassa {
	if clk == nil {
		clk = clock.System()
	}
	return &YooKassa{secret: secret, clock: clk}
}

func (y *YooKassa) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if y.secret != "" {
		if err := y.verifySignature(payload, signature); err != nil {
			return nil, err
		}
	}

	var notification WebhookNotification
	if err := json.Unmarshal(payload, &notification); err != nil {
		return nil, &ParseError{Reason: "malformed payload"}
	}

	if notification.Event != "payment.succeeded" {
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported event %q", notification.Event)}
	}

	obj := notification.Object
	if obj.ID == "" {
		return nil, &ParseError{Reason: "missing payment id"}
	}

	telegramIDStr, ok := obj.Metadata["telegram_id"]
	if !ok {
		return nil, &ParseError{Reason: "metadata missing telegram_id"}
	}
	telegramID, err := strconv.ParseInt(telegramIDStr, 10, 64)
	if err != nil {
		return nil, &ParseError{Reason: "invalid telegram_id"}
	}

	planID, ok := obj.Metadata["plan_id"]
	if !ok || planID == "" {
		return nil, &ParseError{Reason: "metadata missing plan_id"}
	}

	amount, err := parseMinorUnits(obj.Amount.Value)
	if err != nil {
		return nil, &ParseError{Reason: "invalid amount"}
	}

	occurredAt := y.clock.Now()
	if obj.CreatedAt != "" {
		if ts, tsErr := time.Parse(time.RFC3339, obj.CreatedAt); tsErr == nil {
			occurredAt = ts.UTC()
		}
	}

	return &Event{
		ExternalID: obj.ID,
		TelegramID: telegramID,
		Username:   obj.Metadata["username"],
		PlanID:     planID,
		Amount:     amount,
		Currency:   obj.Amount.Currency,
		OccurredAt: occurredAt,
	}, nil
}

func (y *YooKassa) verifySignature(payload []byte, signature string) error {
	if signature == "" {
		return &ParseError{Reason: "missing signature"}
	}

	h := hmac.New(sha256.New, []byte(y.secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return &ParseError{Reason: "bad signature"}
	}
	return nil
}

// parseMinorUnits converts a decimal money string ("299.00") to minor units.
func parseMinorUnits(value string) (int64, error) {
	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		return 0, fmt.Errorf("empty amount")
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}

	var cents int64
	switch len(frac) {
	case 0:
	case 1:
		cents, err = strconv.ParseInt(frac, 10, 64)
		cents *= 10
	case 2:
		cents, err = strconv.ParseInt(frac, 10, 64)
	default:
		cents, err = strconv.ParseInt(frac[:2], 10, 64)
	}
	if err != nil {
		return 0, err
	}

	return units*100 + cents, nil
}
