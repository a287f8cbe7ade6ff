// Package payment ingests provider webhooks: validates authenticity,
// deduplicates by the provider-assigned event id, and drives the
// subscription state machine with the accepted event.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"time"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/ledger"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/subscription"
)

// Status is the ingestion outcome relayed to the webhook route.
type Status int

const (
	// Accepted: event persisted and its transition committed.
	Accepted Status = iota
	// Duplicate: event id already in the ledger; no effect. A defined
	// outcome under at-least-once delivery, not an error.
	Duplicate
	// Rejected: invalid payload; nothing persisted.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result of one Ingest call. Reason is set for rejections.
type Result struct {
	Status       Status
	Reason       string
	Subscription *models.Subscription
}

// EventLedger is the dedup surface of the ledger.
type EventLedger interface {
	EventExists(ctx context.Context, externalID string) (bool, error)
}

// Machine is the slice of the state machine the processor drives.
type Machine interface {
	PaymentAccepted(ctx context.Context, ev *models.PaymentEvent) (*models.Subscription, error)
}

type Processor struct {
	provider Provider
	machine  Machine
	store    subscription.Store
	events   EventLedger
	clock    clock.Clock
	logger   *slog.Logger

	replayWindow time.Duration
	allowedNets  []*net.IPNet
}

func NewProcessor(provider Provider, machine Machine, store subscription.Store, events EventLedger, clk clock.Clock, logger *slog.Logger, replayWindow time.Duration, allowedCIDRs []string) *Processor {
	if replayWindow <= 0 {
		replayWindow = 24 * time.Hour
	}

	var nets []*net.IPNet
	for _, cidr := range allowedCIDRs {
		if _, block, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, block)
		}
	}

	return &Processor{
		provider:     provider,
		machine:      machine,
		store:        store,
		events:       events,
		clock:        clk,
		logger:       logger,
		replayWindow: replayWindow,
		allowedNets:  nets,
	}
}

// Ingest processes one raw webhook delivery. Safe to call concurrently and
// safe under redelivery: the ledger's unique external event id is the sole
// idempotency key.
func (p *Processor) Ingest(ctx context.Context, payload []byte, signature, sourceIP string) Result {
	if !p.sourceAllowed(sourceIP) {
		p.logger.Warn("webhook from disallowed source", slog.String("ip", sourceIP))
		return Result{Status: Rejected, Reason: "forbidden source"}
	}

	ev, err := p.provider.ParseWebhook(payload, signature)
	if err != nil {
		var parseErr *ParseError
		reason := "invalid payload"
		if errors.As(err, &parseErr) {
			reason = parseErr.Reason
		}
		// Invalid payloads are logged, never persisted as events.
		p.logger.Warn("webhook rejected", slog.String("reason", reason))
		return Result{Status: Rejected, Reason: reason}
	}

	now := p.clock.Now()
	if now.Sub(ev.OccurredAt) > p.replayWindow {
		p.logger.Warn("webhook outside replay window",
			slog.String("external_id", ev.ExternalID),
			slog.Time("occurred_at", ev.OccurredAt))
		return Result{Status: Rejected, Reason: "stale timestamp"}
	}

	if exists, err := p.events.EventExists(ctx, ev.ExternalID); err == nil && exists {
		return Result{Status: Duplicate}
	}

	if _, err := p.store.PlanByID(ctx, ev.PlanID); err != nil {
		if errors.Is(err, subscription.ErrPlanNotFound) {
			return Result{Status: Rejected, Reason: "unknown plan"}
		}
		p.logger.Error("plan lookup failed", slog.String("error", err.Error()))
		return Result{Status: Rejected, Reason: "internal error"}
	}

	user, err := p.store.EnsureUser(ctx, ev.TelegramID, ev.Username)
	if err != nil {
		p.logger.Error("user resolution failed", slog.String("error", err.Error()))
		return Result{Status: Rejected, Reason: "unknown user"}
	}

	checksum := sha256.Sum256(payload)
	record := &models.PaymentEvent{
		ExternalID:      ev.ExternalID,
		UserID:          user.ID,
		PlanID:          ev.PlanID,
		Amount:          ev.Amount,
		Currency:        ev.Currency,
		OccurredAt:      ev.OccurredAt,
		PayloadChecksum: hex.EncodeToString(checksum[:]),
	}

	sub, err := p.machine.PaymentAccepted(ctx, record)
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		// Lost the race with a concurrent delivery of the same event.
		return Result{Status: Duplicate}
	}
	if err != nil {
		p.logger.Error("failed to apply payment event",
			slog.String("external_id", ev.ExternalID),
			slog.String("error", err.Error()))
		return Result{Status: Rejected, Reason: "internal error"}
	}

	p.logger.Info("payment event accepted",
		slog.String("external_id", ev.ExternalID),
		slog.String("subscription_id", sub.ID),
		slog.String("status", string(sub.Status)))
	return Result{Status: Accepted, Subscription: sub}
}

// sourceAllowed checks the webhook source against the provider's published
// callback ranges. An empty allowlist or source skips the check.
func (p *Processor) sourceAllowed(sourceIP string) bool {
	if len(p.allowedNets) == 0 || sourceIP == "" {
		return true
	}

	parsed := net.ParseIP(sourceIP)
	if parsed == nil {
		return false
	}
	for _, block := range p.allowedNets {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}
