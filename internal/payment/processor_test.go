package payment_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/database"
	"vpnova-bot/internal/ledger"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/notify"
	"vpnova-bot/internal/payment"
	"vpnova-bot/internal/subscription"
)

type nullEnqueuer struct{}

func (nullEnqueuer) Enqueue(context.Context, *models.ProvisioningTask) error { return nil }

type processorFixture struct {
	store     *subscription.MemoryStore
	events    *ledger.Memory
	clock     *clock.Fake
	processor *payment.Processor
}

func newProcessorFixture(t *testing.T, secret string, allowedCIDRs []string) *processorFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Now().UTC())

	store := subscription.NewMemoryStore()
	store.AddPlan(models.Plan{ID: "monthly", Name: "Месяц", DurationDays: 30, PriceAmount: 29900, PriceCurrency: "RUB"})

	events := ledger.NewMemory()
	machine := subscription.NewMachine(store, events, database.NoopTransactor{}, nullEnqueuer{}, notify.NewRecorder(), clk, logger, 72*time.Hour)

	processor := payment.NewProcessor(payment.NewYooKassa(secret, nil), machine, store, events, clk, logger, 24*time.Hour, allowedCIDRs)
	return &processorFixture{store: store, events: events, clock: clk, processor: processor}
}

func TestProcessor_Ingest(t *testing.T) {
	t.Parallel()

	const secret = "whsec"

	t.Run("accepted creates pending subscription", func(t *testing.T) {
		t.Parallel()

		f := newProcessorFixture(t, secret, nil)
		payload := webhookPayload("pay-1", "payment.succeeded", "299.00",
			`{"telegram_id": "555", "plan_id": "monthly", "username": "tester"}`)

		res := f.processor.Ingest(context.Background(), payload, sign(secret, payload), "10.0.0.1")
		require.Equal(t, payment.Accepted, res.Status)
		require.NotNil(t, res.Subscription)
		assert.Equal(t, models.StatusPending, res.Subscription.Status)

		events := f.events.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "pay-1", events[0].ExternalID)
		assert.Equal(t, int64(29900), events[0].Amount)
		assert.NotEmpty(t, events[0].PayloadChecksum)
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		t.Parallel()

		f := newProcessorFixture(t, secret, nil)
		payload := webhookPayload("pay-1", "payment.succeeded", "299.00",
			`{"telegram_id": "555", "plan_id": "monthly"}`)

		first := f.processor.Ingest(context.Background(), payload, sign(secret, payload), "")
		require.Equal(t, payment.Accepted, first.Status)

		second := f.processor.Ingest(context.Background(), payload, sign(secret, payload), "")
		assert.Equal(t, payment.Duplicate, second.Status)
		assert.Len(t, f.events.Events(), 1)
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		t.Parallel()

		f := newProcessorFixture(t, secret, nil)
		payload := webhookPayload("pay-1", "payment.succeeded", "299.00",
			`{"telegram_id": "555", "plan_id": "monthly"}`)

		res := f.processor.Ingest(context.Background(), payload, "ffff", "")
		assert.Equal(t, payment.Rejected, res.Status)
		assert.Equal(t, "bad signature", res.Reason)
		assert.Empty(t, f.events.Events(), "rejected payloads are never persisted")
	})

	t.Run("unknown plan rejected", func(t *testing.T) {
		t.Parallel()

		f := newProcessorFixture(t, secret, nil)
		payload := webhookPayload("pay-1", "payment.succeeded", "299.00",
			`{"telegram_id": "555", "plan_id": "lifetime"}`)

		res := f.processor.Ingest(context.Background(), payload, sign(secret, payload), "")
		assert.Equal(t, payment.Rejected, res.Status)
		assert.Equal(t, "unknown plan", res.Reason)
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		t.Parallel()

		f := newProcessorFixture(t, secret, nil)
		payload := webhookPayload("pay-1", "payment.succeeded", "299.00",
			`{"telegram_id": "555", "plan_id": "monthly"}`)

		f.clock.Advance(25 * time.Hour)

		res := f.processor.Ingest(context.Background(), payload, sign(secret, payload), "")
		assert.Equal(t, payment.Rejected, res.Status)
		assert.Equal(t, "stale timestamp", res.Reason)
	})

	t.Run("source allowlist", func(t *testing.T) {
		t.Parallel()

		f := newProcessorFixture(t, secret, []string{"185.71.76.0/27"})
		payload := webhookPayload("pay-1", "payment.succeeded", "299.00",
			`{"telegram_id": "555", "plan_id": "monthly"}`)

		res := f.processor.Ingest(context.Background(), payload, sign(secret, payload), "203.0.113.7")
		assert.Equal(t, payment.Rejected, res.Status)
		assert.Equal(t, "forbidden source", res.Reason)

		res = f.processor.Ingest(context.Background(), payload, sign(secret, payload), "185.71.76.5")
		assert.Equal(t, payment.Accepted, res.Status)
	})
}
