package server_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
	"vpnova-bot/internal/server"
	"vpnova-bot/internal/subscription"
)

const webhookSecret = "whsec"

type nullEnqueuer struct{}

func (nullEnqueuer) Enqueue(context.Context, *models.ProvisioningTask) error { return nil }

type serverFixture struct {
	srv     *httptest.Server
	store   *subscription.MemoryStore
	machine *subscription.Machine
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Now().UTC())

	store := subscription.NewMemoryStore()
	store.AddPlan(models.Plan{ID: "monthly", Name: "Месяц", DurationDays: 30, PriceAmount: 29900, PriceCurrency: "RUB"})

	events := ledger.NewMemory()
	machine := subscription.NewMachine(store, events, database.NoopTransactor{}, nullEnqueuer{}, notify.NewRecorder(), clk, logger, 72*time.Hour)
	processor := payment.NewProcessor(payment.NewYooKassa(webhookSecret, nil), machine, store, events, clk, logger, 24*time.Hour, nil)

	srv := httptest.NewServer(server.New(processor, machine, logger))
	t.Cleanup(srv.Close)

	return &serverFixture{srv: srv, store: store, machine: machine}
}

func signedWebhook(t *testing.T, externalID string, telegramID int64) (*http.Request, error) {
	t.Helper()

	payload := []byte(fmt.Sprintf(`{
		"event": "payment.succeeded",
		"object": {
			"id": %q,
			"amount": {"value": "299.00", "currency": "RUB"},
			"created_at": %q,
			"metadata": {"telegram_id": "%d", "plan_id": "monthly"}
		}
	}`, externalID, time.Now().UTC().Format(time.RFC3339), telegramID))

	h := hmac.New(sha256.New, []byte(webhookSecret))
	h.Write(payload)

	req, err := http.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(h.Sum(nil)))
	return req, nil
}

func (f *serverFixture) do(t *testing.T, req *http.Request) (*http.Response, map[string]string) {
	t.Helper()

	req.URL, _ = req.URL.Parse(f.srv.URL + req.URL.String())
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestServer_PaymentWebhook(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		f := newServerFixture(t)
		req, err := signedWebhook(t, "pay-1", 555)
		require.NoError(t, err)

		resp, body := f.do(t, req)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "accepted", body["status"])
	})

	t.Run("redelivery returns duplicate", func(t *testing.T) {
		t.Parallel()

		f := newServerFixture(t)
		req, err := signedWebhook(t, "pay-1", 555)
		require.NoError(t, err)
		f.do(t, req)

		again, err := signedWebhook(t, "pay-1", 555)
		require.NoError(t, err)
		resp, body := f.do(t, again)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "duplicate", body["status"])
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		t.Parallel()

		f := newServerFixture(t)
		req, err := http.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		req.Header.Set("X-Webhook-Signature", "ffff")

		resp, body := f.do(t, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "rejected", body["status"])
		assert.Equal(t, "bad signature", body["reason"])
	})
}

func TestServer_SubscriptionStatus(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodGet, "/subscriptions/555", nil)
	require.NoError(t, err)
	resp, _ := f.do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pay, err := signedWebhook(t, "pay-1", 555)
	require.NoError(t, err)
	f.do(t, pay)

	req, err = http.NewRequest(http.MethodGet, "/subscriptions/555", nil)
	require.NoError(t, err)
	resp, body := f.do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "Месяц", body["plan_name"])
}

func TestServer_Cancel(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodPost, "/subscriptions/555/cancel", nil)
	require.NoError(t, err)
	resp, _ := f.do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pay, err := signedWebhook(t, "pay-1", 555)
	require.NoError(t, err)
	f.do(t, pay)

	req, err = http.NewRequest(http.MethodPost, "/subscriptions/555/cancel", nil)
	require.NoError(t, err)
	resp, body := f.do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	req, err = http.NewRequest(http.MethodPost, "/subscriptions/555/cancel", nil)
	require.NoError(t, err)
	resp, _ = f.do(t, req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	req, err := http.NewRequest(http.MethodGet, "/health", nil)
	require.NoError(t, err)

	resp, body := f.do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
