// Package server exposes the inbound HTTP surface: the payment webhook, a
// subscription status route and a cancel route for the command layer, and a
// health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vpnova-bot/internal/models"
	"vpnova-bot/internal/payment"
	"vpnova-bot/internal/subscription"
)

const maxWebhookBody = 1 << 20

// Machine is the query/cancel surface the routes need.
type Machine interface {
	StatusView(ctx context.Context, telegramID int64) (*subscription.View, error)
	Cancel(ctx context.Context, telegramID int64) error
}

type Handler struct {
	processor *payment.Processor
	machine   Machine
	logger    *slog.Logger
}

func New(processor *payment.Processor, machine Machine, logger *slog.Logger) http.Handler {
	h := &Handler{processor: processor, machine: machine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/payment", h.paymentWebhook)
	r.Get("/subscriptions/{telegramID}", h.subscriptionStatus)
	r.Post("/subscriptions/{telegramID}/cancel", h.cancel)
	r.Get("/health", h.health)

	return r
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "rejected", "reason": "unreadable body"})
		return
	}

	sourceIP := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		sourceIP = host
	}

	res := h.processor.Ingest(r.Context(), body, r.Header.Get("X-Webhook-Signature"), sourceIP)
	switch res.Status {
	case payment.Accepted:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case payment.Duplicate:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	default:
		code := http.StatusBadRequest
		switch res.Reason {
		case "forbidden source":
			code = http.StatusForbidden
		case "internal error":
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, map[string]string{"status": "rejected", "reason": res.Reason})
	}
}

type subscriptionView struct {
	Status          models.SubscriptionStatus `json:"status"`
	PlanName        string                    `json:"plan_name,omitempty"`
	ExpiresAt       *time.Time                `json:"expires_at,omitempty"`
	GraceUntil      *time.Time                `json:"grace_until,omitempty"`
	SubscriptionURL string                    `json:"subscription_url,omitempty"`
}

func (h *Handler) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegramID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid telegram id"})
		return
	}

	view, err := h.machine.StatusView(r.Context(), telegramID)
	if errors.Is(err, subscription.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active subscription"})
		return
	}
	if err != nil {
		h.logger.Error("status lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, subscriptionView{
		Status:          view.Status,
		PlanName:        view.PlanName,
		ExpiresAt:       view.ExpiresAt,
		GraceUntil:      view.GraceUntil,
		SubscriptionURL: view.SubscriptionURL,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegramID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid telegram id"})
		return
	}

	err = h.machine.Cancel(r.Context(), telegramID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, subscription.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no subscription"})
	case errors.Is(err, subscription.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "subscription already terminal"})
	default:
		h.logger.Error("cancel failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
