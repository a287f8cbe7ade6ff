// Package scheduler runs the recurring expiration sweep: expiry notices,
// active → grace, grace → revoked. Each row gets exactly one transition per
// sweep, through the same version-guarded path payment events use, so a
// sweep racing a renewal is harmless.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/models"
	"vpnova-bot/internal/notify"
	"vpnova-bot/internal/subscription"
)

const sweepBatchSize = 500

// Machine is the transition surface the sweeper drives.
type Machine interface {
	ExpireToGrace(ctx context.Context, subscriptionID string) (bool, error)
	RevokeLapsed(ctx context.Context, subscriptionID string) (bool, error)
}

type Sweeper struct {
	store    subscription.Store
	machine  Machine
	flags    Flags
	notifier notify.Dispatcher
	clock    clock.Clock
	logger   *slog.Logger

	interval     time.Duration
	noticeWindow time.Duration
}

func NewSweeper(store subscription.Store, machine Machine, flags Flags, notifier notify.Dispatcher, clk clock.Clock, logger *slog.Logger, interval, noticeWindow time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if noticeWindow <= 0 {
		noticeWindow = 24 * time.Hour
	}
	return &Sweeper{
		store:        store,
		machine:      machine,
		flags:        flags,
		notifier:     notifier,
		clock:        clk,
		logger:       logger,
		interval:     interval,
		noticeWindow: noticeWindow,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("expiration sweeper started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Zero eligible rows is the normal outcome.
// Per-row failures are logged and never abort the remainder.
func (s *Sweeper) Sweep(ctx context.Context) {
	acquired, err := s.flags.AcquireSweep(ctx, s.interval)
	if err != nil {
		s.logger.Error("failed to acquire sweep lock", slog.String("error", err.Error()))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.flags.ReleaseSweep(ctx); err != nil {
			s.logger.Warn("failed to release sweep lock", slog.String("error", err.Error()))
		}
	}()

	now := s.clock.Now()

	s.notifyExpiringSoon(ctx, now)

	if due, err := s.store.DueForGrace(ctx, now, sweepBatchSize); err != nil {
		s.logger.Error("failed to query expired subscriptions", slog.String("error", err.Error()))
	} else {
		for _, sub := range due {
			if applied, err := s.machine.ExpireToGrace(ctx, sub.ID); err != nil {
				s.logger.Error("failed to move subscription to grace",
					slog.String("subscription_id", sub.ID),
					slog.String("error", err.Error()))
			} else if applied {
				s.logger.Info("subscription entered grace", slog.String("subscription_id", sub.ID))
			}
		}
	}

	if due, err := s.store.DueForRevoke(ctx, now, sweepBatchSize); err != nil {
		s.logger.Error("failed to query lapsed subscriptions", slog.String("error", err.Error()))
	} else {
		for _, sub := range due {
			if applied, err := s.machine.RevokeLapsed(ctx, sub.ID); err != nil {
				s.logger.Error("failed to revoke lapsed subscription",
					slog.String("subscription_id", sub.ID),
					slog.String("error", err.Error()))
			} else if applied {
				s.logger.Info("subscription revoked", slog.String("subscription_id", sub.ID))
			}
		}
	}
}

// notifyExpiringSoon warns users once per expiry about subscriptions running
// out within the notice window.
func (s *Sweeper) notifyExpiringSoon(ctx context.Context, now time.Time) {
	expiring, err := s.store.ExpiringBetween(ctx, now, now.Add(s.noticeWindow), sweepBatchSize)
	if err != nil {
		s.logger.Error("failed to query expiring subscriptions", slog.String("error", err.Error()))
		return
	}

	for _, sub := range expiring {
		s.noticeOne(ctx, sub)
	}
}

func (s *Sweeper) noticeOne(ctx context.Context, sub models.Subscription) {
	if sub.ExpiresAt == nil {
		return
	}

	// The expiry instant in the key makes a renewal re-arm the notice.
	key := fmt.Sprintf("expiry:%s:%d", sub.ID, sub.ExpiresAt.Unix())
	first, err := s.flags.MarkNotified(ctx, key, 2*s.noticeWindow)
	if err != nil {
		s.logger.Warn("failed to mark expiry notice", slog.String("error", err.Error()))
		return
	}
	if !first {
		return
	}

	telegramID, err := s.store.UserTelegramID(ctx, sub.UserID)
	if err != nil {
		s.logger.Warn("failed to resolve user for expiry notice",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()))
		return
	}

	s.notifier.Notify(ctx, telegramID, notify.KindExpiringSoon, notify.Payload{ExpiresAt: *sub.ExpiresAt})
}
