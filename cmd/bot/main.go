package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mymmrac/telego"

	"vpnova-bot/internal/clock"
	"vpnova-bot/internal/config"
	"vpnova-bot/internal/database"
	"vpnova-bot/internal/ledger"
	"vpnova-bot/internal/logging"
	"vpnova-bot/internal/notify"
	"vpnova-bot/internal/panel"
	"vpnova-bot/internal/payment"
	"vpnova-bot/internal/provisioning"
	"vpnova-bot/internal/recovery"
	"vpnova-bot/internal/scheduler"
	"vpnova-bot/internal/server"
	"vpnova-bot/internal/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "vpnova-bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb, err := database.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rdb.Close()

	var notifier notify.Dispatcher
	if cfg.BotToken != "" {
		bot, err := telego.NewBot(cfg.BotToken)
		if err != nil {
			logger.Error("failed to create telegram bot", slog.String("error", err.Error()))
			os.Exit(1)
		}
		notifier = notify.NewTelegramDispatcher(bot, logger)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, user notifications disabled")
		notifier = notify.NewRecorder()
	}

	clk := clock.System()
	alerts := provisioning.LogAlerter{Logger: logger}

	store := subscription.NewStore(db)
	events := ledger.New(db)
	tx := database.NewTransactor(db)

	machine := subscription.NewMachine(store, events, tx, nil, notifier, clk, logger, cfg.GraceWindow)

	panelClient := panel.NewClient(cfg.PanelURL, cfg.PanelKey, cfg.PanelTimeout)
	adapter := provisioning.NewAdapter(panelClient, cfg.PanelSquadID)
	breaker := provisioning.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clk)
	backoff := provisioning.DefaultBackoff(cfg.ProvisionBackoffBase, cfg.ProvisionBackoffMax)
	runner := provisioning.NewRunner(events, machine, adapter, breaker, backoff, alerts, clk, logger, cfg.ProvisionMaxAttempts, cfg.TaskPollInterval)
	machine.SetEnqueuer(runner)

	provider := payment.NewYooKassa(cfg.WebhookSecret, clk)
	processor := payment.NewProcessor(provider, machine, store, events, clk, logger, cfg.ReplayWindow, cfg.AllowedSourceCIDRs)

	flags := scheduler.NewRedisFlags(rdb)
	sweeper := scheduler.NewSweeper(store, machine, flags, notifier, clk, logger, cfg.SweepInterval, cfg.ExpiryNoticeWindow)

	rec := recovery.New(store, events, runner, alerts, clk, logger)
	if err := rec.Run(ctx); err != nil {
		logger.Error("startup reconciliation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(processor, machine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	logger.Info("service started")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	wg.Wait()
	logger.Info("stopped")
}
