package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mixelka/otpgate/internal/api"
	"github.com/mixelka/otpgate/internal/config"
	"github.com/mixelka/otpgate/internal/database"
	"github.com/mixelka/otpgate/internal/gmail"
	"github.com/mixelka/otpgate/internal/notify"
	"github.com/mixelka/otpgate/internal/otp"
	"github.com/mixelka/otpgate/internal/parser"
	"github.com/mixelka/otpgate/internal/render"
	"github.com/mixelka/otpgate/internal/schedule"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting otpgate")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Browser driver for the link-fallback extraction stage
	if err := render.Install(); err != nil {
		logger.Warn("playwright install failed, link fallback unavailable", "error", err)
	}

	// Create components
	gmailClient := gmail.NewClient(gmail.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.GoogleRedirectURI,
	}, db)
	renderer := render.NewLinkRenderer(cfg.RenderTimeout, logger)
	extractor := parser.NewExtractor(renderer, logger)
	scheduler := schedule.NewScheduler(logger)

	// Telegram notifications (optional)
	var notifier otp.Notifier
	if cfg.NotifierEnabled() {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Error("failed to create telegram notifier", "error", err)
			os.Exit(1)
		}
		notifier = tg
		logger.Info("telegram notifications enabled", "chat_id", cfg.TelegramChatID)
	}

	orchestrator := otp.NewOrchestrator(db, gmailClient, extractor, scheduler, notifier, otp.Settings{
		Window:         cfg.RequestWindow,
		Lookback:       cfg.Lookback,
		MaxCandidates:  cfg.MaxCandidates,
		EmptyRetryWait: cfg.EmptyRetryWait,
		ScanRetryWait:  cfg.ScanRetryWait,
		StaleGrace:     cfg.StaleGrace,
	}, logger)
	service := otp.NewService(db, orchestrator, scheduler, logger)

	// Periodic sweep re-discovers pending requests missed by the immediate chain
	if err := scheduler.AddEvery(cfg.SweepInterval, func() {
		orchestrator.Sweep(context.Background())
	}); err != nil {
		logger.Error("failed to schedule sweep", "error", err)
		os.Exit(1)
	}
	logger.Info("periodic sweep scheduled", "interval", cfg.SweepInterval)

	// HTTP server
	handler := api.NewHandler(service, gmailClient, db, logger)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(handler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", "signal", sig)
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	scheduler.Stop()

	logger.Info("otpgate stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
