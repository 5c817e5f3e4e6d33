// Command api is the Predikt notification dispatch server.
//
// Usage:
//
//	predikt-notify
//	API_PORT=8080 predikt-notify

// @title Predikt Notify API
// @version 1.0.0
// @description Notification dispatch service for the Predikt fantasy-football prediction app. Turns logical events (new gameweek, results, kickoff reminders, chat) into at-most-once push/email deliveries per (event, user), respecting per-user category preferences and quiet periods.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name Predikt
// @license.name MIT
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/prediktapp/notify/internal/api"
	"github.com/prediktapp/notify/internal/api/handler"
	"github.com/prediktapp/notify/internal/cache"
	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/db"
	"github.com/prediktapp/notify/internal/dispatch"
	"github.com/prediktapp/notify/internal/ledger"
	"github.com/prediktapp/notify/internal/listener"
	"github.com/prediktapp/notify/internal/logging"
	"github.com/prediktapp/notify/internal/mailer"
	"github.com/prediktapp/notify/internal/maintenance"
	"github.com/prediktapp/notify/internal/metrics"
	"github.com/prediktapp/notify/internal/prefs"
	"github.com/prediktapp/notify/internal/provider"

	_ "github.com/prediktapp/notify/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	// API read cache
	apiCache := cache.New(cfg.CacheEnabled)
	logger.Info("Cache initialized", "enabled", cfg.CacheEnabled)

	// Redis preference cache (optional)
	prefCache, err := prefs.NewCache(cfg)
	if err != nil {
		logger.Error("Failed to configure preference cache", "error", err)
		os.Exit(1)
	}
	if prefCache != nil {
		defer prefCache.Close()
		logger.Info("Preference cache connected", "ttl", cfg.PrefCacheTTL)
	}

	// Stores and resolver
	prefStore := prefs.NewStore(pool)
	resolver := prefs.NewResolver(prefStore, prefCache)
	ledgerStore := ledger.NewStore(pool)

	// Delivery channels. A nil client disables the channel; dispatch then
	// fails fast for categories riding on it.
	var push provider.Sender
	if client := provider.NewOneSignal(cfg, logger); client != nil {
		push = client
		logger.Info("Push provider configured", "app_id", cfg.OneSignalAppID)
	} else {
		logger.Info("Push delivery disabled (no ONESIGNAL_APP_ID/ONESIGNAL_API_KEY)")
	}
	var mail dispatch.Mailer
	if m := mailer.New(cfg, logger); m != nil {
		mail = m
		logger.Info("SMTP mailer configured", "host", cfg.SMTPHost)
	} else {
		logger.Info("Email delivery disabled (no SMTP_HOST)")
	}

	stats := metrics.NewCollector()

	// Dispatcher
	d := dispatch.New(dispatch.Config{
		Ledger: ledgerStore,
		Prefs:  resolver,
		Zones:  prefStore,
		Push:   push,
		Mail:   mail,
		Quiet:  dispatch.QuietWindow{Start: cfg.QuietStartHour, End: cfg.QuietEndHour},
		Stats:  stats,
		Logger: logger,
	})

	// Deferred-send worker (quiet-period deliveries)
	if push != nil {
		w := dispatch.NewWorker(dispatch.WorkerConfig{
			Claims:   ledgerStore,
			Ledger:   ledgerStore,
			Push:     push,
			Interval: cfg.WorkerInterval,
			Batch:    cfg.WorkerBatchSize,
			Stats:    stats,
			Logger:   logger,
		})
		go w.Start(ctx)
	} else {
		logger.Info("Deferred-send worker disabled (push not configured)")
	}

	// LISTEN/NOTIFY consumer for real-time gameweek events
	go listener.Start(ctx, cfg.DatabaseURL, prefStore, d, logger)

	// Maintenance tickers (reclaim stale reservations, purge old rows)
	go maintenance.Start(ctx, ledgerStore, maintenance.Config{
		ReclaimInterval:   cfg.ReclaimInterval,
		ReclaimStaleAfter: cfg.ReclaimStaleAfter,
		PurgeInterval:     cfg.PurgeInterval,
		LedgerRetention:   cfg.LedgerRetention,
	}, logger)

	// Create router
	h := handler.New(d, ledgerStore, prefStore, prefCache, pool, apiCache, stats, cfg)
	router := api.NewRouter(h, stats, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Predikt Notify API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}
