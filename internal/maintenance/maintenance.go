// Package maintenance runs periodic background tasks as Go tickers.
// All scheduled work is driven from Go since this is already a persistent,
// long-running service (required for LISTEN/NOTIFY).
package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// Ledger is the slice of the dedup ledger maintenance operates on.
type Ledger interface {
	// ReclaimStale flips pending reservations older than the window to
	// failed, making them retryable again.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	// Purge deletes terminal rows older than the retention window.
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	ReclaimInterval   time.Duration // how often stale pending rows are swept
	ReclaimStaleAfter time.Duration // how old a pending row must be to reclaim
	PurgeInterval     time.Duration // how often terminal rows are purged
	LedgerRetention   time.Duration // how long terminal rows are kept
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ReclaimInterval:   5 * time.Minute,
		ReclaimStaleAfter: 15 * time.Minute,
		PurgeInterval:     24 * time.Hour,
		LedgerRetention:   30 * 24 * time.Hour,
	}
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, ledger Ledger, cfg Config, logger *slog.Logger) {
	logger.Info("maintenance tickers started",
		"reclaim", cfg.ReclaimInterval,
		"purge", cfg.PurgeInterval)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	// Reclaim: crash recovery for reservations that never finished.
	if cfg.ReclaimInterval > 0 {
		t := time.NewTicker(cfg.ReclaimInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { reclaim(ctx, ledger, cfg.ReclaimStaleAfter, logger) })
	}

	// Purge: drop accepted/failed rows past retention.
	if cfg.PurgeInterval > 0 {
		t := time.NewTicker(cfg.PurgeInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { purge(ctx, ledger, cfg.LedgerRetention, logger) })
	}

	<-ctx.Done()
	logger.Info("maintenance tickers stopped")
}

// Sweep runs both tasks once. Used by the operations CLI.
func Sweep(ctx context.Context, ledger Ledger, cfg Config, logger *slog.Logger) {
	reclaim(ctx, ledger, cfg.ReclaimStaleAfter, logger)
	purge(ctx, ledger, cfg.LedgerRetention, logger)
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// reclaim flips pending ledger rows that have been in flight too long back to
// failed. A pending row with no progress means an invocation died between
// Reserve and MarkAccepted; failing it keeps the pair retryable instead of
// permanently blocked.
func reclaim(ctx context.Context, ledger Ledger, olderThan time.Duration, logger *slog.Logger) {
	n, err := ledger.ReclaimStale(ctx, olderThan)
	if err != nil {
		logger.Warn("reclaim: failed to sweep stale reservations", "error", err)
		return
	}
	if n > 0 {
		logger.Info("reclaim: recovered stale reservations", "count", n, "older_than", olderThan)
	}
}

// purge deletes terminal ledger rows past retention. Retention is sized well
// beyond any event's re-dispatch horizon, so dropping old accepted rows
// cannot reopen a dedup window that still matters.
func purge(ctx context.Context, ledger Ledger, retention time.Duration, logger *slog.Logger) {
	n, err := ledger.Purge(ctx, retention)
	if err != nil {
		logger.Warn("purge: failed to delete expired ledger rows", "error", err)
		return
	}
	if n > 0 {
		logger.Info("purge: deleted expired ledger rows", "count", n, "retention", retention)
	}
}
