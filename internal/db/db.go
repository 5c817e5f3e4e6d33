// Package db provides a pgxpool-based connection pool with prepared statement
// registration and health checking.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prediktapp/notify/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// registerPreparedStatements registers all statements the dispatch pipeline
// uses. Prepared statements eliminate parse overhead on every request.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Preferences: explicit per-category rows and channel reachability
		"pref_flags":        "SELECT user_id, enabled FROM user_notification_prefs WHERE category = $1 AND user_id = ANY($2)",
		"pref_upsert":       "INSERT INTO user_notification_prefs (user_id, category, enabled, updated_at) VALUES ($1, $2, $3, now()) ON CONFLICT (user_id, category) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()",
		"active_push_users": "SELECT DISTINCT user_id FROM user_devices WHERE user_id = ANY($1) AND is_active = true",
		"email_users":       "SELECT id, email FROM users WHERE id = ANY($1) AND email IS NOT NULL AND email <> ''",
		"user_timezones":    "SELECT id, COALESCE(timezone, '') FROM users WHERE id = ANY($1)",

		// Device registration
		"device_touch":      "UPDATE user_devices SET platform = $3, is_active = true, updated_at = now() WHERE user_id = $1 AND token = $2",
		"device_insert":     "INSERT INTO user_devices (user_id, token, platform, is_active) VALUES ($1, $2, $3, true)",
		"device_deactivate": "UPDATE user_devices SET is_active = false, updated_at = now() WHERE user_id = $1 AND token = $2",

		// Recipient lookups for listener- and CLI-driven dispatches
		"active_user_ids":       "SELECT DISTINCT user_id FROM user_devices WHERE is_active = true",
		"gameweek_participants": "SELECT DISTINCT user_id FROM predictions WHERE gameweek = $1",
		"fixture_participants":  "SELECT DISTINCT user_id FROM predictions WHERE fixture_id = $1",

		// Dedup ledger. reserve is the concurrency arbiter: the insert wins
		// exactly once per (event_id, user_id); the conflict branch reclaims
		// only failed rows, so accepted/pending/deferred stay untouchable.
		"ledger_reserve": `INSERT INTO dispatch_ledger (event_id, user_id, category, result, attempts)
			VALUES ($1, $2, $3, 'pending', 1)
			ON CONFLICT (event_id, user_id) DO UPDATE
			SET result = 'pending', attempts = dispatch_ledger.attempts + 1, last_error = NULL, updated_at = now()
			WHERE dispatch_ledger.result = 'failed'
			RETURNING attempts`,
		"ledger_defer":         "UPDATE dispatch_ledger SET result = 'deferred', deliver_after = $3, title = $4, body = $5, payload = $6, collapse_id = $7, thread_id = $8, badge_count = $9, updated_at = now() WHERE event_id = $1 AND user_id = $2 AND result = 'pending'",
		"ledger_mark_accepted": "UPDATE dispatch_ledger SET result = 'accepted', last_error = NULL, updated_at = now() WHERE event_id = $1 AND user_id = ANY($2) AND result = 'pending'",
		"ledger_mark_failed":   "UPDATE dispatch_ledger SET result = 'failed', last_error = $3, updated_at = now() WHERE event_id = $1 AND user_id = ANY($2) AND result = 'pending'",
		"ledger_claim_due": `UPDATE dispatch_ledger SET result = 'pending', updated_at = now()
			WHERE (event_id, user_id) IN (
				SELECT event_id, user_id FROM dispatch_ledger
				WHERE result = 'deferred' AND deliver_after <= now()
				ORDER BY deliver_after
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING event_id, user_id, category, COALESCE(title, ''), COALESCE(body, ''), payload, COALESCE(collapse_id, ''), COALESCE(thread_id, ''), badge_count`,
		"ledger_summary":        "SELECT result, COUNT(*) FROM dispatch_ledger WHERE event_id = $1 GROUP BY result",
		"ledger_failed_users":   "SELECT user_id FROM dispatch_ledger WHERE event_id = $1 AND result = 'failed' ORDER BY user_id",
		"ledger_event_category": "SELECT category FROM dispatch_ledger WHERE event_id = $1 LIMIT 1",

		// Maintenance
		"ledger_reclaim_stale": "UPDATE dispatch_ledger SET result = 'failed', last_error = 'reservation went stale', updated_at = now() WHERE result = 'pending' AND updated_at < now() - make_interval(secs => $1)",
		"ledger_purge":         "DELETE FROM dispatch_ledger WHERE result IN ('accepted', 'failed') AND updated_at < now() - make_interval(secs => $1)",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
