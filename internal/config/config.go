// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/api and cmd/dispatchctl.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Channels
// --------------------------------------------------------------------------

// Channel is the delivery medium for a notification category.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// --------------------------------------------------------------------------
// Category registry — single source of truth for notification categories
// --------------------------------------------------------------------------

// CategoryConfig describes one notification category: the channel it rides
// on, whether users are in by default when they never touched the setting,
// and the ordered business fields that make an event of this category unique.
type CategoryConfig struct {
	Key       string
	Channel   Channel
	DefaultOn bool     // no explicit preference row: true = opted in, false = opted out
	IDPrefix  string   // event id prefix, e.g. "new_gw" -> "new_gw:17"
	IDFields  []string // ordered grouping params forming the event id; empty = timestamp ids
}

var CategoryRegistry = map[string]CategoryConfig{
	"new-gameweek":      {Key: "new-gameweek", Channel: ChannelPush, DefaultOn: true, IDPrefix: "new_gw", IDFields: []string{"gameweek"}},
	"results-published": {Key: "results-published", Channel: ChannelPush, DefaultOn: true, IDPrefix: "results", IDFields: []string{"gameweek"}},
	"kickoff-reminder":  {Key: "kickoff-reminder", Channel: ChannelPush, DefaultOn: true, IDPrefix: "kickoff", IDFields: []string{"fixture_id"}},
	"chat-message":      {Key: "chat-message", Channel: ChannelPush, DefaultOn: true, IDPrefix: "chat", IDFields: []string{"league_id", "message_id"}},
	"league-activity":   {Key: "league-activity", Channel: ChannelPush, DefaultOn: true, IDPrefix: "league", IDFields: []string{"league_id", "activity_id"}},
	"admin-broadcast":   {Key: "admin-broadcast", Channel: ChannelPush, DefaultOn: true, IDPrefix: "broadcast"},
	"weekly-digest":     {Key: "weekly-digest", Channel: ChannelEmail, DefaultOn: false, IDPrefix: "digest", IDFields: []string{"year", "week"}},
}

// Category looks up a notification category by key.
func Category(key string) (CategoryConfig, bool) {
	c, ok := CategoryRegistry[key]
	return c, ok
}

// CategoryKeys returns every registered key in sorted order.
func CategoryKeys() []string {
	keys := make([]string, 0, len(CategoryRegistry))
	for k := range CategoryRegistry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --------------------------------------------------------------------------
// Table names — single source of truth, matches the app datastore schema
// --------------------------------------------------------------------------

const (
	UsersTable       = "users"
	PrefsTable       = "user_notification_prefs"
	DevicesTable     = "user_devices"
	PredictionsTable = "predictions"
	LedgerTable      = "dispatch_ledger"
)

// --------------------------------------------------------------------------
// Config struct — populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Auth — mutating routes require a bearer token when the secret is set
	JWTSecret string

	// Push provider (OneSignal)
	OneSignalAppID  string
	OneSignalAPIKey string
	OneSignalAPIURL string
	PushTimeout     time.Duration
	PushMaxAttempts int
	PushBatchSize   int

	// SMTP (email-channel categories)
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Redis preference cache (optional)
	RedisURL     string
	PrefCacheTTL time.Duration

	// Quiet period — local hours during which push sends are deferred.
	// Start == End disables the window entirely.
	QuietStartHour int
	QuietEndHour   int

	// Deferred-send worker
	WorkerInterval  time.Duration
	WorkerBatchSize int

	// Maintenance
	ReclaimStaleAfter time.Duration
	ReclaimInterval   time.Duration
	LedgerRetention   time.Duration
	PurgeInterval     time.Duration

	// Cache
	CacheEnabled bool

	// Logging
	LogLevel       string
	LogFormat      string // text, json
	LogFile        string // empty = stdout only
	LogFileMaxSize int    // megabytes
	LogFileBackups int
	LogFileMaxAge  int // days
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", envOr("SUPABASE_DB_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or SUPABASE_DB_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://localhost:8081",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		JWTSecret: envOr("JWT_SECRET", ""),

		OneSignalAppID:  envOr("ONESIGNAL_APP_ID", ""),
		OneSignalAPIKey: envOr("ONESIGNAL_API_KEY", ""),
		OneSignalAPIURL: envOr("ONESIGNAL_API_URL", "https://onesignal.com/api/v1"),
		PushTimeout:     time.Duration(envInt("PUSH_TIMEOUT_SECONDS", 10)) * time.Second,
		PushMaxAttempts: envInt("PUSH_MAX_ATTEMPTS", 3),
		PushBatchSize:   envInt("PUSH_BATCH_SIZE", 2000),

		SMTPHost:     envOr("SMTP_HOST", ""),
		SMTPPort:     envInt("SMTP_PORT", 587),
		SMTPUsername: envOr("SMTP_USERNAME", ""),
		SMTPPassword: envOr("SMTP_PASSWORD", ""),
		SMTPFrom:     envOr("SMTP_FROM", "Predikt <noreply@predikt.app>"),

		RedisURL:     envOr("REDIS_URL", ""),
		PrefCacheTTL: time.Duration(envInt("PREF_CACHE_TTL_SECONDS", 300)) * time.Second,

		QuietStartHour: envInt("QUIET_START_HOUR", 22),
		QuietEndHour:   envInt("QUIET_END_HOUR", 9),

		WorkerInterval:  time.Duration(envInt("WORKER_INTERVAL_SECONDS", 60)) * time.Second,
		WorkerBatchSize: envInt("WORKER_BATCH_SIZE", 200),

		ReclaimStaleAfter: time.Duration(envInt("RECLAIM_STALE_MINUTES", 15)) * time.Minute,
		ReclaimInterval:   time.Duration(envInt("RECLAIM_INTERVAL_MINUTES", 5)) * time.Minute,
		LedgerRetention:   time.Duration(envInt("LEDGER_RETENTION_DAYS", 30)) * 24 * time.Hour,
		PurgeInterval:     time.Duration(envInt("PURGE_INTERVAL_HOURS", 24)) * time.Hour,

		CacheEnabled: envBool("CACHE_ENABLED", true),

		LogLevel:       envOr("LOG_LEVEL", ""),
		LogFormat:      envOr("LOG_FORMAT", ""),
		LogFile:        envOr("LOG_FILE", ""),
		LogFileMaxSize: envInt("LOG_FILE_MAX_SIZE_MB", 50),
		LogFileBackups: envInt("LOG_FILE_BACKUPS", 3),
		LogFileMaxAge:  envInt("LOG_FILE_MAX_AGE_DAYS", 14),
	}

	if err := validateHour("QUIET_START_HOUR", cfg.QuietStartHour); err != nil {
		return nil, err
	}
	if err := validateHour("QUIET_END_HOUR", cfg.QuietEndHour); err != nil {
		return nil, err
	}
	if cfg.PushMaxAttempts < 1 {
		return nil, fmt.Errorf("PUSH_MAX_ATTEMPTS must be >= 1, got %d", cfg.PushMaxAttempts)
	}

	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PushConfigured reports whether OneSignal credentials are present.
func (c *Config) PushConfigured() bool {
	return c.OneSignalAppID != "" && c.OneSignalAPIKey != ""
}

// MailConfigured reports whether an SMTP host is present.
func (c *Config) MailConfigured() bool {
	return c.SMTPHost != ""
}

func validateHour(key string, h int) error {
	if h < 0 || h > 23 {
		return fmt.Errorf("%s must be between 0 and 23, got %d", key, h)
	}
	return nil
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
