// Package handler provides HTTP handlers for all API endpoints.
// Handlers stay thin: validate, call the dispatch core, shape the response.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/prediktapp/notify/internal/api/respond"
	"github.com/prediktapp/notify/internal/cache"
	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/dispatch"
	"github.com/prediktapp/notify/internal/event"
	"github.com/prediktapp/notify/internal/ledger"
	"github.com/prediktapp/notify/internal/metrics"
)

// Dispatcher runs one notification fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event, candidates []string) (*dispatch.Summary, error)
}

// LedgerReader serves ledger read models.
type LedgerReader interface {
	Summary(ctx context.Context, eventID string) (ledger.Summary, error)
}

// PrefWriter mutates user notification settings.
type PrefWriter interface {
	SetFlag(ctx context.Context, userID, category string, enabled bool) error
	RegisterDevice(ctx context.Context, userID, token, platform string) error
	DeactivateDevice(ctx context.Context, userID, token string) error
}

// FlagInvalidator drops cached preference flags after writes.
type FlagInvalidator interface {
	Invalidate(ctx context.Context, userID, category string)
	Ping(ctx context.Context) error
}

// DBPinger verifies datastore connectivity.
type DBPinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	dispatcher Dispatcher
	ledger     LedgerReader
	prefs      PrefWriter
	flagCache  FlagInvalidator
	db         DBPinger
	cache      *cache.Cache
	stats      *metrics.Collector
	cfg        *config.Config
}

// New creates a Handler with shared dependencies.
func New(d Dispatcher, lr LedgerReader, pw PrefWriter, fi FlagInvalidator, db DBPinger, c *cache.Cache, stats *metrics.Collector, cfg *config.Config) *Handler {
	return &Handler{
		dispatcher: d,
		ledger:     lr,
		prefs:      pw,
		flagCache:  fi,
		db:         db,
		cache:      c,
		stats:      stats,
		cfg:        cfg,
	}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, status, and configured delivery channels.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	channels := []string{}
	if h.cfg.PushConfigured() {
		channels = append(channels, "push")
	}
	if h.cfg.MailConfigured() {
		channels = append(channels, "email")
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":     "Predikt Notify API",
		"version":  "1.0.0",
		"status":   "running",
		"docs":     "/docs",
		"channels": channels,
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckCache reports API cache statistics and Redis reachability.
// @Summary Cache health check
// @Description Returns in-memory cache statistics and preference-cache (Redis) reachability.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/cache [get]
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if h.cfg.RedisURL != "" {
		redisStatus = "connected"
		if err := h.flagCache.Ping(r.Context()); err != nil {
			respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "unhealthy",
				"cache":     h.cache.Stats(),
				"redis":     "disconnected",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"cache":     h.cache.Stats(),
		"redis":     redisStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics serves process counters as JSON.
// @Summary Process metrics
// @Description Returns request and dispatch counters since process start.
// @Tags meta
// @Produce json
// @Success 200 {object} metrics.Snapshot
// @Router /metrics [get]
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, h.stats.Snapshot())
}
