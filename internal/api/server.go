package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/prediktapp/notify/internal/api/handler"
	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/metrics"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(h *handler.Handler, stats *metrics.Collector, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TimingMiddleware)
	r.Use(stats.Middleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type", "If-None-Match", "Cache-Control"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Cache", "Link", "ETag"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// Bearer auth on mutating routes; no secret means open (local dev).
	protect := func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(AuthMiddleware(cfg.JWTSecret))
		}
	}

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/cache", h.HealthCheckCache)
	})

	// Process metrics
	r.Get("/metrics", h.Metrics)

	// Swagger UI
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	// Legacy dispatch path; /api/v1/dispatch is canonical.
	r.Group(func(r chi.Router) {
		protect(r)
		r.Post("/dispatch", h.Dispatch)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Dispatch read models
		r.Get("/dispatch/{eventID}", h.GetDispatchSummary)
		r.Get("/categories", h.ListCategories)

		// Mutating routes
		r.Group(func(r chi.Router) {
			protect(r)
			r.Post("/dispatch", h.Dispatch)

			// Preferences & devices (settings UI backend)
			r.Put("/users/{userID}/preferences", h.UpdatePreferences)
			r.Post("/users/{userID}/devices", h.RegisterDevice)
			r.Delete("/users/{userID}/devices/{token}", h.DeactivateDevice)
		})
	})

	return r
}
