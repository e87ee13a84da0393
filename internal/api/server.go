package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"github.com/healthfolio/pulse/internal/api/respond"
	"github.com/healthfolio/pulse/internal/config"
	"github.com/healthfolio/pulse/internal/db"
	"github.com/healthfolio/pulse/internal/gateway"
	"github.com/healthfolio/pulse/internal/telemetry"
)

// NewRouter creates and configures the Chi router with all middleware and
// routes. pool may be nil when the gateway runs without a database.
func NewRouter(loop *gateway.Loop, pool *db.Pool, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TimingMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "Cache-Control"},
		ExposedHeaders:   []string{"X-Process-Time"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting covers the HTTP surface only; the WebSocket endpoint is
	// exempt so a throttled dashboard can still hold its push stream open.
	r.Group(func(r chi.Router) {
		if cfg.RateLimitEnabled {
			r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/", root)
		r.Route("/health", func(r chi.Router) {
			r.Get("/", healthCheck)
			r.Get("/db", healthCheckDB(pool))
		})
	})

	// Real-time push endpoint
	r.Get("/ws", loop.HandleWS)

	// Prometheus metrics
	r.Handle("/metrics", telemetry.Handler())

	return r
}

func root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Pulse Health Gateway",
		"version": "1.0.0",
		"status":  "running",
		"ws":      "/ws",
	})
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func healthCheckDB(pool *db.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
				"status":    "healthy",
				"database":  "disabled",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		if err := pool.HealthCheck(r.Context()); err != nil {
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
}
