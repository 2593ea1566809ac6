package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/streamforge/orchestrator/internal/api/handlers"
	"github.com/streamforge/orchestrator/internal/api/middleware"
)

// RouterConfig holds router configuration (spec.md §4.8 "Key endpoints").
type RouterConfig struct {
	EnableCORS        bool
	EnableCompression bool
	EnableRateLimit   bool
	EnableMetrics     bool

	RateLimitPerMinute int
	RateLimitBurst     int

	// EnableOperatorAuth gates /rebalance and /force_recovery behind
	// AuthMiddleware+OperatorMiddleware. spec.md names no auth scheme;
	// this is off by default and opt-in via ServerConfig.
	EnableOperatorAuth bool
	AuthConfig         middleware.AuthConfig

	CORSConfig middleware.CORSConfig
	Logger     *slog.Logger
	Handlers   *handlers.Handlers
}

// NewRouter builds the orchestrator's HTTP router. Middleware order:
//  1. RequestID (always)
//  2. Logging (always)
//  3. Metrics (if enabled)
//  4. CORS (if enabled)
//  5. Compression (if enabled)
//  6. Rate limiting on every route (if enabled)
//  7. Per-route: operator auth on /rebalance and /force_recovery (if
//     enabled).
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))

	if config.EnableMetrics {
		router.Use(middleware.MetricsMiddleware)
	}
	if config.EnableCORS {
		router.Use(middleware.CORSMiddleware(config.CORSConfig))
	}
	if config.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}
	if config.EnableRateLimit {
		router.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
	}

	h := config.Handlers

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.ReadyCheck).Methods(http.MethodGet)

	router.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	router.HandleFunc("/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	router.HandleFunc("/assignments", h.ListAssignments).Methods(http.MethodGet)
	router.HandleFunc("/request_assignment", h.RequestAssignment).Methods(http.MethodPost)
	router.HandleFunc("/release", h.Release).Methods(http.MethodPost)
	router.HandleFunc("/update_stream", h.UpdateStream).Methods(http.MethodPost)
	router.HandleFunc("/diagnostics/inconsistencies", h.Diagnostics).Methods(http.MethodGet)

	operator := router.NewRoute().Subrouter()
	if config.EnableOperatorAuth {
		operator.Use(middleware.AuthMiddleware(config.AuthConfig))
		operator.Use(middleware.OperatorMiddleware)
	}
	operator.HandleFunc("/rebalance", h.Rebalance).Methods(http.MethodPost)
	operator.HandleFunc("/force_recovery", h.ForceRecovery).Methods(http.MethodPost)

	return router
}
