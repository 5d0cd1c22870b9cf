package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/internal/middleware"
	"github.com/backdrop/studio/pkg/health"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/response"
	"github.com/backdrop/studio/pkg/tracing"
)

// RouterConfig lists everything NewRouter mounts. Nil limiters disable rate limiting and a
// nil Stream leaves /ws/progress unmounted.
type RouterConfig struct {
	Workflow    *WorkflowHandler
	Proxy       *ProxyHandler
	Stream      http.Handler
	Health      *health.Health
	Metrics     *metrics.Metrics
	Auth        *middleware.AuthConfig
	IPLimiter   *middleware.RateLimiter
	UserLimiter *middleware.RateLimiter
	Logger      *logger.Logger
}

func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(response.RequestIDMiddleware, response.RecoveryMiddleware(cfg.Logger), tracing.HTTPMiddleware)

	if cfg.Health != nil {
		r.Handle("/health", cfg.Health.HealthHandler()).Methods(http.MethodGet)
		r.Handle("/live", cfg.Health.LiveHandler()).Methods(http.MethodGet)
		r.Handle("/ready", cfg.Health.ReadyHandler()).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	// the stream authenticates its own token since browsers cannot set headers on upgrades
	if cfg.Stream != nil {
		r.Handle("/ws/progress", cfg.Stream).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	if cfg.IPLimiter != nil {
		api.Use(middleware.RateLimit(cfg.IPLimiter, middleware.IPKeyFunc))
	}
	api.Use(middleware.Auth(cfg.Auth))
	if cfg.UserLimiter != nil {
		api.Use(middleware.RateLimit(cfg.UserLimiter, middleware.UserKeyFunc))
	}
	if cfg.Workflow != nil {
		cfg.Workflow.Register(api)
	}
	if cfg.Proxy != nil {
		cfg.Proxy.Register(api)
	}
	return r
}
