package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/strata/internal/health"
)

// ServerConfig holds the parameters New needs, decoupled from any
// service-specific configuration struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Server is the common chi scaffold shared by all four services: request
// middleware, health/readiness endpoints backed by a cached HealthState,
// and a Prometheus exposition endpoint. Each service mounts its own route
// tree on Router after calling New.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	health    *health.Aggregator
	startedAt time.Time
}

// New creates an HTTP server with common middleware and health/metrics
// endpoints mounted. agg may be nil, in which case /health/ready always
// reports ok (used by components with no downstream dependencies to poll).
func New(cfg ServerConfig, logger *slog.Logger, metricsReg *prometheus.Registry, agg *health.Aggregator) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		health:    agg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/health/live", s.handleLive)
	s.Router.Get("/health/ready", s.handleReady)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// handleLive always reports OK as long as the process is running.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reads only the cached HealthState — never performs I/O
// itself — so readiness probes stay O(µs) regardless of downstream latency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		Respond(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	state := s.health.State()
	httpStatus := http.StatusOK
	switch state.Status {
	case health.StatusDegraded:
		httpStatus = http.StatusOK
	case health.StatusFail:
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, state)
}
