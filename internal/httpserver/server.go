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
	"github.com/redis/go-redis/v9"
)

// ServerConfig holds the parameters NewServer needs, decoupled from any
// service-specific configuration struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router  *chi.Mux
	Logger  *slog.Logger
	Redis   *redis.Client
	Metrics *prometheus.Registry

	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. The dispatch engine is mounted on Router by the caller under
// POST /v1/*; admin-surface routes (out of scope per spec.md §1) are
// mounted separately under /internal and /admin.
func NewServer(cfg ServerConfig, logger *slog.Logger, rdb *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(CorrelationID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID", "x-api-key"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// MountDispatch mounts the Entry Handler under every verb of /v1/* (the
// Anthropic- and OpenAI-compatible relay surface, spec.md §6).
func (s *Server) MountDispatch(handler http.Handler) {
	s.Router.Handle("/v1/*", handler)
}

// MountAdmin mounts the admin API's CRUD routes under /admin and the
// cache-invalidation webhook at /internal/cache/invalidate.
func (s *Server) MountAdmin(adminRoutes http.Handler, invalidate http.Handler) {
	s.Router.Mount("/admin", adminRoutes)
	s.Router.Handle("/internal/cache/invalidate", invalidate)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		Respond(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"checks": []map[string]string{{"name": "redis", "status": "fail", "error": err.Error()}},
		})
		return
	}

	Respond(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": []map[string]string{{"name": "redis", "status": "ok"}},
	})
}
