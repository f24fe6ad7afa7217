package httpserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"adsync/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	MetaWebhook http.Handler
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	validate   *validator.Validate
	adminToken string
	basePath   string
}

// Options configures the server.
type Options struct {
	Addr       string
	BasePath   string
	AdminToken string
}

// New creates the HTTP server with health, metrics, webhook and admin routes.
func New(opts Options, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, deps Dependencies) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		handlers:   handlers,
		deps:       deps,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		adminToken: opts.AdminToken,
		basePath:   normaliseBasePath(opts.BasePath),
	}

	server.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mountWithBasePath(server.basePath, server.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	if server.adminToken == "" {
		server.logger.Warn("ADMIN_API_TOKEN not set, admin routes are unauthenticated")
	}
	return server
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.handlers.MetaWebhook != nil {
		mux.Handle("/webhook/meta", s.handlers.MetaWebhook)
	}

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAdmin(h))
	}
	admin("POST /admin/leads/sync", s.handleLeadsSync)
	admin("POST /admin/leads/backfill", s.handleLeadsBackfill)
	admin("POST /admin/insights/sync", s.handleInsightsSync)
	admin("POST /admin/insights/backfill", s.handleInsightsBackfill)
	admin("POST /admin/credentials", s.handleSetCredentials)
	admin("POST /admin/tokens/refresh", s.handleRefreshToken)
	admin("POST /admin/cache/clear", s.handleClearCache)
	admin("GET /admin/ads", s.handleAds)
	admin("GET /admin/campaigns", s.handleCampaigns)
	admin("GET /admin/sync/state", s.handleSyncState)
	admin("GET /admin/sync/runs", s.handleSyncRuns)
	admin("GET /admin/schedule", s.handleSchedule)
	return mux
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Details: "missing or invalid admin token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
