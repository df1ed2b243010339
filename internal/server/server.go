// Package server exposes the operational HTTP surface of the engine:
// health, status, queue stats, trigger reconciliation and Prometheus
// metrics. It is optional and off by default.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jaishankar101/pgpubsub/internal/config"
	"github.com/jaishankar101/pgpubsub/internal/httputil"
	"github.com/jaishankar101/pgpubsub/internal/metrics"
	"github.com/jaishankar101/pgpubsub/internal/pubsub"
)

// Server is the ops HTTP server.
type Server struct {
	cfg       *config.Config
	engine    *pubsub.Engine
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	adminAuth *adminAuth // nil when server.admin_password not set
}

// New creates a Server with middleware and routes configured.
func New(cfg *config.Config, engine *pubsub.Engine, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		engine: engine,
		router: r,
		logger: logger,
	}
	if cfg.Server.AdminPassword != "" {
		auth, err := newAdminAuth(cfg.Server.AdminPassword)
		if err != nil {
			return nil, err
		}
		s.adminAuth = auth
	}

	r.Get("/health", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json", ""))

		r.Post("/admin/auth", s.handleAdminLogin)
		r.Get("/status", s.handleStatus)
		r.Get("/queue/stats", s.handleQueueStats)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Post("/queue/cleanup", s.handleQueueCleanup)
			r.Post("/triggers/reconcile", s.handleReconcile)
		})
	})

	return s, nil
}

// Router returns the chi router for registering additional routes, e.g.
// application endpoints wrapped in the expansion middleware.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests. Blocks until shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("ops server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down ops server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Queue().Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.engine.Queue().Cleanup(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReconcileTriggers(r.Context()); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// requestLogger returns middleware that logs each request as structured JSON.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
