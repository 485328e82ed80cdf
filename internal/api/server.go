// Package api is the ops HTTP surface of the partition daemon: lifecycle
// control, command intake, blacklist inspection, a live event feed, and
// Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tidemill/keel/internal/engine"
	"github.com/tidemill/keel/internal/events"
	"github.com/tidemill/keel/internal/record"
)

// Processor is the slice of the partition driver the API needs.
type Processor interface {
	Phase() engine.Phase
	Cursor() int64
	Pause() error
	Resume() error
	SubmitCommand(ctx context.Context, key int64, vt record.ValueType, intent record.Intent, value []byte, wait bool) (record.Record, *engine.Response, error)
}

// BlacklistReader lists the isolated process instances.
type BlacklistReader interface {
	Entries(ctx context.Context) ([]int64, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, bearer-protects everything except /healthz and
	// /metrics.
	Token string
	// SubmitTimeout bounds how long POST /v1/commands?wait=true blocks.
	SubmitTimeout time.Duration
}

// Server is the HTTP ops server.
type Server struct {
	config    Config
	processor Processor
	blacklist BlacklistReader
	hub       *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, processor Processor, blacklist BlacklistReader, hub *events.Hub, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}
	return &Server{
		config:    config,
		processor: processor,
		blacklist: blacklist,
		hub:       hub,
		metrics:   metricsHandler,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
		// Long write timeout: /v1/events holds the connection open.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("ops server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ops server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the chi router. Exposed for httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/blacklist", s.handleBlacklist)
		r.Post("/v1/pause", s.handlePause)
		r.Post("/v1/resume", s.handleResume)
		r.Post("/v1/commands", s.handleSubmitCommand)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.Token)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
