// Package api serves the gateway over HTTP. Every route except login, health
// and metrics requires an X-API-Key header.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cmdgate/internal/auth"
	"cmdgate/internal/events"
	"cmdgate/internal/gateway"
	"cmdgate/internal/metrics"
	"cmdgate/internal/ratelimit"
)

const (
	maxBodySize   = 1 << 20 // 1MB
	defaultAudit  = 200
	defaultRecent = 100
	pruneInterval = 5 * time.Minute
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	RateLimitPerMinute int // 0 disables submission rate limiting
	Burst              int
	AuditLimit         int
	HistoryLimit       int

	MetricsPath string      // empty disables /metrics
	Events      *events.Bus // nil disables the admin event stream
	Logger      *slog.Logger
}

type Server struct {
	gw      *gateway.Gateway
	authn   *auth.Authenticator
	limiter *ratelimit.Keyed[int64]
	cfg     Config
	logger  *slog.Logger
	server  *http.Server
}

func NewServer(gw *gateway.Gateway, authn *auth.Authenticator, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuditLimit <= 0 {
		cfg.AuditLimit = defaultAudit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultRecent
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		gw:      gw,
		authn:   authn,
		limiter: ratelimit.NewKeyed[int64](cfg.Burst, float64(cfg.RateLimitPerMinute)),
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(limitBody)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsPath != "" {
		r.Get(s.cfg.MetricsPath, metrics.Collector.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireKey)
			authed.Get("/me", s.handleMe)
			authed.Get("/history", s.handleHistory)
			authed.With(s.rateLimit).Post("/commands", s.handleSubmit)

			authed.Route("/admin", func(admin chi.Router) {
				admin.Get("/rules", s.handleListRules)
				admin.Post("/rules", s.handleAddRule)
				admin.Delete("/rules/{id}", s.handleDeleteRule)
				admin.Get("/audit", s.handleAudit)
				admin.Get("/approvals", s.handlePending)
				admin.Post("/approvals/{id}/{action}", s.handleResolve)
				admin.Get("/users", s.handleListUsers)
				admin.Post("/users", s.handleCreateUser)
				admin.Post("/users/{id}/credits", s.handleAdjustCredits)
				if s.cfg.Events != nil {
					admin.Get("/events", s.handleEvents)
				}
			})
		})
	})
	return r
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go s.pruneLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
	}()

	s.logger.Info("api listening", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	if !s.limiter.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				s.logger.Debug("rate limiter pruned", "buckets", n)
			}
		}
	}
}
