// Package server is the HTTP surface of payrecon: the processor webhook,
// the admin API, health and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/metrics"
	"github.com/roach88/payrecon/internal/resolver"
	"github.com/roach88/payrecon/internal/store"
)

const (
	// DefaultMaxBodyBytes caps webhook bodies when Options leaves it unset.
	DefaultMaxBodyBytes = 64 << 10
	// DefaultWebhookWorkers bounds background webhook processing when
	// Options leaves it unset.
	DefaultWebhookWorkers = 8
)

// Reconciler is the engine surface the gateway calls.
// Implemented by *engine.Engine.
type Reconciler interface {
	Accept(ctx context.Context, in engine.Inbound) (engine.Result, error)
	Process(ctx context.Context, eventID string) (engine.Result, error)
	Redrive(ctx context.Context, eventID string) (engine.Result, error)
}

// Options configures the gateway.
type Options struct {
	MaxBodyBytes int64
	// WebhookSecret enables X-Signature verification when non-empty.
	WebhookSecret string
	// AdminToken protects /admin with a bearer token when non-empty.
	AdminToken string
	// WebhookWorkers caps events processed in the background at once.
	// Events that find no free worker are left to the recovery sweep.
	WebhookWorkers int
}

// Server routes HTTP requests to the engine and the store.
type Server struct {
	engine   Reconciler
	repo     store.Repository
	fetcher  engine.Fetcher
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
	router   *gin.Engine
	work     errgroup.Group
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves /metrics and records request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New builds the router. fetcher serves the diagnostic lookup.
func New(eng Reconciler, repo store.Repository, fetcher engine.Fetcher, res *resolver.Resolver, opts Options, options ...Option) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.WebhookWorkers <= 0 {
		opts.WebhookWorkers = DefaultWebhookWorkers
	}
	s := &Server{
		engine:   eng,
		repo:     repo,
		fetcher:  fetcher,
		resolver: res,
		opts:     opts,
		logger:   slog.Default(),
	}
	for _, o := range options {
		o(s)
	}
	s.work.SetLimit(opts.WebhookWorkers)

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	router.POST("/webhooks/payments", s.handleWebhook)
	router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	admin := router.Group("/admin", s.requireAdmin())
	{
		admin.GET("/events", s.handleListEvents)
		admin.POST("/events/:id/redrive", s.handleRedrive)
		admin.GET("/orders/:ref", s.handleGetOrder)
		admin.GET("/payments/:id", s.handleLookup)
	}

	s.router = router
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Drain waits for background webhook processing to finish. Call it once
// the HTTP server has stopped accepting requests.
func (s *Server) Drain() {
	_ = s.work.Wait()
}

// requestLog logs each request through slog and records request metrics.
// Bodies and query strings are never logged.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		s.metrics.ObserveHTTP(route, c.Request.Method, status, elapsed)

		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method, "route", route, "status", status, "elapsed", elapsed)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// eventView is the JSON shape of an event in admin responses.
type eventView struct {
	domain.PaymentEvent
	Failed bool `json:"failed"`
}

func viewOf(e domain.PaymentEvent) eventView {
	return eventView{
		PaymentEvent: e,
		Failed:       e.Outcome == domain.OutcomeRejected && e.NextRetryAt == nil,
	}
}
