// Package gateway exposes a change feed over HTTP. Every WebSocket connection
// on /v1/changes registers one listener on the feed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/config"
	"github.com/sjwalker189/mongodb-tools/pkg/logging"
	"github.com/sjwalker189/mongodb-tools/pkg/metrics"
)

// Feed is the part of changefeed.Manager the gateway needs.
type Feed interface {
	AddListener(l changefeed.Listener) changefeed.ListenerID
	RemoveListener(id changefeed.ListenerID)
	Stats() changefeed.Stats
}

const (
	defaultClientBuffer = 256
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Gateway serves health, status, metrics and the change stream.
type Gateway struct {
	feed      Feed
	cfg       config.GatewayConfig
	logger    *logging.ColoredLogger
	metrics   *metrics.Gateway
	gatherer  prometheus.Gatherer
	limiter   *RateLimiter
	apiKeys   map[string]struct{}
	startedAt time.Time

	server *http.Server

	// closing is closed by Shutdown so hijacked websocket loops exit.
	closing   chan struct{}
	closeOnce sync.Once
	conns     sync.WaitGroup
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics records websocket client metrics.
func WithMetrics(m *metrics.Gateway) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithGatherer serves reg on /metrics instead of the default registry.
func WithGatherer(reg prometheus.Gatherer) Option {
	return func(g *Gateway) { g.gatherer = reg }
}

// New creates a gateway over feed.
func New(feed Feed, cfg config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if feed == nil {
		return nil, fmt.Errorf("gateway: feed is required")
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultClientBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	g := &Gateway{
		feed:      feed,
		cfg:       cfg,
		logger:    logging.Wrap(nil),
		gatherer:  prometheus.DefaultGatherer,
		apiKeys:   make(map[string]struct{}, len(cfg.APIKeys)),
		startedAt: time.Now(),
		closing:   make(chan struct{}),
	}
	for _, k := range cfg.APIKeys {
		g.apiKeys[k] = struct{}{}
	}
	if cfg.ConnsPerMinute > 0 {
		burst := cfg.ConnBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = NewRateLimiter(cfg.ConnsPerMinute, burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Routes returns the http.Handler with all routes and middleware configured.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.healthHandler)
	r.Get("/v1/status", g.statusHandler)
	r.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	r.With(g.rateLimitMiddleware, g.authMiddleware).Get("/v1/changes", g.changesHandler)

	return r
}

// Start serves on the configured address until Shutdown. It returns nil after
// a clean shutdown.
func (g *Gateway) Start() error {
	g.server = &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logging.NewStandardWriter(g.logger, logging.ComponentGateway), "", 0),
	}
	if g.limiter != nil {
		g.limiter.StartCleanup(g.closing, time.Minute, 10*time.Minute)
	}

	g.logger.ComponentInfo(logging.ComponentGateway, "Gateway listening", zap.String("addr", g.cfg.ListenAddr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve gateway: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, disconnects websocket clients and waits
// for their listeners to be removed or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() { close(g.closing) })

	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
