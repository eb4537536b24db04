// Package gateway hosts the inbound listener: local diagnostic
// endpoints, the admission pipeline, and the proxy hand-off.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fallowearthai/chainreactions-gateway/internal/breaker"
	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/middleware"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
	"github.com/fallowearthai/chainreactions-gateway/internal/router"
)

// State represents the gateway lifecycle state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// gin is process-global; release mode is set once no matter how many
// gateways a test binary constructs.
var ginModeOnce sync.Once

// Gateway owns the inbound HTTP listener and the request path behind it.
type Gateway struct {
	cfg      *config.Config
	logger   observability.Logger
	engine   *gin.Engine
	server   *http.Server
	router   *router.Router
	pipeline *Pipeline

	// Diagnostic surfaces for /health and /monitoring. Optional; the
	// handlers omit sections whose source is absent.
	registry *registry.Registry
	breakers *breaker.Manager
	limiter  ratelimit.Limiter

	edge []middleware.Middleware

	version         string
	shutdownTimeout time.Duration
	state           atomic.Int32
	startTime       time.Time
	mu              sync.RWMutex
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithEdgeMiddleware sets the outer middleware chain wrapped around the
// engine; the first listed middleware is the outermost.
func WithEdgeMiddleware(mws ...middleware.Middleware) Option {
	return func(g *Gateway) {
		g.edge = mws
	}
}

// WithVersion sets the version string reported by local endpoints.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// WithRegistry attaches the registry for /health and /monitoring.
func WithRegistry(reg *registry.Registry) Option {
	return func(g *Gateway) {
		g.registry = reg
	}
}

// WithBreakers attaches the breaker manager for /health and /monitoring.
func WithBreakers(m *breaker.Manager) Option {
	return func(g *Gateway) {
		g.breakers = m
	}
}

// WithLimiter attaches the rate limiter for /health and /monitoring.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// New creates a gateway serving the given route table through the
// admission pipeline.
func New(cfg *config.Config, rt *router.Router, pipe *Pipeline, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("router is required")
	}
	if pipe == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	g := &Gateway{
		cfg:             cfg,
		logger:          observability.NopLogger(),
		router:          rt,
		pipeline:        pipe,
		version:         "dev",
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.state.Store(int32(StateStopped))

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	g.engine = gin.New()
	g.setupRoutes()

	return g, nil
}

// Handler returns the full inbound handler: edge middleware wrapped
// around the engine. Exposed so tests can drive the gateway without a
// live listener.
func (g *Gateway) Handler() http.Handler {
	return middleware.Chain(g.engine, g.edge...)
}

// Start binds the listener and begins serving.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	addr := g.address()
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadTimeout:       g.cfg.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: g.cfg.Server.ReadHeaderTimeout.Duration(),
		WriteTimeout:      g.cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:       g.cfg.Server.IdleTimeout.Duration(),
		MaxHeaderBytes:    g.cfg.Server.MaxHeaderBytes,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", addr),
		observability.Int("routes", g.router.Len()),
	)

	go g.serve(ln)

	return nil
}

func (g *Gateway) serve(ln net.Listener) {
	if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		g.logger.Error("gateway listener error", observability.Error(err))
		g.state.Store(int32(StateStopped))
	}
}

// Stop drains in-flight requests and stops the listener.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	err := g.server.Shutdown(ctx)
	g.state.Store(int32(StateStopped))
	if err != nil {
		if closeErr := g.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shut down gracefully: %w", err)
	}

	g.logger.Info("gateway stopped")
	return nil
}

// Reload applies a changed configuration. Routes and quota classes swap
// atomically; listener and store settings require a restart and are
// ignored here.
func (g *Gateway) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := g.router.Reload(cfg.Routes); err != nil {
		return fmt.Errorf("failed to reload routes: %w", err)
	}

	if upd, ok := g.limiter.(interface{ UpdateClasses([]config.QuotaClass) }); ok && cfg.RateLimit.Enabled {
		upd.UpdateClasses(cfg.RateLimit.Classes)
	}

	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()

	g.logger.Info("configuration reloaded",
		observability.Int("routes", g.router.Len()),
	)
	return nil
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning reports whether the gateway is serving.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns how long the gateway has been serving.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

func (g *Gateway) address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bind := g.cfg.Server.Address
	if bind == "" {
		bind = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", bind, g.cfg.Server.Port)
}

// setupRoutes registers local endpoints; everything else falls through
// to the proxy pipeline.
func (g *Gateway) setupRoutes() {
	g.engine.GET("/health", g.handleHealth)
	g.engine.GET("/info", g.handleInfo)

	monitoring := []string{http.MethodGet, http.MethodPost}
	g.engine.Match(monitoring, "/monitoring/registry", g.handleMonitoringRegistry)
	g.engine.Match(monitoring, "/monitoring/breakers", g.handleMonitoringBreakers)
	g.engine.Match(monitoring, "/monitoring/ratelimit", g.handleMonitoringRateLimit)
	g.engine.Match(monitoring, "/monitoring/routes", g.handleMonitoringRoutes)

	g.engine.NoRoute(func(c *gin.Context) {
		g.serveProxy(c.Writer, c.Request)
	})
}

// serveProxy matches the route table and runs the admission pipeline.
func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request) {
	rt := g.router.Match(r.URL.Path)
	if rt == nil {
		proxy.WriteNotFound(w, r)
		return
	}

	// Label the request with the matched pattern, not the raw path, so
	// metric cardinality stays bounded.
	observability.SetContextRoute(r.Context(), rt.Pattern)

	g.pipeline.Serve(&Flow{Writer: w, Request: r, Route: rt})
}
