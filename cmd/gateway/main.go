// Package main is the entry point for the chainreactions API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/balancer"
	"github.com/fallowearthai/chainreactions-gateway/internal/breaker"
	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/gateway"
	"github.com/fallowearthai/chainreactions-gateway/internal/health"
	"github.com/fallowearthai/chainreactions-gateway/internal/middleware"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit"
	rlstore "github.com/fallowearthai/chainreactions-gateway/internal/ratelimit/store"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
	"github.com/fallowearthai/chainreactions-gateway/internal/router"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runGateway(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format override (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("chainreactions-gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger. Flag overrides win over the file
// config, which is not loaded yet when the first lines are emitted.
func initLogger(flags cliFlags) observability.Logger {
	logCfg := observability.DefaultLogConfig()
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting chainreactions-gateway",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("environment", cfg.Environment),
		observability.String("registryStore", cfg.Registry.Store),
		observability.String("loadBalancer", cfg.LoadBalancer.Strategy),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("quotaClasses", len(cfg.RateLimit.Classes)),
	)

	return cfg
}

// application holds all long-lived components.
type application struct {
	gateway      *gateway.Gateway
	registry     *registry.Registry
	prober       *registry.Prober
	spike        *middleware.SpikeLimiter
	limiterStore rlstore.Store
	checker      *health.Checker
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	cfg          *config.Config
}

// initApplication wires the registry, balancer, breakers, limiter,
// router, and proxy into a gateway.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	metrics := observability.NewMetrics("gateway")
	metrics.SetBuildInfo(version, gitCommit, buildTime)
	tracer := initTracer(cfg, logger)

	reg := registry.New(initRegistryStore(cfg, logger),
		registry.WithLogger(logger),
		registry.WithCacheTTL(cfg.Registry.CacheTTL.Duration()),
		registry.WithDownAfter(cfg.HealthCheck.DownAfter),
		registry.WithMetrics(metrics),
	)
	prober := registry.NewProber(reg, cfg.HealthCheck,
		registry.WithProberLogger(logger),
		registry.WithProberMetrics(metrics),
		registry.WithStaleAfter(cfg.Registry.StaleAfter.Duration()),
	)

	breakers := breaker.NewManager(cfg.CircuitBreaker,
		breaker.WithManagerLogger(logger),
		breaker.WithManagerMetrics(metrics),
	)

	rtr, err := router.New(cfg.Routes)
	if err != nil {
		logger.Fatal("failed to compile routes", observability.Error(err))
	}

	executor := proxy.NewExecutor(reg, balancer.New(cfg.LoadBalancer.Strategy), breakers,
		proxy.WithExecutorLogger(logger),
		proxy.WithExecutorMetrics(metrics),
		proxy.WithExecutorTransport(proxy.NewTransport(cfg.Proxy)),
		proxy.WithDefaultTimeout(cfg.Proxy.DefaultTimeout.Duration()),
		proxy.WithProductionMode(cfg.Environment == config.EnvProduction),
	)

	stages := make([]gateway.Stage, 0, 2)
	var limiter ratelimit.Limiter
	var limiterStore rlstore.Store
	if cfg.RateLimit.Enabled {
		limiterStore = initLimiterStore(cfg, logger)
		fw := ratelimit.NewFixedWindowLimiter(limiterStore, cfg.RateLimit.Classes,
			ratelimit.WithLimiterLogger(logger),
			ratelimit.WithLimiterMetrics(metrics),
		)
		limiter = fw
		stages = append(stages, gateway.RateLimitStage(fw, cfg.RateLimit.IdentityHeader, logger))
	}
	stages = append(stages, gateway.ProxyStage(executor))
	pipe := gateway.NewPipeline(stages, gateway.WithPipelineLogger(logger))

	var spike *middleware.SpikeLimiter
	if cfg.Middleware.Spike.Enabled {
		spike = middleware.NewSpikeLimiter(cfg.Middleware.Spike, middleware.WithSpikeLogger(logger))
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithVersion(version),
		gateway.WithShutdownTimeout(30 * time.Second),
		gateway.WithEdgeMiddleware(buildEdgeChain(cfg, logger, metrics, tracer, spike)...),
		gateway.WithRegistry(reg),
		gateway.WithBreakers(breakers),
	}
	if limiter != nil {
		gwOpts = append(gwOpts, gateway.WithLimiter(limiter))
	}

	gw, err := gateway.New(cfg, rtr, pipe, gwOpts...)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	checker := health.NewChecker(health.WithCheckerLogger(logger))
	checker.AddCheck("registryStore", reg.Ping)
	checker.AddCheck("gateway", func(context.Context) error {
		if !gw.IsRunning() {
			return fmt.Errorf("gateway is %s", gw.State())
		}
		return nil
	})

	return &application{
		gateway:      gw,
		registry:     reg,
		prober:       prober,
		spike:        spike,
		limiterStore: limiterStore,
		checker:      checker,
		metrics:      metrics,
		tracer:       tracer,
		cfg:          cfg,
	}
}

// initRegistryStore creates the instance store named by the config.
func initRegistryStore(cfg *config.Config, logger observability.Logger) registry.Store {
	switch cfg.Registry.Store {
	case config.StoreRedis:
		s, err := registry.NewRedisStore(&registry.RedisOptions{
			Address:      cfg.Registry.Redis.Address,
			Password:     cfg.Registry.Redis.Password,
			DB:           cfg.Registry.Redis.DB,
			KeyPrefix:    cfg.Registry.KeyPrefix,
			PoolSize:     cfg.Registry.Redis.PoolSize,
			MinIdleConns: cfg.Registry.Redis.MinIdleConns,
			DialTimeout:  cfg.Registry.Redis.DialTimeout.Duration(),
			ReadTimeout:  cfg.Registry.Redis.ReadTimeout.Duration(),
			WriteTimeout: cfg.Registry.Redis.WriteTimeout.Duration(),
			Logger:       logger.Zap(),
		})
		if err != nil {
			logger.Fatal("failed to connect to redis registry store", observability.Error(err))
		}
		return s
	case config.StoreConsul:
		s, err := registry.NewConsulStore(&registry.ConsulOptions{
			Address:   cfg.Registry.Consul.Address,
			Scheme:    cfg.Registry.Consul.Scheme,
			Token:     cfg.Registry.Consul.Token,
			KeyPrefix: cfg.Registry.KeyPrefix,
			Logger:    logger.Zap(),
		})
		if err != nil {
			logger.Fatal("failed to connect to consul registry store", observability.Error(err))
		}
		return s
	default:
		return registry.NewMemoryStore()
	}
}

// initLimiterStore creates the rate limit counter store. Distributed
// mode shares windows across gateway replicas through Redis.
func initLimiterStore(cfg *config.Config, logger observability.Logger) rlstore.Store {
	if !cfg.RateLimit.Distributed {
		return rlstore.NewMemoryStore()
	}

	s, err := rlstore.NewRedisStore(&rlstore.RedisOptions{
		Address:      cfg.RateLimit.Redis.Address,
		Password:     cfg.RateLimit.Redis.Password,
		DB:           cfg.RateLimit.Redis.DB,
		KeyPrefix:    cfg.Registry.KeyPrefix + ":ratelimit",
		PoolSize:     cfg.RateLimit.Redis.PoolSize,
		MinIdleConns: cfg.RateLimit.Redis.MinIdleConns,
		DialTimeout:  cfg.RateLimit.Redis.DialTimeout.Duration(),
		ReadTimeout:  cfg.RateLimit.Redis.ReadTimeout.Duration(),
		WriteTimeout: cfg.RateLimit.Redis.WriteTimeout.Duration(),
		Logger:       logger.Zap(),
	})
	if err != nil {
		logger.Fatal("failed to connect to redis rate limit store", observability.Error(err))
	}
	return s
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracerCfg := observability.TracerConfig{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	}
	if tracerCfg.ServiceName == "" {
		tracerCfg.ServiceName = "chainreactions-gateway"
	}

	tracer, err := observability.NewTracer(tracerCfg)
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

// buildEdgeChain assembles the middleware wrapped around the whole
// listener, local endpoints included. The first entry is the outermost.
func buildEdgeChain(
	cfg *config.Config,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	spike *middleware.SpikeLimiter,
) []middleware.Middleware {
	chain := []middleware.Middleware{
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
		observability.TracingMiddleware(tracer),
		observability.MetricsMiddleware(metrics),
	}

	if cfg.Middleware.CORS.Enabled {
		chain = append(chain, middleware.CORS(cfg.Middleware.CORS))
	}

	chain = append(chain, middleware.BodyLimit(cfg.Server.MaxBodyBytes, logger))
	chain = append(chain, middleware.GatewayBreakerFromConfig(cfg.Middleware.GatewayBreaker, logger,
		middleware.WithGatewayBreakerStateFunc(metrics.SetBreakerState)))

	if spike != nil {
		chain = append(chain, middleware.Spike(spike))
	}

	return chain
}

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	app.prober.Start(ctx)

	if err := app.gateway.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	startMetricsServerIfEnabled(app, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startMetricsServerIfEnabled starts the metrics listener if enabled.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) {
	metricsCfg := app.cfg.Observability.Metrics
	if !metricsCfg.Enabled {
		return
	}

	path := metricsCfg.Path
	if path == "" {
		path = "/metrics"
	}
	port := metricsCfg.Port
	if port == 0 {
		port = 9090
	}

	go startMetricsServer(port, path, app, logger)
}

// startMetricsServer serves Prometheus metrics and the orchestrator
// probes on a listener separate from proxy traffic.
func startMetricsServer(port int, path string, app *application, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, app.metrics.Handler())
	app.checker.Register(mux)

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metricsPath", path),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// startConfigWatcher starts the configuration watcher.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reloading")
		if reloadErr := app.gateway.Reload(newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown blocks until a signal arrives, then drains. Readiness
// flips first so load balancers stop sending traffic before the
// listener closes.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	app.checker.SetDraining(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.gateway.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	app.prober.Stop()
	if app.spike != nil {
		app.spike.Stop()
	}

	if err := app.registry.Close(); err != nil {
		logger.Error("failed to close registry store", observability.Error(err))
	}
	if app.limiterStore != nil {
		if err := app.limiterStore.Close(); err != nil {
			logger.Error("failed to close rate limit store", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("gateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
