// Package config defines the gateway configuration model and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store kinds for the shared registry store.
const (
	StoreRedis  = "redis"
	StoreConsul = "consul"
	StoreMemory = "memory"
)

// Load balancer strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyLeastConn  = "least_connections"
	StrategyRandom     = "random"
)

// Environments. Production hides internal error detail from clients.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Built-in quota class names. Routes without a rateLimitClass count
// against the default class.
const (
	QuotaClassDefault = "default"
	QuotaClassStrict  = "strict"
)

// Config is the root gateway configuration.
type Config struct {
	Environment    string               `yaml:"environment"`
	Server         ServerConfig         `yaml:"server"`
	Registry       RegistryConfig       `yaml:"registry"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck"`
	LoadBalancer   LoadBalancerConfig   `yaml:"loadBalancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Routes         []RouteConfig        `yaml:"routes"`
	Middleware     MiddlewareConfig     `yaml:"middleware"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Address           string   `yaml:"address"`
	Port              int      `yaml:"port"`
	ReadTimeout       Duration `yaml:"readTimeout"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout"`
	// WriteTimeout defaults to 0 (disabled): the gateway forwards
	// long-lived streams whose duration is bounded per route, not
	// per connection.
	WriteTimeout   Duration `yaml:"writeTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int      `yaml:"maxHeaderBytes"`
	MaxBodyBytes   int64    `yaml:"maxBodyBytes"`
}

// RegistryConfig configures the shared service registry store.
type RegistryConfig struct {
	Store      string       `yaml:"store"`
	KeyPrefix  string       `yaml:"keyPrefix"`
	CacheTTL   Duration     `yaml:"cacheTTL"`
	StaleAfter Duration     `yaml:"staleAfter"`
	Redis      RedisConfig  `yaml:"redis"`
	Consul     ConsulConfig `yaml:"consul"`
}

// RedisConfig configures the Redis store client.
type RedisConfig struct {
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	PoolSize     int      `yaml:"poolSize"`
	MinIdleConns int      `yaml:"minIdleConns"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// ConsulConfig configures the Consul KV store client.
type ConsulConfig struct {
	Address string `yaml:"address"`
	Scheme  string `yaml:"scheme"`
	Token   string `yaml:"token"`
}

// HealthCheckConfig configures the background instance prober.
type HealthCheckConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	// DownAfter is the number of consecutive failed probes before an
	// instance is marked down.
	DownAfter int `yaml:"downAfter"`
}

// LoadBalancerConfig selects the instance selection strategy.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// CircuitBreakerConfig holds per-service breaker defaults. A registered
// instance may override the threshold for its service.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	CoolDown         Duration `yaml:"coolDown"`
}

// RateLimitConfig configures the admission rate limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// IdentityHeader, when set, overrides client IP as the identity key.
	IdentityHeader string       `yaml:"identityHeader"`
	Distributed    bool         `yaml:"distributed"`
	Classes        []QuotaClass `yaml:"classes"`
	Redis          RedisConfig  `yaml:"redis"`
}

// QuotaClass is a named request quota: MaxRequests per Window.
type QuotaClass struct {
	Name        string   `yaml:"name"`
	MaxRequests int      `yaml:"maxRequests"`
	Window      Duration `yaml:"window"`
}

// ProxyConfig configures the outbound transport.
type ProxyConfig struct {
	DefaultTimeout      Duration `yaml:"defaultTimeout"`
	MaxIdleConns        int      `yaml:"maxIdleConns"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost"`
	IdleConnTimeout     Duration `yaml:"idleConnTimeout"`
}

// RouteConfig is one ordered routing rule. First match wins.
type RouteConfig struct {
	PathPattern    string         `yaml:"pathPattern"`
	TargetService  string         `yaml:"targetService"`
	Rewrite        *RewriteConfig `yaml:"rewrite"`
	Timeout        Duration       `yaml:"timeout"`
	RateLimitClass string         `yaml:"rateLimitClass"`
}

// RewriteConfig is an optional from→to path prefix transform.
type RewriteConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// MiddlewareConfig configures the edge middleware chain.
type MiddlewareConfig struct {
	CORS           CORSConfig           `yaml:"cors"`
	Spike          SpikeConfig          `yaml:"spike"`
	GatewayBreaker GatewayBreakerConfig `yaml:"gatewayBreaker"`
}

// CORSConfig configures cross-origin request handling.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           Duration `yaml:"maxAge"`
}

// SpikeConfig configures the per-client burst limiter that sits in
// front of the windowed quota limiter.
type SpikeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
	ClientTTL         Duration `yaml:"clientTTL"`
}

// GatewayBreakerConfig configures the gateway-wide admission breaker
// that trips on sustained 5xx ratios across all routes.
type GatewayBreakerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	MaxRequests  uint32   `yaml:"maxRequests"`
	Interval     Duration `yaml:"interval"`
	Timeout      Duration `yaml:"timeout"`
	FailureRatio float64  `yaml:"failureRatio"`
	MinRequests  uint32   `yaml:"minRequests"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		Environment: EnvProduction,
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       Duration(30 * time.Second),
			ReadHeaderTimeout: Duration(10 * time.Second),
			IdleTimeout:       Duration(120 * time.Second),
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      10 << 20,
		},
		Registry: RegistryConfig{
			Store:      StoreMemory,
			KeyPrefix:  "chainreactions:gateway",
			CacheTTL:   Duration(time.Second),
			StaleAfter: Duration(90 * time.Second),
			Redis: RedisConfig{
				Address:      "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				DialTimeout:  Duration(5 * time.Second),
				ReadTimeout:  Duration(3 * time.Second),
				WriteTimeout: Duration(3 * time.Second),
			},
			Consul: ConsulConfig{
				Address: "localhost:8500",
				Scheme:  "http",
			},
		},
		HealthCheck: HealthCheckConfig{
			Interval:  Duration(30 * time.Second),
			Timeout:   Duration(5 * time.Second),
			DownAfter: 3,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy: StrategyRoundRobin,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			CoolDown:         Duration(60 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Classes: []QuotaClass{
				{Name: QuotaClassDefault, MaxRequests: 1000, Window: Duration(15 * time.Minute)},
				{Name: QuotaClassStrict, MaxRequests: 5, Window: Duration(time.Hour)},
			},
		},
		Proxy: ProxyConfig{
			DefaultTimeout:      Duration(30 * time.Second),
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     Duration(90 * time.Second),
		},
		Middleware: MiddlewareConfig{
			Spike: SpikeConfig{
				RequestsPerSecond: 50,
				Burst:             100,
				ClientTTL:         Duration(3 * time.Minute),
			},
			GatewayBreaker: GatewayBreakerConfig{
				MaxRequests:  5,
				Interval:     Duration(60 * time.Second),
				Timeout:      Duration(30 * time.Second),
				FailureRatio: 0.5,
				MinRequests:  10,
			},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
			Tracing: TracingConfig{ServiceName: "chainreactions-gateway", SamplingRate: 1.0},
		},
	}
}

// Load reads, decodes and validates the configuration file at path.
// Values absent from the file keep their defaults; REDIS_PASSWORD and
// CONSUL_HTTP_TOKEN env vars override their file counterparts so
// secrets stay out of config files.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Registry.Redis.Password = v
		cfg.RateLimit.Redis.Password = v
	}
	if v := os.Getenv("CONSUL_HTTP_TOKEN"); v != "" {
		cfg.Registry.Consul.Token = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal mistakes and repairs
// out-of-range values that have safe fallbacks.
func (c *Config) Validate() error {
	if c.Environment != EnvProduction && c.Environment != EnvDevelopment {
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	switch c.Registry.Store {
	case StoreRedis, StoreConsul, StoreMemory:
	default:
		return fmt.Errorf("invalid registry store %q", c.Registry.Store)
	}

	switch c.LoadBalancer.Strategy {
	case StrategyRoundRobin, StrategyLeastConn, StrategyRandom:
	default:
		return fmt.Errorf("invalid load balancer strategy %q", c.LoadBalancer.Strategy)
	}

	if c.Registry.CacheTTL < 0 {
		c.Registry.CacheTTL = Duration(time.Second)
	}
	if c.Registry.StaleAfter <= 0 {
		c.Registry.StaleAfter = Duration(90 * time.Second)
	}
	if c.HealthCheck.Interval <= 0 {
		c.HealthCheck.Interval = Duration(30 * time.Second)
	}
	if c.HealthCheck.Timeout <= 0 {
		c.HealthCheck.Timeout = Duration(5 * time.Second)
	}
	if c.HealthCheck.DownAfter <= 0 {
		c.HealthCheck.DownAfter = 3
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.CoolDown <= 0 {
		c.CircuitBreaker.CoolDown = Duration(60 * time.Second)
	}
	if c.Proxy.DefaultTimeout <= 0 {
		c.Proxy.DefaultTimeout = Duration(30 * time.Second)
	}

	classes := make(map[string]bool, len(c.RateLimit.Classes))
	for i, qc := range c.RateLimit.Classes {
		if qc.Name == "" {
			return fmt.Errorf("rate limit class %d: name is required", i)
		}
		if classes[qc.Name] {
			return fmt.Errorf("rate limit class %q: duplicate name", qc.Name)
		}
		if qc.MaxRequests <= 0 {
			return fmt.Errorf("rate limit class %q: maxRequests must be positive", qc.Name)
		}
		if qc.Window <= 0 {
			return fmt.Errorf("rate limit class %q: window must be positive", qc.Name)
		}
		classes[qc.Name] = true
	}
	if c.RateLimit.Enabled && !classes[QuotaClassDefault] {
		return fmt.Errorf("rate limit classes must include %q", QuotaClassDefault)
	}

	for i, r := range c.Routes {
		if r.PathPattern == "" {
			return fmt.Errorf("route %d: pathPattern is required", i)
		}
		if r.PathPattern[0] != '/' {
			return fmt.Errorf("route %d: pathPattern must start with /", i)
		}
		if r.TargetService == "" {
			return fmt.Errorf("route %d: targetService is required", i)
		}
		if r.RateLimitClass != "" && !classes[r.RateLimitClass] {
			return fmt.Errorf("route %d: unknown rate limit class %q", i, r.RateLimitClass)
		}
		if r.Rewrite != nil {
			if r.Rewrite.From == "" || r.Rewrite.From[0] != '/' {
				return fmt.Errorf("route %d: rewrite.from must start with /", i)
			}
			if r.Rewrite.To != "" && r.Rewrite.To[0] != '/' {
				return fmt.Errorf("route %d: rewrite.to must start with /", i)
			}
		}
	}

	return nil
}

// QuotaClass returns the named quota class, or false when undefined.
func (c *Config) QuotaClass(name string) (QuotaClass, bool) {
	for _, qc := range c.RateLimit.Classes {
		if qc.Name == name {
			return qc, true
		}
	}
	return QuotaClass{}, false
}
