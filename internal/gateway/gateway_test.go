package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallowearthai/chainreactions-gateway/internal/balancer"
	"github.com/fallowearthai/chainreactions-gateway/internal/breaker"
	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/middleware"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit/store"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
	"github.com/fallowearthai/chainreactions-gateway/internal/router"
)

type gatewayFixture struct {
	gw       *Gateway
	cfg      *config.Config
	registry *registry.Registry
	breakers *breaker.Manager
	limiter  *ratelimit.FixedWindowLimiter
}

func gatewayConfig(t *testing.T, routes ...config.RouteConfig) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Routes = routes
	require.NoError(t, cfg.Validate())
	return cfg
}

func newGatewayFixture(t *testing.T, cfg *config.Config, opts ...Option) *gatewayFixture {
	t.Helper()

	reg := registry.New(registry.NewMemoryStore(), registry.WithCacheTTL(time.Nanosecond))
	breakers := breaker.NewManager(cfg.CircuitBreaker)
	limiter := ratelimit.NewFixedWindowLimiter(store.NewMemoryStore(), cfg.RateLimit.Classes)

	rtr, err := router.New(cfg.Routes)
	require.NoError(t, err)

	exec := proxy.NewExecutor(reg, balancer.NewRoundRobinBalancer(), breakers)
	pipe := NewPipeline([]Stage{
		RateLimitStage(limiter, cfg.RateLimit.IdentityHeader, observability.NopLogger()),
		ProxyStage(exec),
	})

	gw, err := New(cfg, rtr, pipe, append([]Option{
		WithVersion("test"),
		WithRegistry(reg),
		WithBreakers(breakers),
		WithLimiter(limiter),
	}, opts...)...)
	require.NoError(t, err)

	return &gatewayFixture{
		gw:       gw,
		cfg:      cfg,
		registry: reg,
		breakers: breakers,
		limiter:  limiter,
	}
}

func (f *gatewayFixture) registerUpstream(t *testing.T, service string, srv *httptest.Server) {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	require.NoError(t, f.registry.Register(context.Background(), &registry.ServiceInstance{
		ServiceName: service,
		Host:        u.Hostname(),
		Port:        port,
	}))
}

func (f *gatewayFixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresCoreComponents(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	rtr, err := router.New(nil)
	require.NoError(t, err)
	pipe := NewPipeline(nil)

	_, err = New(nil, rtr, pipe)
	assert.ErrorContains(t, err, "configuration")

	_, err = New(cfg, nil, pipe)
	assert.ErrorContains(t, err, "router")

	_, err = New(cfg, rtr, nil)
	assert.ErrorContains(t, err, "pipeline")
}

func TestGatewayHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t))
	require.NoError(t, f.registry.Register(context.Background(), &registry.ServiceInstance{
		ServiceName: "osint-search",
		Host:        "10.0.0.1",
		Port:        8080,
	}))

	w := f.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		State    string `json:"state"`
		Registry struct {
			Store     string `json:"store"`
			Services  int    `json:"services"`
			Instances struct {
				Healthy  int `json:"healthy"`
				Degraded int `json:"degraded"`
				Down     int `json:"down"`
			} `json:"instances"`
		} `json:"registry"`
		Breakers struct {
			Total     int `json:"total"`
			NotClosed int `json:"notClosed"`
		} `json:"breakers"`
		RateLimit struct {
			Classes int `json:"classes"`
		} `json:"rateLimit"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, "stopped", body.State)
	assert.Equal(t, "ok", body.Registry.Store)
	assert.Equal(t, 1, body.Registry.Services)
	assert.Equal(t, 1, body.Registry.Instances.Healthy)
	assert.Zero(t, body.Registry.Instances.Down)
	assert.Zero(t, body.Breakers.Total)
	assert.Equal(t, 2, body.RateLimit.Classes)
}

// unreachableStore fails pings while behaving normally otherwise.
type unreachableStore struct {
	*registry.MemoryStore
}

func (s *unreachableStore) Ping(context.Context) error {
	return errors.New("store down")
}

func TestGatewayHealthDegradedWhenStoreUnreachable(t *testing.T) {
	t.Parallel()

	rtr, err := router.New(nil)
	require.NoError(t, err)

	reg := registry.New(&unreachableStore{registry.NewMemoryStore()})
	gw, err := New(gatewayConfig(t), rtr, NewPipeline(nil), WithRegistry(reg))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status   string `json:"status"`
		Registry struct {
			Store string `json:"store"`
		} `json:"registry"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unreachable", body.Registry.Store)
}

func TestGatewayInfoEndpoint(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t, config.RouteConfig{
		PathPattern:   "/api/osint/*",
		TargetService: "osint-search",
	}))

	w := f.do(t, http.MethodGet, "/info")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Name          string        `json:"name"`
		Version       string        `json:"version"`
		Environment   string        `json:"environment"`
		LoadBalancer  string        `json:"loadBalancer"`
		RegistryStore string        `json:"registryStore"`
		Pipeline      []string      `json:"pipeline"`
		Routes        []router.Info `json:"routes"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.Equal(t, "chainreactions-gateway", body.Name)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, config.EnvProduction, body.Environment)
	assert.Equal(t, config.StrategyRoundRobin, body.LoadBalancer)
	assert.Equal(t, config.StoreMemory, body.RegistryStore)
	assert.Equal(t, []string{"rateLimit", "proxy"}, body.Pipeline)
	require.Len(t, body.Routes, 1)
	assert.Equal(t, "/api/osint/*", body.Routes[0].Pattern)
}

func TestGatewayMonitoringEndpoints(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t))

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/monitoring/registry"},
		{http.MethodPost, "/monitoring/registry"},
		{http.MethodGet, "/monitoring/breakers"},
		{http.MethodPost, "/monitoring/breakers"},
		{http.MethodGet, "/monitoring/ratelimit"},
		{http.MethodPost, "/monitoring/ratelimit"},
		{http.MethodGet, "/monitoring/routes"},
		{http.MethodPost, "/monitoring/routes"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.True(t, json.Valid(w.Body.Bytes()))
		})
	}
}

func TestGatewayMonitoringRegistryListsInstances(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t))
	for i, service := range []string{"osint-search", "osint-search", "entity-matching"} {
		require.NoError(t, f.registry.Register(context.Background(), &registry.ServiceInstance{
			ServiceName: service,
			Host:        "10.0.0.1",
			Port:        8080 + i,
		}))
	}

	w := f.do(t, http.MethodGet, "/monitoring/registry")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Services  map[string][]*registry.ServiceInstance `json:"services"`
		Instances int                                    `json:"instances"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.Equal(t, 3, body.Instances)
	assert.Len(t, body.Services["osint-search"], 2)
	assert.Len(t, body.Services["entity-matching"], 1)
}

func TestGatewayMonitoringBreakersSnapshot(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t))
	f.breakers.GetOrCreate("osint-search", 5)

	w := f.do(t, http.MethodGet, "/monitoring/breakers")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count    int                `json:"count"`
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	require.Equal(t, 1, body.Count)
	assert.Equal(t, "osint-search", body.Breakers[0].Service)
	assert.Equal(t, "closed", body.Breakers[0].State)
}

func TestGatewayMonitoringRateLimitReportsClasses(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t))

	w := f.do(t, http.MethodGet, "/monitoring/ratelimit")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Enabled bool `json:"enabled"`
		Classes []struct {
			Name        string `json:"name"`
			MaxRequests int    `json:"maxRequests"`
			Window      string `json:"window"`
		} `json:"classes"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.True(t, body.Enabled)
	require.Len(t, body.Classes, 2)
	assert.Equal(t, config.QuotaClassDefault, body.Classes[0].Name)
	assert.Equal(t, 1000, body.Classes[0].MaxRequests)
	assert.Equal(t, "15m0s", body.Classes[0].Window)
}

func TestGatewayMonitoringNotWired(t *testing.T) {
	t.Parallel()

	rtr, err := router.New(nil)
	require.NoError(t, err)
	gw, err := New(gatewayConfig(t), rtr, NewPipeline(nil))
	require.NoError(t, err)

	for _, path := range []string{"/monitoring/registry", "/monitoring/breakers", "/monitoring/ratelimit"} {
		w := httptest.NewRecorder()
		gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotImplemented, w.Code, path)
	}

	// Health still answers without the diagnostic surfaces.
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGatewayUnknownPathReturnsEnvelope(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t, config.RouteConfig{
		PathPattern:   "/api/osint/*",
		TargetService: "osint-search",
	}))

	w := f.do(t, http.MethodGet, "/api/unknown/thing")
	require.Equal(t, http.StatusNotFound, w.Code)

	var env proxy.Envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, proxy.ReasonNoRoute, env.Reason)
	assert.Equal(t, "/api/unknown/thing", env.Path)
	assert.Equal(t, http.MethodGet, env.Method)
}

func TestGatewayProxiesThroughPipeline(t *testing.T) {
	t.Parallel()

	upstream := echoUpstream(t)

	f := newGatewayFixture(t, gatewayConfig(t, config.RouteConfig{
		PathPattern:   "/api/osint/*",
		TargetService: "osint-search",
	}))
	f.registerUpstream(t, "osint-search", upstream)

	w := f.do(t, http.MethodGet, "/api/osint/search")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"path":"/api/osint/search"}`, w.Body.String())
	assert.Equal(t, "osint-search", w.Header().Get("X-Gateway-Service"))
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "999", w.Header().Get("X-RateLimit-Remaining"))
}

func TestGatewayEnforcesStrictQuota(t *testing.T) {
	t.Parallel()

	upstream := echoUpstream(t)

	cfg := config.Default()
	cfg.RateLimit.Classes = []config.QuotaClass{
		{Name: config.QuotaClassDefault, MaxRequests: 1000, Window: config.Duration(time.Minute)},
		{Name: config.QuotaClassStrict, MaxRequests: 2, Window: config.Duration(time.Hour)},
	}
	cfg.Routes = []config.RouteConfig{{
		PathPattern:    "/api/osint/deep-test",
		TargetService:  "osint-search",
		RateLimitClass: config.QuotaClassStrict,
	}}
	require.NoError(t, cfg.Validate())

	f := newGatewayFixture(t, cfg)
	f.registerUpstream(t, "osint-search", upstream)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/api/osint/deep-test")
		require.Equal(t, http.StatusOK, w.Code, "request %d should be admitted", i+1)
	}

	w := f.do(t, http.MethodGet, "/api/osint/deep-test")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var env proxy.Envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.Equal(t, proxy.ReasonRateLimited, env.Reason)
	assert.Contains(t, env.Message, config.QuotaClassStrict)
}

func TestGatewayReloadSwapsRoutesAndClasses(t *testing.T) {
	t.Parallel()

	upstream := echoUpstream(t)

	f := newGatewayFixture(t, gatewayConfig(t, config.RouteConfig{
		PathPattern:   "/api/osint/*",
		TargetService: "osint-search",
	}))
	f.registerUpstream(t, "entity-matching", upstream)

	next := config.Default()
	next.RateLimit.Classes = []config.QuotaClass{
		{Name: config.QuotaClassDefault, MaxRequests: 1000, Window: config.Duration(15 * time.Minute)},
		{Name: config.QuotaClassStrict, MaxRequests: 9, Window: config.Duration(time.Hour)},
	}
	next.Routes = []config.RouteConfig{{
		PathPattern:   "/api/entities/*",
		TargetService: "entity-matching",
	}}
	require.NoError(t, f.gw.Reload(next))

	// The old route is gone, the new one proxies.
	w := f.do(t, http.MethodGet, "/api/osint/search")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/entities/match")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "entity-matching", w.Header().Get("X-Gateway-Service"))

	// Quota classes were swapped in place.
	var found bool
	for _, qc := range f.limiter.Classes() {
		if qc.Name == config.QuotaClassStrict {
			found = true
			assert.Equal(t, 9, qc.MaxRequests)
		}
	}
	assert.True(t, found)
}

func TestGatewayReloadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t, config.RouteConfig{
		PathPattern:   "/api/osint/*",
		TargetService: "osint-search",
	}))

	bad := config.Default()
	bad.Environment = "staging"

	err := f.gw.Reload(bad)
	require.ErrorContains(t, err, "invalid configuration")

	// The route table is untouched.
	assert.Equal(t, 1, f.gw.router.Len())
}

func TestGatewayEdgeMiddlewareWrapsEverything(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, gatewayConfig(t), WithEdgeMiddleware(middleware.RequestID()))

	w := f.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestGatewayStartStop(t *testing.T) {
	t.Parallel()

	cfg := gatewayConfig(t)
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 0

	f := newGatewayFixture(t, cfg)
	g := f.gw

	assert.Equal(t, StateStopped, g.State())
	assert.False(t, g.IsRunning())
	assert.Zero(t, g.Uptime())

	require.NoError(t, g.Start(context.Background()))
	assert.True(t, g.IsRunning())
	assert.Equal(t, StateRunning, g.State())

	// A second start on a running gateway is refused.
	assert.Error(t, g.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Stop(ctx))
	assert.False(t, g.IsRunning())
	assert.Equal(t, StateStopped, g.State())

	assert.ErrorContains(t, g.Stop(ctx), "not running")
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    State
		expected string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}
