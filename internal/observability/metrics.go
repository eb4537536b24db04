package observability

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not match
// any configured route, keeping the route label bounded.
const unmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	responseSize     *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
	upstreamDuration *prometheus.HistogramVec
	instanceHealth   *prometheus.GaugeVec
	registrySize     *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec
	admissionTotal   *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	buildInfo        *prometheus.GaugeVec
	startTime        prometheus.Gauge
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status"},
	)

	m.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "route"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	m.upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration in seconds by target service",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "status"},
	)

	m.instanceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_health",
			Help:      "Registered instance health (1=healthy, 0=not healthy)",
		},
		[]string{"service", "instance"},
	)

	m.registrySize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_instances",
			Help:      "Number of registered instances per service and status",
		},
		[]string{"service", "status"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	m.admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected before reaching a backend, by reason",
		},
		[]string{"reason"},
	)

	m.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter, by quota class",
		},
		[]string{"class"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.responseSize,
		m.activeRequests,
		m.upstreamDuration,
		m.instanceHealth,
		m.registrySize,
		m.breakerState,
		m.admissionTotal,
		m.rateLimited,
		m.buildInfo,
		m.startTime,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed HTTP request. The route parameter
// must be the matched route pattern, not the raw path, to keep the
// label cardinality bounded.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration, respSize int64) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, s).Inc()
	m.requestDuration.WithLabelValues(method, route, s).Observe(duration.Seconds())
	m.responseSize.WithLabelValues(method, route).Observe(float64(respSize))
}

// RecordUpstream records the outcome of one upstream call.
func (m *Metrics) RecordUpstream(service string, status int, duration time.Duration) {
	m.upstreamDuration.WithLabelValues(service, strconv.Itoa(status)).Observe(duration.Seconds())
}

// SetInstanceHealth sets the health gauge for one registered instance.
func (m *Metrics) SetInstanceHealth(service, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.instanceHealth.WithLabelValues(service, instance).Set(v)
}

// RemoveInstanceHealth drops the gauge for a deregistered instance.
func (m *Metrics) RemoveInstanceHealth(service, instance string) {
	m.instanceHealth.DeleteLabelValues(service, instance)
}

// SetRegistrySize sets the per-service instance count for one status.
func (m *Metrics) SetRegistrySize(service, status string, n int) {
	m.registrySize.WithLabelValues(service, status).Set(float64(n))
}

// SetBreakerState sets the circuit breaker state gauge for a service.
func (m *Metrics) SetBreakerState(service string, state int) {
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordAdmissionRejection counts a request refused before any backend work.
func (m *Metrics) RecordAdmissionRejection(reason string) {
	m.admissionTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a rate limiter rejection for a quota class.
func (m *Metrics) RecordRateLimited(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegisterCollector registers an additional collector with the
// registry backing the /metrics endpoint, panicking on conflict.
func (m *Metrics) MustRegisterCollector(c prometheus.Collector) {
	m.registry.MustRegister(c)
}

// MetricsMiddleware returns a middleware that records request metrics.
// The route label is read from the request context after the handler
// runs; the gateway stores the matched pattern there via a pointer so
// the value survives the handler's own context derivations.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

			r = r.WithContext(ContextWithRouteRef(r.Context(), new(string)))

			metrics.activeRequests.Inc()
			next.ServeHTTP(rw, r)
			metrics.activeRequests.Dec()

			route := RouteFromContext(r.Context())
			if route == "" {
				route = unmatchedRoute
			}
			metrics.RecordRequest(r.Method, route, rw.status, time.Since(start), int64(rw.size))
		})
	}
}

type routeRefContextKey struct{}

// ContextWithRouteRef stores a mutable route slot in the context.
func ContextWithRouteRef(ctx context.Context, ref *string) context.Context {
	return context.WithValue(ctx, routeRefContextKey{}, ref)
}

// SetContextRoute writes the matched route pattern into the slot stored
// by ContextWithRouteRef, if present.
func SetContextRoute(ctx context.Context, route string) {
	if ref, ok := ctx.Value(routeRefContextKey{}).(*string); ok {
		*ref = route
	}
}

// RouteFromContext returns the matched route pattern, or "" when no
// slot is installed or no route has matched yet.
func RouteFromContext(ctx context.Context) string {
	if ref, ok := ctx.Value(routeRefContextKey{}).(*string); ok {
		return *ref
	}
	return ""
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and size.
type metricsResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
