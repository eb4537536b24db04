// Package proxy executes routed requests against backend instances:
// breaker gate, instance selection, the outbound call under a deadline,
// response streaming, and outcome reporting.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/balancer"
	"github.com/fallowearthai/chainreactions-gateway/internal/breaker"
	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
	"github.com/fallowearthai/chainreactions-gateway/internal/router"
)

const (
	// DefaultUpstreamTimeout applies when neither the route nor the
	// instance carries a deadline.
	DefaultUpstreamTimeout = 30 * time.Second

	// defaultRetryHint is the Retry-After sent with "no healthy
	// instances" rejections; one probe interval is the soonest an
	// instance can come back.
	defaultRetryHint = 30 * time.Second

	streamBufferSize = 32 * 1024
)

// Executor performs the proxy call for a matched route.
type Executor struct {
	registry  *registry.Registry
	balancer  balancer.Balancer
	breakers  *breaker.Manager
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *observability.Metrics

	defaultTimeout time.Duration
	retryHint      time.Duration
	production     bool
}

// ExecutorOption is a functional option for configuring the executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger observability.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(metrics *observability.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// WithExecutorTransport sets the outbound round tripper.
func WithExecutorTransport(transport http.RoundTripper) ExecutorOption {
	return func(e *Executor) {
		e.transport = transport
	}
}

// WithDefaultTimeout sets the fallback upstream deadline.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithRetryHint sets the Retry-After hint for "no healthy instances"
// rejections, normally the health probe interval.
func WithRetryHint(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.retryHint = d
		}
	}
}

// WithProductionMode hides upstream and internal error detail from
// clients.
func WithProductionMode(production bool) ExecutorOption {
	return func(e *Executor) {
		e.production = production
	}
}

// NewExecutor creates an executor over the given registry, balancer,
// and breaker manager.
func NewExecutor(reg *registry.Registry, bal balancer.Balancer, breakers *breaker.Manager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       reg,
		balancer:       bal,
		breakers:       breakers,
		transport:      http.DefaultTransport,
		logger:         observability.NopLogger(),
		defaultTimeout: DefaultUpstreamTimeout,
		retryHint:      defaultRetryHint,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// NewTransport builds the outbound transport from config, starting from
// the default transport's dialer and TLS settings.
func NewTransport(cfg config.ProxyConfig) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout.Duration() > 0 {
		t.IdleConnTimeout = cfg.IdleConnTimeout.Duration()
	}

	return t
}

// Execute proxies the request to an instance of the route's target
// service. The request path must already have matched the route.
func (e *Executor) Execute(w http.ResponseWriter, r *http.Request, rt *router.Route) {
	start := time.Now()
	service := rt.Service

	br := e.breakers.Get(service)
	isTrial := false
	if br != nil {
		if !br.Allow() {
			e.rejectCircuitOpen(w, r, service, br)
			return
		}
		// Allow admitted us; if the breaker now sits in half-open we
		// hold its single trial slot until an outcome is reported.
		isTrial = br.State() == breaker.StateHalfOpen
	}

	outcomeReported := false
	defer func() {
		if br != nil && !outcomeReported {
			br.CancelTrial()
		}
	}()

	instances, err := e.registry.ListInstances(r.Context(), service)
	if err != nil {
		e.logger.Error("registry lookup failed",
			observability.String("service", service),
			observability.Error(err),
		)
		e.writeInternal(w, r, err)
		return
	}
	if len(instances) == 0 {
		e.rejectNoHealthyInstances(w, r, service)
		return
	}

	inst := e.balancer.Pick(service, instances)
	if inst == nil {
		e.rejectNoHealthyInstances(w, r, service)
		return
	}

	if br == nil {
		br = e.breakers.GetOrCreate(service, inst.CircuitBreakerThreshold)
	}

	if isWebSocketUpgrade(r) {
		defer e.balancer.Release(service, inst)
		e.serveWebSocket(w, r, rt, service, inst, br)
		outcomeReported = true
		return
	}

	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = inst.Timeout()
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	requestID := observability.RequestIDFromContext(r.Context())

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		resp, err = e.dispatch(ctx, r, rt, inst, requestID)
		if err == nil {
			break
		}

		if errors.Is(r.Context().Err(), context.Canceled) {
			e.balancer.Release(service, inst)
			e.logger.Debug("client disconnected before upstream response",
				observability.String("service", service),
				observability.String("path", r.URL.Path),
			)
			return
		}

		br.RecordFailure()
		outcomeReported = true
		e.balancer.Release(service, inst)

		if deadlineExceeded(ctx, err) {
			e.recordUpstream(service, http.StatusGatewayTimeout, time.Since(start))
			e.logger.Warn("upstream deadline exceeded",
				observability.String("service", service),
				observability.String("instance", inst.Key()),
				observability.Duration("timeout", timeout),
			)
			WriteError(w, r, http.StatusGatewayTimeout, ReasonUpstreamTimeout,
				"upstream did not respond within the deadline", 0)
			return
		}

		if attempt == 0 && !isTrial && canRetry(r, inst) {
			if next := e.balancer.Pick(service, instances); next != nil {
				e.logger.Warn("upstream connection failed, retrying",
					observability.String("service", service),
					observability.String("instance", inst.Key()),
					observability.Error(err),
				)
				inst = next
				continue
			}
		}

		e.recordUpstream(service, http.StatusBadGateway, time.Since(start))
		e.logger.Warn("upstream request failed",
			observability.String("service", service),
			observability.String("instance", inst.Key()),
			observability.Error(err),
		)
		WriteError(w, r, http.StatusBadGateway, ReasonUpstreamUnavailable,
			e.upstreamMessage(err), 0)
		return
	}
	defer resp.Body.Close()
	defer e.balancer.Release(service, inst)

	// 4xx is the upstream answering as designed; only 5xx counts
	// against the breaker.
	if resp.StatusCode >= http.StatusInternalServerError {
		br.RecordFailure()
	} else {
		br.RecordSuccess()
	}
	outcomeReported = true

	duration := time.Since(start)
	e.recordUpstream(service, resp.StatusCode, duration)

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Gateway-Service", service)
	w.Header().Set("X-Gateway-Instance", inst.Key())
	w.Header().Set("X-Gateway-Duration", fmt.Sprintf("%dms", duration.Milliseconds()))
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(resp.StatusCode)

	if shouldStream(resp) {
		e.stream(w, resp.Body)
	} else if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug("response copy interrupted",
			observability.String("service", service),
			observability.Error(err),
		)
	}
}

// dispatch builds and performs one outbound attempt.
func (e *Executor) dispatch(ctx context.Context, r *http.Request, rt *router.Route, inst *registry.ServiceInstance, requestID string) (*http.Response, error) {
	target := inst.BaseURL() + rt.Rewrite(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.ContentLength = r.ContentLength
	copyInboundHeaders(out, r, requestID)

	e.logger.Debug("dispatching upstream request",
		observability.String("service", inst.ServiceName),
		observability.String("instance", inst.Key()),
		observability.String("method", r.Method),
		observability.String("target", target),
	)

	return e.transport.RoundTrip(out)
}

// stream pipes the body to the client chunk by chunk, flushing after
// every write so the first byte reaches the client before the upstream
// finishes.
func (e *Executor) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufferSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				e.logger.Debug("upstream stream ended", observability.Error(readErr))
			}
			return
		}
	}
}

func (e *Executor) rejectCircuitOpen(w http.ResponseWriter, r *http.Request, service string, br *breaker.Breaker) {
	if e.metrics != nil {
		e.metrics.RecordAdmissionRejection("circuitOpen")
	}
	e.logger.Debug("circuit open, rejecting request",
		observability.String("service", service),
		observability.String("path", r.URL.Path),
	)
	WriteError(w, r, http.StatusServiceUnavailable, ReasonCircuitOpen,
		"circuit breaker is open for "+service, retryAfterSeconds(br.RetryAfter()))
}

func (e *Executor) rejectNoHealthyInstances(w http.ResponseWriter, r *http.Request, service string) {
	if e.metrics != nil {
		e.metrics.RecordAdmissionRejection("noHealthyInstances")
	}
	e.logger.Warn("no healthy instances",
		observability.String("service", service),
		observability.String("path", r.URL.Path),
	)
	WriteError(w, r, http.StatusServiceUnavailable, ReasonNoHealthyInstances,
		"no healthy instances for "+service, retryAfterSeconds(e.retryHint))
}

func (e *Executor) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	msg := "internal gateway error"
	if !e.production {
		msg = err.Error()
	}
	WriteError(w, r, http.StatusInternalServerError, ReasonInternal, msg, 0)
}

func (e *Executor) upstreamMessage(err error) string {
	if e.production {
		return "upstream request failed"
	}
	return err.Error()
}

func (e *Executor) recordUpstream(service string, status int, duration time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordUpstream(service, status, duration)
	}
}

// canRetry reports whether a failed attempt may be re-dispatched:
// idempotent method, no request body to replay, and an instance policy
// that allows it. Connection-class failures only; deadline expiry and
// client cancellation are handled before this check.
func canRetry(r *http.Request, inst *registry.ServiceInstance) bool {
	if inst.MaxRetries <= 0 {
		return false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return r.ContentLength == 0
}

// deadlineExceeded distinguishes deadline expiry from other dispatch
// failures.
func deadlineExceeded(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// shouldStream reports whether the response must be piped incrementally:
// event streams, binary payloads, and bodies of unknown length.
func shouldStream(resp *http.Response) bool {
	if resp.ContentLength < 0 {
		return true
	}

	mediaType := resp.Header.Get("Content-Type")
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch {
	case mediaType == "text/event-stream":
		return true
	case mediaType == "application/octet-stream":
		return true
	case strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"):
		return true
	}
	return false
}
