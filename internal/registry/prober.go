package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
)

// Probe default configuration constants.
const (
	// DefaultProbeTimeout is the default timeout for one probe request.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultProbeInterval is the default interval between sweeps.
	DefaultProbeInterval = 30 * time.Second

	// DefaultStaleAfter is how long an instance may go without a
	// successful probe before the sweep removes it.
	DefaultStaleAfter = 90 * time.Second
)

// ProberOption is a functional option for configuring the prober.
type ProberOption func(*Prober)

// WithProberLogger sets the logger for the prober.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProberClient sets the HTTP client used for probe requests.
func WithProberClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		if client != nil {
			p.client = client
		}
	}
}

// WithProberMetrics attaches gateway metrics so registry size per
// status is exported after each sweep.
func WithProberMetrics(m *observability.Metrics) ProberOption {
	return func(p *Prober) {
		p.metrics = m
	}
}

// WithStaleAfter sets the staleness horizon for the sweep.
func WithStaleAfter(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

// Prober periodically probes every registered instance and feeds the
// observations back into the registry. It runs independently of the
// request path: a slow or failing probe never delays a proxied request,
// and probe errors are logged rather than escalated.
//
// Because the registry is shared, several gateway replicas may probe
// the same instances. Observations are idempotent per sweep, so
// concurrent probers only shorten detection time.
type Prober struct {
	registry   *Registry
	client     *http.Client
	logger     observability.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// NewProber creates a prober over the given registry.
func NewProber(reg *Registry, cfg config.HealthCheckConfig, opts ...ProberOption) *Prober {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	p := &Prober{
		registry:   reg,
		client:     &http.Client{Timeout: timeout},
		logger:     observability.NopLogger(),
		interval:   interval,
		staleAfter: DefaultStaleAfter,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start starts the probe loop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stoppedCh
}

// IsRunning returns true if the probe loop is active.
func (p *Prober) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// run is the main probe loop.
func (p *Prober) run(ctx context.Context) {
	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run an initial sweep so a fresh gateway converges without
	// waiting a full interval.
	p.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes every registered instance once and removes instances
// whose last successful probe is older than the staleness horizon.
func (p *Prober) sweep(ctx context.Context) {
	services, err := p.registry.Services(ctx)
	if err != nil {
		p.logger.Warn("probe sweep skipped, store unreachable", observability.Error(err))
		return
	}

	for _, service := range services {
		instances, err := p.registry.ListAllInstances(ctx, service)
		if err != nil {
			p.logger.Warn("probe sweep skipped for service",
				observability.String("service", service),
				observability.Error(err),
			)
			continue
		}

		var wg sync.WaitGroup
		for _, inst := range instances {
			if p.sweepStale(ctx, inst) {
				continue
			}
			wg.Add(1)
			go func(inst *ServiceInstance) {
				defer wg.Done()
				p.probe(ctx, inst)
			}(inst)
		}
		wg.Wait()

		p.exportRegistrySize(ctx, service)
	}
}

// sweepStale removes an instance that has had no successful probe
// inside the staleness horizon. Returns true when the instance was
// removed.
func (p *Prober) sweepStale(ctx context.Context, inst *ServiceInstance) bool {
	last := inst.LastSuccessfulCheck
	if last.IsZero() {
		last = inst.RegisteredAt
	}
	if last.IsZero() || time.Since(last) <= p.staleAfter {
		return false
	}

	if err := p.registry.Deregister(ctx, inst.ServiceName, inst.Host, inst.Port); err != nil {
		p.logger.Warn("failed to remove stale instance",
			observability.String("service", inst.ServiceName),
			observability.String("instance", inst.Key()),
			observability.Error(err),
		)
		return false
	}

	p.logger.Warn("removed stale instance",
		observability.String("service", inst.ServiceName),
		observability.String("instance", inst.Key()),
		observability.Duration("sinceLastSuccess", time.Since(last)),
	)
	return true
}

// probe performs one health check request against an instance.
func (p *Prober) probe(ctx context.Context, inst *ServiceInstance) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.HealthCheckURL(), http.NoBody)
	if err != nil {
		p.record(ctx, inst, false)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed",
			observability.String("service", inst.ServiceName),
			observability.String("instance", inst.Key()),
			observability.Error(err),
		)
		p.record(ctx, inst, false)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	if !healthy {
		p.logger.Debug("probe returned non-2xx",
			observability.String("service", inst.ServiceName),
			observability.String("instance", inst.Key()),
			observability.Int("status", resp.StatusCode),
		)
	}
	p.record(ctx, inst, healthy)
}

// record feeds one observation into the registry.
func (p *Prober) record(ctx context.Context, inst *ServiceInstance, healthy bool) {
	err := p.registry.RecordHealthCheck(ctx, inst.ServiceName, inst.Host, inst.Port, healthy)
	if err == nil {
		return
	}
	if errors.Is(err, ErrInstanceNotFound) {
		// Deregistered while the probe was in flight.
		return
	}
	p.logger.Warn("failed to record probe result",
		observability.String("service", inst.ServiceName),
		observability.String("instance", inst.Key()),
		observability.Error(err),
	)
}

// exportRegistrySize publishes per-status instance counts.
func (p *Prober) exportRegistrySize(ctx context.Context, service string) {
	if p.metrics == nil {
		return
	}

	instances, err := p.registry.ListAllInstances(ctx, service)
	if err != nil {
		return
	}

	counts := map[Status]int{StatusHealthy: 0, StatusDegraded: 0, StatusDown: 0}
	for _, inst := range instances {
		counts[inst.Status]++
	}
	for status, n := range counts {
		p.metrics.SetRegistrySize(service, string(status), n)
	}
}
