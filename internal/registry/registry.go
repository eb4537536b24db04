package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
)

const (
	defaultCacheTTL  = time.Second
	defaultDownAfter = 3
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCacheTTL sets how long a cached service listing stays fresh.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithDownAfter sets the number of consecutive failed probes after
// which an instance is marked down.
func WithDownAfter(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.downAfter = n
		}
	}
}

// WithMetrics attaches gateway metrics so health transitions and
// registry size are exported.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry is the shared view of registered service instances. All
// gateway replicas read and write the same Store, so an instance
// registered through one replica is routable from every replica within
// one cache TTL.
//
// Reads on the request path go through a short-TTL cache keyed by
// service name. Writes invalidate the cached service so local callers
// observe their own updates immediately.
type Registry struct {
	store     Store
	logger    observability.Logger
	metrics   *observability.Metrics
	cacheTTL  time.Duration
	downAfter int

	// cache maps service name to *serviceCache.
	cache sync.Map
}

// serviceCache holds one cached service listing. The mutex collapses
// concurrent refreshes of the same service into a single store read.
type serviceCache struct {
	mu        sync.Mutex
	fetchedAt time.Time
	instances []*ServiceInstance
}

// New creates a Registry on top of the given store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		logger:    observability.NopLogger(),
		cacheTTL:  defaultCacheTTL,
		downAfter: defaultDownAfter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts an instance. Registration counts as a successful
// health observation: the instance enters the routable set immediately
// and the prober takes over from there.
func (r *Registry) Register(ctx context.Context, inst *ServiceInstance) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	doc := inst.clone()
	doc.Status = StatusHealthy
	doc.ConsecutiveFailures = 0
	doc.LastHealthCheck = now
	doc.LastSuccessfulCheck = now
	doc.RegisteredAt = now

	if err := r.store.PutInstance(ctx, doc); err != nil {
		return fmt.Errorf("failed to register %s/%s: %w", doc.ServiceName, doc.Key(), err)
	}
	r.invalidate(doc.ServiceName)

	if r.metrics != nil {
		r.metrics.SetInstanceHealth(doc.ServiceName, doc.Key(), true)
	}
	r.logger.Info("instance registered",
		observability.String("service", doc.ServiceName),
		observability.String("instance", doc.Key()),
		observability.String("baseURL", doc.BaseURL()),
	)
	return nil
}

// Deregister removes an instance. Removing an unknown instance is not
// an error.
func (r *Registry) Deregister(ctx context.Context, service, host string, port int) error {
	key := fmt.Sprintf("%s:%d", host, port)
	if err := r.store.DeleteInstance(ctx, service, key); err != nil {
		return fmt.Errorf("failed to deregister %s/%s: %w", service, key, err)
	}
	r.invalidate(service)

	if r.metrics != nil {
		r.metrics.RemoveInstanceHealth(service, key)
	}
	r.logger.Info("instance deregistered",
		observability.String("service", service),
		observability.String("instance", key),
	)
	return nil
}

// GetInstance fetches one instance document directly from the store.
func (r *Registry) GetInstance(ctx context.Context, service, host string, port int) (*ServiceInstance, error) {
	return r.store.GetInstance(ctx, service, fmt.Sprintf("%s:%d", host, port))
}

// ListInstances returns the routable (healthy) instances of a service.
// An unknown or fully unhealthy service yields an empty slice, never an
// error.
func (r *Registry) ListInstances(ctx context.Context, service string) ([]*ServiceInstance, error) {
	all, err := r.listCached(ctx, service)
	if err != nil {
		return nil, err
	}

	healthy := make([]*ServiceInstance, 0, len(all))
	for _, inst := range all {
		if inst.Status == StatusHealthy {
			healthy = append(healthy, inst)
		}
	}
	return healthy, nil
}

// ListAllInstances returns every instance of a service regardless of
// status. Used by the prober and the monitoring endpoints.
func (r *Registry) ListAllInstances(ctx context.Context, service string) ([]*ServiceInstance, error) {
	return r.store.ListService(ctx, service)
}

// ListAll returns the full registry content keyed by service name.
func (r *Registry) ListAll(ctx context.Context) (map[string][]*ServiceInstance, error) {
	names, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]*ServiceInstance, len(names))
	for _, name := range names {
		instances, err := r.store.ListService(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = instances
	}
	return out, nil
}

// RecordHealthCheck applies one probe observation to an instance.
// A success resets the failure streak and restores the instance to
// healthy in a single step. A failure moves it to degraded, then to
// down once the streak reaches the configured threshold.
func (r *Registry) RecordHealthCheck(ctx context.Context, service, host string, port int, healthy bool) error {
	key := fmt.Sprintf("%s:%d", host, port)
	inst, err := r.store.GetInstance(ctx, service, key)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	prev := inst.Status
	inst.LastHealthCheck = now

	if healthy {
		inst.ConsecutiveFailures = 0
		inst.Status = StatusHealthy
		inst.LastSuccessfulCheck = now
	} else {
		inst.ConsecutiveFailures++
		if inst.ConsecutiveFailures >= r.downAfter {
			inst.Status = StatusDown
		} else {
			inst.Status = StatusDegraded
		}
	}

	if err := r.store.PutInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to record health check for %s/%s: %w", service, key, err)
	}
	r.invalidate(service)

	if r.metrics != nil {
		r.metrics.SetInstanceHealth(service, key, inst.Status == StatusHealthy)
	}
	if prev != inst.Status {
		r.logger.Info("instance status changed",
			observability.String("service", service),
			observability.String("instance", key),
			observability.String("from", string(prev)),
			observability.String("to", string(inst.Status)),
			observability.Int("consecutiveFailures", inst.ConsecutiveFailures),
		)
	}
	return nil
}

// Services returns the known service names.
func (r *Registry) Services(ctx context.Context) ([]string, error) {
	return r.store.ListServices(ctx)
}

// Ping reports whether the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close releases the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// listCached returns the service listing, refreshing it from the store
// when the cached copy is older than the TTL.
func (r *Registry) listCached(ctx context.Context, service string) ([]*ServiceInstance, error) {
	v, _ := r.cache.LoadOrStore(service, &serviceCache{})
	entry := v.(*serviceCache)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.fetchedAt.IsZero() && time.Since(entry.fetchedAt) < r.cacheTTL {
		return entry.instances, nil
	}

	instances, err := r.store.ListService(ctx, service)
	if err != nil {
		// Serve the stale copy rather than failing the request when the
		// store blips and a previous listing exists.
		if !entry.fetchedAt.IsZero() {
			r.logger.Warn("serving stale registry listing",
				observability.String("service", service),
				observability.Error(err),
			)
			return entry.instances, nil
		}
		return nil, err
	}

	entry.instances = instances
	entry.fetchedAt = time.Now()
	return instances, nil
}

// invalidate drops the cached listing for a service.
func (r *Registry) invalidate(service string) {
	r.cache.Delete(service)
}
