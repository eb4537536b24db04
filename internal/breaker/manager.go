package breaker

import (
	"sort"
	"sync"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
)

// Manager holds one breaker per logical service. Breakers are created
// lazily on first use; the per-service failure threshold is resolved
// from the registered instance policy at creation time, falling back to
// the configured default.
type Manager struct {
	breakers sync.Map
	defaults config.CircuitBreakerConfig
	logger   observability.Logger
	metrics  *observability.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger passed to created breakers.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerMetrics attaches gateway metrics so state transitions are
// exported.
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a breaker manager with the given defaults.
func NewManager(defaults config.CircuitBreakerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		defaults: defaults,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the breaker for a service, creating it on first
// use. threshold comes from the instance policy; zero means "use the
// configured default". The threshold is fixed for the life of the
// breaker, so later policy changes apply only after a gateway restart
// or an operator reset.
func (m *Manager) GetOrCreate(service string, threshold int) *Breaker {
	if value, ok := m.breakers.Load(service); ok {
		return value.(*Breaker)
	}

	if threshold <= 0 {
		threshold = m.defaults.FailureThreshold
	}
	b := NewBreaker(service, threshold, m.defaults.CoolDown.Duration(),
		WithBreakerLogger(m.logger),
		WithStateChangeFunc(m.exportState),
	)

	actual, loaded := m.breakers.LoadOrStore(service, b)
	if loaded {
		return actual.(*Breaker)
	}

	m.logger.Debug("created circuit breaker",
		observability.String("service", service),
		observability.Int("threshold", threshold),
	)
	return b
}

// Get returns the breaker for a service, or nil when none exists yet.
func (m *Manager) Get(service string) *Breaker {
	value, ok := m.breakers.Load(service)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// Reset resets one breaker. Returns false when the service has no
// breaker.
func (m *Manager) Reset(service string) bool {
	b := m.Get(service)
	if b == nil {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets every breaker to closed.
func (m *Manager) ResetAll() {
	m.breakers.Range(func(_, value any) bool {
		value.(*Breaker).Reset()
		return true
	})
	m.logger.Info("reset all circuit breakers")
}

// Snapshot returns the current view of every breaker, ordered by
// service name.
func (m *Manager) Snapshot() []Snapshot {
	var snapshots []Snapshot
	m.breakers.Range(func(_, value any) bool {
		snapshots = append(snapshots, value.(*Breaker).Snapshot())
		return true
	})
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Service < snapshots[j].Service
	})
	return snapshots
}

// exportState publishes a state transition to the metrics registry.
func (m *Manager) exportState(service string, _, to State) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetBreakerState(service, int(to))
}
