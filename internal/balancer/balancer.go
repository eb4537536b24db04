// Package balancer selects one instance out of a service's routable
// set. Strategies are pure selection: the instance list comes from the
// registry on every call, so membership changes never require
// rebalancing state.
package balancer

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
)

// Balancer picks an instance for a service. Pick returns nil when the
// instance list is empty; callers treat nil as "service unavailable".
// Release signals request completion for strategies that track
// in-flight work.
type Balancer interface {
	Pick(service string, instances []*registry.ServiceInstance) *registry.ServiceInstance
	Release(service string, inst *registry.ServiceInstance)
}

// RoundRobinBalancer cycles through instances per service. The counter
// advances on every selection regardless of request outcome, so the
// distribution stays even under failures.
type RoundRobinBalancer struct {
	// counters maps service name to *atomic.Uint64.
	counters sync.Map
}

// NewRoundRobinBalancer creates a new round-robin balancer.
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

// Pick returns the next instance in round-robin order.
func (b *RoundRobinBalancer) Pick(service string, instances []*registry.ServiceInstance) *registry.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	v, _ := b.counters.LoadOrStore(service, &atomic.Uint64{})
	idx := v.(*atomic.Uint64).Add(1) - 1
	return instances[idx%uint64(len(instances))]
}

// Release is a no-op for round-robin.
func (b *RoundRobinBalancer) Release(string, *registry.ServiceInstance) {}

// LeastConnBalancer picks the instance with the fewest in-flight
// requests dispatched through this gateway process. Ties go to the
// first instance in list order.
type LeastConnBalancer struct {
	// inflight maps "service/host:port" to *atomic.Int64.
	inflight sync.Map
}

// NewLeastConnBalancer creates a new least-connections balancer.
func NewLeastConnBalancer() *LeastConnBalancer {
	return &LeastConnBalancer{}
}

func (b *LeastConnBalancer) counter(service string, inst *registry.ServiceInstance) *atomic.Int64 {
	v, _ := b.inflight.LoadOrStore(service+"/"+inst.Key(), &atomic.Int64{})
	return v.(*atomic.Int64)
}

// Pick returns the instance with the fewest in-flight requests and
// marks it busy. Callers must Release the instance when the request
// completes.
func (b *LeastConnBalancer) Pick(service string, instances []*registry.ServiceInstance) *registry.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	var selected *registry.ServiceInstance
	minConns := int64(-1)

	for _, inst := range instances {
		conns := b.counter(service, inst).Load()
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = inst
		}
	}

	b.counter(service, selected).Add(1)
	return selected
}

// Release marks one request against the instance as complete.
func (b *LeastConnBalancer) Release(service string, inst *registry.ServiceInstance) {
	if inst == nil {
		return
	}
	b.counter(service, inst).Add(-1)
}

// Connections returns the current in-flight count for an instance.
func (b *LeastConnBalancer) Connections(service string, inst *registry.ServiceInstance) int64 {
	return b.counter(service, inst).Load()
}

// RandomBalancer picks a uniformly random instance.
type RandomBalancer struct {
	intn func(n int) int
}

// NewRandomBalancer creates a new random balancer.
func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{intn: secureRandomInt}
}

// NewRandomBalancerWithSource creates a random balancer with a custom
// source. Used by tests to make selection deterministic.
func NewRandomBalancerWithSource(intn func(n int) int) *RandomBalancer {
	if intn == nil {
		intn = secureRandomInt
	}
	return &RandomBalancer{intn: intn}
}

// Pick returns a random instance.
func (b *RandomBalancer) Pick(_ string, instances []*registry.ServiceInstance) *registry.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	return instances[b.intn(len(instances))]
}

// Release is a no-op for random.
func (b *RandomBalancer) Release(string, *registry.ServiceInstance) {}

// New creates a balancer for the configured strategy. Unknown
// strategies fall back to round-robin.
func New(strategy string) Balancer {
	switch strategy {
	case config.StrategyLeastConn:
		return NewLeastConnBalancer()
	case config.StrategyRandom:
		return NewRandomBalancer()
	default:
		return NewRoundRobinBalancer()
	}
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	// Safe conversion: result of modulo is always < n, which fits in int
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
