package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments. It holds deep copies so callers cannot alias internal
// state.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]map[string]*ServiceInstance
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]map[string]*ServiceInstance),
	}
}

// PutInstance upserts one instance document.
func (s *MemoryStore) PutInstance(_ context.Context, inst *ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[inst.ServiceName]
	if !ok {
		svc = make(map[string]*ServiceInstance)
		s.services[inst.ServiceName] = svc
	}
	svc[inst.Key()] = inst.clone()
	return nil
}

// GetInstance fetches one instance document.
func (s *MemoryStore) GetInstance(_ context.Context, service, key string) (*ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.services[service][key]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.clone(), nil
}

// DeleteInstance removes one instance document.
func (s *MemoryStore) DeleteInstance(_ context.Context, service, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[service]
	if !ok {
		return nil
	}
	delete(svc, key)
	if len(svc) == 0 {
		delete(s.services, service)
	}
	return nil
}

// ListService returns every instance of the service in key order.
func (s *MemoryStore) ListService(_ context.Context, service string) ([]*ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc := s.services[service]
	keys := make([]string, 0, len(svc))
	for k := range svc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*ServiceInstance, 0, len(svc))
	for _, k := range keys {
		out = append(out, svc[k].clone())
	}
	return out, nil
}

// ListServices returns all service names with registered instances.
func (s *MemoryStore) ListServices(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
