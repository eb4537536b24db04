package registry

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrInstanceNotFound is returned when an instance lookup misses.
	ErrInstanceNotFound = errors.New("registry: instance not found")
)

// Store is the shared external backing for the registry. Any networked
// key-value or document store with atomic per-instance upsert works;
// implementations exist for Redis hashes, Consul KV and process-local
// memory.
type Store interface {
	// PutInstance upserts one instance document. The write is atomic
	// with respect to other instances of the same service.
	PutInstance(ctx context.Context, inst *ServiceInstance) error

	// GetInstance fetches one instance document, or ErrInstanceNotFound.
	GetInstance(ctx context.Context, service, key string) (*ServiceInstance, error)

	// DeleteInstance removes one instance document. Deleting an absent
	// instance is not an error.
	DeleteInstance(ctx context.Context, service, key string) error

	// ListService returns every instance document for the service, in
	// stable key order. An unknown service yields an empty slice.
	ListService(ctx context.Context, service string) ([]*ServiceInstance, error)

	// ListServices returns the names of all services with at least one
	// registered instance.
	ListServices(ctx context.Context) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases client resources.
	Close() error
}
