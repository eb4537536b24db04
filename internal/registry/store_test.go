package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(service, host string, port int) *ServiceInstance {
	return &ServiceInstance{
		ServiceName:     service,
		Host:            host,
		Port:            port,
		Protocol:        "http",
		HealthCheckPath: "/health",
		TimeoutMs:       30000,
		Status:          StatusHealthy,
		RegisteredAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// runStoreConformance exercises the Store contract shared by every
// implementation.
func runStoreConformance(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	// Empty store behavior.
	instances, err := store.ListService(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, instances)

	_, err = store.GetInstance(ctx, "unknown", "10.0.0.1:8000")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	require.NoError(t, store.DeleteInstance(ctx, "unknown", "10.0.0.1:8000"))

	// Put and read back.
	a := testInstance("osint-search", "10.0.0.1", 8000)
	b := testInstance("osint-search", "10.0.0.2", 8000)
	c := testInstance("entity-matching", "10.0.0.3", 9000)
	require.NoError(t, store.PutInstance(ctx, a))
	require.NoError(t, store.PutInstance(ctx, b))
	require.NoError(t, store.PutInstance(ctx, c))

	got, err := store.GetInstance(ctx, "osint-search", "10.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, a.ServiceName, got.ServiceName)
	assert.Equal(t, a.Host, got.Host)
	assert.Equal(t, a.Port, got.Port)
	assert.Equal(t, StatusHealthy, got.Status)
	assert.True(t, a.RegisteredAt.Equal(got.RegisteredAt))

	// Listing is ordered by instance key.
	instances, err = store.ListService(ctx, "osint-search")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "10.0.0.1:8000", instances[0].Key())
	assert.Equal(t, "10.0.0.2:8000", instances[1].Key())

	names, err := store.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"entity-matching", "osint-search"}, names)

	// Upsert overwrites in place.
	a2 := testInstance("osint-search", "10.0.0.1", 8000)
	a2.Status = StatusDown
	a2.ConsecutiveFailures = 3
	require.NoError(t, store.PutInstance(ctx, a2))

	got, err = store.GetInstance(ctx, "osint-search", "10.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, StatusDown, got.Status)
	assert.Equal(t, 3, got.ConsecutiveFailures)

	instances, err = store.ListService(ctx, "osint-search")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	// Delete removes the instance and, once empty, the service.
	require.NoError(t, store.DeleteInstance(ctx, "osint-search", "10.0.0.1:8000"))
	_, err = store.GetInstance(ctx, "osint-search", "10.0.0.1:8000")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	require.NoError(t, store.DeleteInstance(ctx, "osint-search", "10.0.0.2:8000"))
	names, err = store.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"entity-matching"}, names)

	require.NoError(t, store.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	runStoreConformance(t, store)
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := testInstance("osint-search", "10.0.0.1", 8000)
	require.NoError(t, store.PutInstance(ctx, inst))

	// Mutating the caller's copy must not leak into the store.
	inst.Status = StatusDown
	got, err := store.GetInstance(ctx, "osint-search", "10.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, got.Status)

	// Mutating a returned copy must not leak either.
	got.Status = StatusDegraded
	again, err := store.GetInstance(ctx, "osint-search", "10.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, again.Status)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	opts := DefaultRedisOptions()
	opts.Address = mr.Addr()
	opts.KeyPrefix = "test:gateway"

	store, err := NewRedisStore(opts)
	require.NoError(t, err)
	defer store.Close()

	runStoreConformance(t, store)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)

	opts := DefaultRedisOptions()
	opts.Address = mr.Addr()
	opts.KeyPrefix = "test:gateway"

	store, err := NewRedisStore(opts)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.PutInstance(ctx, testInstance("osint-search", "10.0.0.1", 8000)))

	assert.True(t, mr.Exists("test:gateway:services:osint-search"))
	members, err := mr.SMembers("test:gateway:services")
	require.NoError(t, err)
	assert.Equal(t, []string{"osint-search"}, members)

	// Deleting the last instance clears the index entry.
	require.NoError(t, store.DeleteInstance(ctx, "osint-search", "10.0.0.1:8000"))
	assert.False(t, mr.Exists("test:gateway:services:osint-search"))
	assert.False(t, mr.Exists("test:gateway:services"))
}

func TestRedisStoreSkipsUndecodableDocuments(t *testing.T) {
	mr := miniredis.RunT(t)

	opts := DefaultRedisOptions()
	opts.Address = mr.Addr()
	opts.KeyPrefix = "test:gateway"

	store, err := NewRedisStore(opts)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.PutInstance(ctx, testInstance("osint-search", "10.0.0.1", 8000)))
	mr.HSet("test:gateway:services:osint-search", "bad:1", "{not json")

	instances, err := store.ListService(ctx, "osint-search")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.1:8000", instances[0].Key())
}

func TestRedisStoreConnectFailure(t *testing.T) {
	opts := DefaultRedisOptions()
	opts.Address = "127.0.0.1:1"
	opts.DialTimeout = 100 * time.Millisecond

	_, err := NewRedisStore(opts)
	require.Error(t, err)
}

func TestRedisStoreCloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)

	opts := DefaultRedisOptions()
	opts.Address = mr.Addr()

	store, err := NewRedisStore(opts)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestRedisStoreContextCanceled(t *testing.T) {
	mr := miniredis.RunT(t)

	opts := DefaultRedisOptions()
	opts.Address = mr.Addr()

	store, err := NewRedisStore(opts)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, store.PutInstance(ctx, testInstance("svc", "10.0.0.1", 8000)))
	_, err = store.GetInstance(ctx, "svc", "10.0.0.1:8000")
	require.Error(t, err)
}
