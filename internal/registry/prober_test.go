package registry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
)

// serverHostPort extracts the host and port an httptest server listens on.
func serverHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func proberConfig(interval time.Duration) config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Interval:  config.Duration(interval),
		Timeout:   config.Duration(time.Second),
		DownAfter: 1,
	}
}

func TestProberMarksDownAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	reg := New(NewMemoryStore(), WithDownAfter(1), WithCacheTTL(time.Nanosecond))

	host, port := serverHostPort(t, srv)
	require.NoError(t, reg.Register(ctx, &ServiceInstance{
		ServiceName: "osint-search",
		Host:        host,
		Port:        port,
	}))

	prober := NewProber(reg, proberConfig(20*time.Millisecond))
	prober.Start(ctx)
	defer prober.Stop()

	statusIs := func(want Status) func() bool {
		return func() bool {
			inst, err := reg.GetInstance(ctx, "osint-search", host, port)
			if err != nil {
				return false
			}
			return inst.Status == want
		}
	}

	require.Eventually(t, statusIs(StatusHealthy), 3*time.Second, 10*time.Millisecond)

	healthy.Store(false)
	require.Eventually(t, statusIs(StatusDown), 3*time.Second, 10*time.Millisecond)

	// A down instance leaves the routable set.
	instances, err := reg.ListInstances(ctx, "osint-search")
	require.NoError(t, err)
	assert.Empty(t, instances)

	// One passing probe restores it.
	healthy.Store(true)
	require.Eventually(t, statusIs(StatusHealthy), 3*time.Second, 10*time.Millisecond)
}

func TestProberConnectionErrorIsFailure(t *testing.T) {
	ctx := context.Background()
	reg := New(NewMemoryStore(), WithDownAfter(1))

	// Nothing listens on this port.
	require.NoError(t, reg.Register(ctx, &ServiceInstance{
		ServiceName: "osint-search",
		Host:        "127.0.0.1",
		Port:        1,
	}))

	prober := NewProber(reg, proberConfig(time.Hour))
	prober.sweep(ctx)

	inst, err := reg.GetInstance(ctx, "osint-search", "127.0.0.1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDown, inst.Status)
	assert.Equal(t, 1, inst.ConsecutiveFailures)
}

func TestProberRemovesStaleInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := New(store)

	stale := testInstance("osint-search", "10.0.0.1", 8000)
	stale.LastSuccessfulCheck = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.PutInstance(ctx, stale))

	fresh := testInstance("osint-search", "10.0.0.2", 8000)
	fresh.LastSuccessfulCheck = time.Now().UTC()
	require.NoError(t, store.PutInstance(ctx, fresh))

	prober := NewProber(reg, proberConfig(time.Hour), WithStaleAfter(90*time.Second))

	assert.True(t, prober.sweepStale(ctx, stale))
	assert.False(t, prober.sweepStale(ctx, fresh))

	all, err := reg.ListAllInstances(ctx, "osint-search")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.2:8000", all[0].Key())
}

func TestProberSkipsRecordForDeregisteredInstance(t *testing.T) {
	ctx := context.Background()
	reg := New(NewMemoryStore())

	// The instance is not registered; record must swallow the miss.
	prober := NewProber(reg, proberConfig(time.Hour))
	prober.record(ctx, testInstance("ghost", "10.0.0.1", 8000), true)
}

func TestProberStartStop(t *testing.T) {
	reg := New(NewMemoryStore())
	prober := NewProber(reg, proberConfig(50*time.Millisecond))

	ctx := context.Background()
	assert.False(t, prober.IsRunning())

	prober.Start(ctx)
	assert.True(t, prober.IsRunning())
	prober.Start(ctx) // second start is a no-op

	prober.Stop()
	assert.False(t, prober.IsRunning())
	prober.Stop() // second stop is a no-op
}
