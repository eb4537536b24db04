package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
)

func spikeConfig(rps float64, burst int) config.SpikeConfig {
	return config.SpikeConfig{
		Enabled:           true,
		RequestsPerSecond: rps,
		Burst:             burst,
	}
}

func TestSpikeLimiterAllowsWithinBurst(t *testing.T) {
	t.Parallel()

	sl := NewSpikeLimiter(spikeConfig(1, 3))
	defer sl.Stop()

	assert.True(t, sl.Allow("10.0.0.1"))
	assert.True(t, sl.Allow("10.0.0.1"))
	assert.True(t, sl.Allow("10.0.0.1"))
	assert.False(t, sl.Allow("10.0.0.1"))
}

func TestSpikeLimiterIsolatesClients(t *testing.T) {
	t.Parallel()

	sl := NewSpikeLimiter(spikeConfig(1, 1))
	defer sl.Stop()

	assert.True(t, sl.Allow("10.0.0.1"))
	assert.False(t, sl.Allow("10.0.0.1"))

	// A different client still has its full burst.
	assert.True(t, sl.Allow("10.0.0.2"))
}

func TestSpikeLimiterRefills(t *testing.T) {
	t.Parallel()

	sl := NewSpikeLimiter(spikeConfig(100, 1))
	defer sl.Stop()

	require.True(t, sl.Allow("10.0.0.1"))
	require.False(t, sl.Allow("10.0.0.1"))

	// At 100 rps a token returns within 10ms.
	time.Sleep(25 * time.Millisecond)
	assert.True(t, sl.Allow("10.0.0.1"))
}

func TestSpikeLimiterEvictsIdleClients(t *testing.T) {
	t.Parallel()

	cfg := spikeConfig(1, 1)
	cfg.ClientTTL = config.Duration(10 * time.Millisecond)
	sl := NewSpikeLimiter(cfg)
	defer sl.Stop()

	sl.Allow("10.0.0.1")
	sl.Allow("10.0.0.2")
	require.Equal(t, 2, sl.Size())

	time.Sleep(25 * time.Millisecond)
	sl.evictIdle()

	assert.Equal(t, 0, sl.Size())
}

func TestSpikeLimiterEvictionKeepsActiveClients(t *testing.T) {
	t.Parallel()

	cfg := spikeConfig(100, 5)
	cfg.ClientTTL = config.Duration(50 * time.Millisecond)
	sl := NewSpikeLimiter(cfg)
	defer sl.Stop()

	sl.Allow("10.0.0.1")
	sl.Allow("10.0.0.2")

	time.Sleep(30 * time.Millisecond)
	sl.Allow("10.0.0.2")
	time.Sleep(30 * time.Millisecond)

	sl.evictIdle()

	assert.Equal(t, 1, sl.Size())
	assert.True(t, sl.Allow("10.0.0.2"))
}

func TestSpikeLimiterStopIsIdempotent(t *testing.T) {
	t.Parallel()

	sl := NewSpikeLimiter(spikeConfig(1, 1))

	assert.NotPanics(t, func() {
		sl.Stop()
		sl.Stop()
	})
}

func TestSpikeMiddlewareRejectsBurst(t *testing.T) {
	t.Parallel()

	sl := NewSpikeLimiter(spikeConfig(0.001, 2))
	defer sl.Stop()

	handler := Spike(sl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/osint/search", nil)
		req.RemoteAddr = "203.0.113.9:41000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	require.Equal(t, http.StatusOK, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var env proxy.Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, proxy.ReasonRateLimited, env.Reason)
	assert.Equal(t, "/api/osint/search", env.Path)
}

func TestSpikeMiddlewareUsesForwardedClient(t *testing.T) {
	t.Parallel()

	sl := NewSpikeLimiter(spikeConfig(0.001, 1))
	defer sl.Stop()

	handler := Spike(sl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/entities", nil)
		req.RemoteAddr = "10.1.1.1:9999"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Same edge, different originating clients: each gets its own bucket.
	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
}
