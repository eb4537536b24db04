package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit"
)

const (
	// DefaultClientTTL bounds how long an idle client keeps its bucket.
	DefaultClientTTL = 10 * time.Minute

	// spikeSweepInterval is how often idle buckets are evicted.
	spikeSweepInterval = time.Minute
)

// spikeEntry pairs a token bucket with its last use for TTL eviction.
type spikeEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SpikeLimiter smooths per-client bursts with a token bucket in front
// of the windowed quota limiter. State is process-local.
type SpikeLimiter struct {
	rps       rate.Limit
	burst     int
	clientTTL time.Duration
	logger    observability.Logger

	mu      sync.Mutex
	clients map[string]*spikeEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// SpikeOption is a functional option for the spike limiter.
type SpikeOption func(*SpikeLimiter)

// WithSpikeLogger sets the logger.
func WithSpikeLogger(logger observability.Logger) SpikeOption {
	return func(sl *SpikeLimiter) {
		sl.logger = logger
	}
}

// NewSpikeLimiter creates the limiter and starts its eviction sweep.
func NewSpikeLimiter(cfg config.SpikeConfig, opts ...SpikeOption) *SpikeLimiter {
	ttl := cfg.ClientTTL.Duration()
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}

	sl := &SpikeLimiter{
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.Burst,
		clientTTL: ttl,
		logger:    observability.NopLogger(),
		clients:   make(map[string]*spikeEntry),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sl)
	}

	go sl.sweepLoop()
	return sl
}

// Allow reports whether the client may proceed right now.
func (sl *SpikeLimiter) Allow(clientIP string) bool {
	now := time.Now()

	sl.mu.Lock()
	entry, ok := sl.clients[clientIP]
	if !ok {
		entry = &spikeEntry{limiter: rate.NewLimiter(sl.rps, sl.burst)}
		sl.clients[clientIP] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	sl.mu.Unlock()

	return limiter.Allow()
}

// Stop ends the eviction sweep.
func (sl *SpikeLimiter) Stop() {
	sl.stopOnce.Do(func() {
		close(sl.stopCh)
	})
}

// Size returns the number of tracked clients.
func (sl *SpikeLimiter) Size() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.clients)
}

func (sl *SpikeLimiter) sweepLoop() {
	ticker := time.NewTicker(spikeSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sl.evictIdle()
		case <-sl.stopCh:
			return
		}
	}
}

func (sl *SpikeLimiter) evictIdle() {
	cutoff := time.Now().Add(-sl.clientTTL)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	for ip, entry := range sl.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(sl.clients, ip)
		}
	}
}

// Spike rejects clients that exceed their short-term burst allowance
// before the request reaches the quota limiter.
func Spike(sl *SpikeLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ratelimit.ClientIP(r)
			if !sl.Allow(clientIP) {
				sl.logger.Warn("burst limit exceeded",
					observability.String("clientIp", clientIP),
					observability.String("path", r.URL.Path),
				)
				proxy.WriteError(w, r, http.StatusTooManyRequests,
					proxy.ReasonRateLimited, "request burst exceeds the allowed rate", 1)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
