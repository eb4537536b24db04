package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window algorithm. The window
// starts with the first counted request and resets as a whole when it
// ends; a burst right before the boundary can be followed by another
// right after, which is accepted for its predictability and O(1) state.
type FixedWindowLimiter struct {
	store   store.Store
	logger  observability.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	classes map[string]config.QuotaClass
	order   []string
}

// LimiterOption configures a FixedWindowLimiter.
type LimiterOption func(*FixedWindowLimiter)

// WithLimiterLogger sets the limiter logger.
func WithLimiterLogger(logger observability.Logger) LimiterOption {
	return func(l *FixedWindowLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLimiterMetrics attaches gateway metrics so rejections are
// exported per class.
func WithLimiterMetrics(m *observability.Metrics) LimiterOption {
	return func(l *FixedWindowLimiter) {
		l.metrics = m
	}
}

// NewFixedWindowLimiter creates a limiter over the given store and
// quota classes.
func NewFixedWindowLimiter(s store.Store, classes []config.QuotaClass, opts ...LimiterOption) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		store:   s,
		classes: make(map[string]config.QuotaClass, len(classes)),
		order:   make([]string, 0, len(classes)),
		logger:  observability.NopLogger(),
	}
	for _, qc := range classes {
		l.classes[qc.Name] = qc
		l.order = append(l.order, qc.Name)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, class, identity string) (*Result, error) {
	qc, err := l.class(class)
	if err != nil {
		return nil, err
	}

	count, ttl, err := l.store.Incr(ctx, qc.Name+":"+identity, qc.Window.Duration())
	if err != nil {
		return nil, err
	}

	allowed := count <= int64(qc.MaxRequests)
	remaining := qc.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:    allowed,
		Class:      qc.Name,
		Limit:      qc.MaxRequests,
		Remaining:  remaining,
		ResetAfter: ttl,
	}
	if !allowed {
		result.RetryAfter = ttl
		if l.metrics != nil {
			l.metrics.RecordRateLimited(qc.Name)
		}
		l.logger.Debug("rate limit exceeded",
			observability.String("class", qc.Name),
			observability.String("identity", identity),
			observability.Int64("count", count),
			observability.Int("limit", qc.MaxRequests),
		)
	}
	return result, nil
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(ctx context.Context, class, identity string) error {
	qc, err := l.class(class)
	if err != nil {
		return err
	}
	return l.store.Reset(ctx, qc.Name+":"+identity)
}

// Classes implements Limiter.
func (l *FixedWindowLimiter) Classes() []config.QuotaClass {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]config.QuotaClass, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.classes[name])
	}
	return out
}

// UpdateClasses replaces the quota class table on config reload. Counts
// already accumulated in open windows keep counting against the new
// limits; windows are not reset.
func (l *FixedWindowLimiter) UpdateClasses(classes []config.QuotaClass) {
	next := make(map[string]config.QuotaClass, len(classes))
	order := make([]string, 0, len(classes))
	for _, qc := range classes {
		next[qc.Name] = qc
		order = append(order, qc.Name)
	}

	l.mu.Lock()
	l.classes = next
	l.order = order
	l.mu.Unlock()
}

// class resolves a class name; empty means the default class.
func (l *FixedWindowLimiter) class(name string) (config.QuotaClass, error) {
	if name == "" {
		name = config.QuotaClassDefault
	}

	l.mu.RLock()
	qc, ok := l.classes[name]
	l.mu.RUnlock()

	if !ok {
		return config.QuotaClass{}, fmt.Errorf("unknown quota class %q", name)
	}
	return qc, nil
}
