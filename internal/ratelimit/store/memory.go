package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries is the maximum number of CAS retry attempts to prevent
// infinite spinning under high contention.
const maxCASRetries = 100

// window is one immutable counter snapshot. Increments swap a new
// snapshot in via CompareAndSwap rather than mutating in place.
type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore implements Store with process-local state. Expired
// windows are lazily replaced on increment and swept by a janitor so
// idle clients do not accumulate.
type MemoryStore struct {
	data    sync.Map
	janitor *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewMemoryStore creates an in-memory store with a one-minute janitor
// interval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithJanitorInterval(time.Minute)
}

// NewMemoryStoreWithJanitorInterval creates an in-memory store with a
// custom janitor interval.
func NewMemoryStoreWithJanitorInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		janitor: time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go s.runJanitor()
	return s
}

// Incr implements Store.
func (s *MemoryStore) Incr(ctx context.Context, key string, windowSize time.Duration) (int64, time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	now := time.Now()

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			fresh := &window{count: 1, resetAt: now.Add(windowSize)}
			if actual, loaded := s.data.LoadOrStore(key, fresh); loaded {
				value = actual
			} else {
				return 1, windowSize, nil
			}
		}

		w := value.(*window)

		// An expired window rolls over to a fresh one.
		if now.After(w.resetAt) {
			fresh := &window{count: 1, resetAt: now.Add(windowSize)}
			if s.data.CompareAndSwap(key, w, fresh) {
				return 1, windowSize, nil
			}
			continue
		}

		next := &window{count: w.count + 1, resetAt: w.resetAt}
		if s.data.CompareAndSwap(key, w, next) {
			return next.count, time.Until(w.resetAt), nil
		}
	}

	return 0, 0, fmt.Errorf("incr failed: max retries (%d) exceeded", maxCASRetries)
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.data.Delete(key)
	return nil
}

// Close implements Store. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.janitor.Stop()
	close(s.done)
	return nil
}

// Size returns the number of live windows.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// runJanitor periodically removes expired windows.
func (s *MemoryStore) runJanitor() {
	for {
		select {
		case <-s.janitor.C:
			s.sweepExpired()
		case <-s.done:
			return
		}
	}
}

// sweepExpired removes all expired windows.
func (s *MemoryStore) sweepExpired() {
	now := time.Now()

	s.data.Range(func(key, value any) bool {
		if now.After(value.(*window).resetAt) {
			s.data.Delete(key)
		}
		return true
	})
}
