// Package store holds the counter backends for the rate limiter. A
// window is created by its first increment and carries its own
// lifetime, so the reset moment is anchored to the first request in
// the window rather than to wall-clock boundaries.
package store

import (
	"context"
	"time"
)

// Store is a windowed counter backend.
type Store interface {
	// Incr adds one to the counter for key, creating the window with
	// the given lifetime when none exists or the previous one expired.
	// It returns the count after the increment and the remaining window
	// lifetime.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Reset removes the window for key.
	Reset(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
