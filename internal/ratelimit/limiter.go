// Package ratelimit enforces per-client request quotas before any
// proxy work happens. Quotas are grouped into named classes; routes
// reference a class and every client identity gets one counting window
// per class.
package ratelimit

import (
	"context"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool

	// Class is the quota class the check counted against.
	Class string

	// Limit is the class maximum for one window.
	Limit int

	// Remaining is how many requests are left in the current window.
	Remaining int

	// ResetAfter is the time until the current window resets.
	ResetAfter time.Duration

	// RetryAfter is the suggested wait before retrying. Zero when the
	// request was allowed.
	RetryAfter time.Duration
}

// Limiter is the admission interface used by the request pipeline.
type Limiter interface {
	// Allow counts one request for identity against the named class.
	Allow(ctx context.Context, class, identity string) (*Result, error)

	// Reset clears the window for identity in the named class.
	Reset(ctx context.Context, class, identity string) error

	// Classes returns the configured quota classes.
	Classes() []config.QuotaClass
}
