// Package health serves the liveness and readiness probes on the
// metrics listener. Liveness only proves the process is up; readiness
// runs the registered dependency checks and reports draining during
// shutdown so load balancers pull the node before the listener closes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
)

const defaultCheckTimeout = 5 * time.Second

// CheckFunc probes one dependency. A nil error means ready.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of a single readiness check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Report is the readiness response body.
type Report struct {
	Status    string                 `json:"status"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker aggregates readiness checks for the probe endpoints.
type Checker struct {
	logger       observability.Logger
	checkTimeout time.Duration
	startTime    time.Time
	draining     atomic.Bool

	mu     sync.RWMutex
	checks []namedCheck
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCheckTimeout bounds each readiness probe run.
func WithCheckTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.checkTimeout = d
		}
	}
}

// NewChecker creates a checker with no registered checks; an empty
// checker reports ready.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		logger:       observability.NopLogger(),
		checkTimeout: defaultCheckTimeout,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddCheck registers a named readiness check. Checks run on every
// readiness probe, so they must be cheap.
func (c *Checker) AddCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// SetDraining flips the readiness report to draining. Liveness is
// unaffected; the process is still alive while it drains.
func (c *Checker) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// Draining reports whether the checker is in draining mode.
func (c *Checker) Draining() bool {
	return c.draining.Load()
}

// Run executes all checks and aggregates the results.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make([]namedCheck, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	report := Report{
		Status:    "ok",
		Uptime:    time.Since(c.startTime).Truncate(time.Second).String(),
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}

	if c.draining.Load() {
		report.Status = "draining"
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, nc := range checks {
		wg.Add(1)
		go func(nc namedCheck) {
			defer wg.Done()

			start := time.Now()
			err := nc.fn(ctx)
			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
				c.logger.Warn("readiness check failed",
					observability.String("check", nc.name),
					observability.Error(err),
				)
			}

			mu.Lock()
			if err != nil {
				report.Status = "error"
			}
			report.Checks[nc.name] = result
			mu.Unlock()
		}(nc)
	}
	wg.Wait()

	return report
}

// LiveHandler answers liveness probes. It never consults the checks;
// restarting the process does not fix an unreachable dependency.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadyHandler answers readiness probes with the aggregated report.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// Register mounts the probe endpoints on the given mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
