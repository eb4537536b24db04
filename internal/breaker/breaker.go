// Package breaker guards upstream services with one circuit breaker
// per logical service. A tripped breaker rejects requests before any
// network I/O happens, giving a failing service room to recover.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests flow.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates a single trial request is probing the service.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Default breaker policy.
const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 60 * time.Second
)

// StateChangeFunc is called when a breaker changes state.
type StateChangeFunc func(service string, from, to State)

// Breaker is the state machine for one logical service.
//
// The failure count is a running total of failures observed while the
// circuit is closed. It is deliberately not reset by successes: a
// service that fails every few requests accumulates toward the
// threshold no matter how many requests succeed in between. Only a
// trip (open) or a successful half-open trial clears it.
type Breaker struct {
	service   string
	threshold int
	coolDown  time.Duration
	logger    observability.Logger
	onChange  StateChangeFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	nextAttempt     time.Time
	trialInFlight   bool
	lastStateChange time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the breaker logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateChangeFunc registers a state change callback.
func WithStateChangeFunc(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker creates a breaker for a service. Non-positive threshold or
// cool-down fall back to the defaults.
func NewBreaker(service string, threshold int, coolDown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}

	b := &Breaker{
		service:         service,
		threshold:       threshold,
		coolDown:        coolDown,
		logger:          observability.NopLogger(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may proceed. In the open state the
// first call at or past the cool-down deadline becomes the half-open
// trial; concurrent calls during an in-flight trial are rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Now().Before(b.nextAttempt) {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true
		return true

	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful request outcome.
//
// A success while closed does not reset the failure count. A
// successful half-open trial closes the circuit and clears it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.failureCount = 0
		b.transitionTo(StateClosed)

	case StateOpen:
		// Late result from a request admitted before the trip.
	case StateClosed:
	}
}

// RecordFailure records a failed request outcome. Failures observed
// while the circuit is open are ignored.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.nextAttempt = time.Now().Add(b.coolDown)
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.trialInFlight = false
		b.nextAttempt = time.Now().Add(b.coolDown)
		b.transitionTo(StateOpen)

	case StateOpen:
		// Late result from a request admitted before the trip.
	}
}

// CancelTrial releases the half-open trial slot when an admitted
// request never produced an upstream outcome (for example, no healthy
// instances were available). The next Allow becomes the trial.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RetryAfter returns how long callers should wait before the circuit
// may admit a request again. Zero for a closed circuit.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return 0
	}
	remaining := time.Until(b.nextAttempt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// transitionTo moves the breaker to a new state. Callers hold b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.lastStateChange = time.Now()

	b.logger.Info("circuit breaker state changed",
		observability.String("service", b.service),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
		observability.Int("failureCount", b.failureCount),
	)

	if b.onChange != nil {
		b.onChange(b.service, oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Service returns the service this breaker guards.
func (b *Breaker) Service() string {
	return b.service
}

// Reset forces the breaker back to closed. Used by operators through
// the monitoring surface.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.trialInFlight = false
	b.nextAttempt = time.Time{}
	b.transitionTo(StateClosed)
}

// Snapshot is a point-in-time view of a breaker for diagnostics.
type Snapshot struct {
	Service         string    `json:"service"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failureCount"`
	Threshold       int       `json:"threshold"`
	CoolDown        string    `json:"coolDown"`
	NextAttempt     time.Time `json:"nextAttempt"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Snapshot returns the current breaker view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Service:         b.service,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		Threshold:       b.threshold,
		CoolDown:        b.coolDown.String(),
		NextAttempt:     b.nextAttempt,
		LastStateChange: b.lastStateChange,
	}
}
