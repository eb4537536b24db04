package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
)

// Gateway breaker defaults applied when config leaves fields zero.
const (
	defaultBreakerFailureRatio = 0.5
	defaultBreakerMinRequests  = 20
)

// GatewayBreakerStateFunc is notified on state transitions with
// gobreaker's numeric state (0 closed, 1 half-open, 2 open).
type GatewayBreakerStateFunc func(name string, state int)

// GatewayBreaker guards the whole gateway against sustained 5xx storms,
// independent of the per-service breakers inside the executor.
type GatewayBreaker struct {
	cb       *gobreaker.CircuitBreaker
	logger   observability.Logger
	onChange GatewayBreakerStateFunc
}

// GatewayBreakerOption is a functional option for the gateway breaker.
type GatewayBreakerOption func(*GatewayBreaker)

// WithGatewayBreakerLogger sets the logger.
func WithGatewayBreakerLogger(logger observability.Logger) GatewayBreakerOption {
	return func(gb *GatewayBreaker) {
		gb.logger = logger
	}
}

// WithGatewayBreakerStateFunc sets the transition callback.
func WithGatewayBreakerStateFunc(fn GatewayBreakerStateFunc) GatewayBreakerOption {
	return func(gb *GatewayBreaker) {
		gb.onChange = fn
	}
}

// errServerResponse marks a 5xx handler outcome for the breaker.
var errServerResponse = errors.New("upstream returned a server error")

// NewGatewayBreaker builds the breaker from config.
func NewGatewayBreaker(cfg config.GatewayBreakerConfig, opts ...GatewayBreakerOption) *GatewayBreaker {
	gb := &GatewayBreaker{
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(gb)
	}

	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultBreakerFailureRatio
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = defaultBreakerMinRequests
	}

	gb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval.Duration(),
		Timeout:     cfg.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gb.logger.Warn("gateway breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if gb.onChange != nil {
				gb.onChange(name, int(to))
			}
		},
	})

	return gb
}

// State returns the current gobreaker state.
func (gb *GatewayBreaker) State() gobreaker.State {
	return gb.cb.State()
}

// GatewayBreakerMiddleware runs requests through the breaker, counting
// 5xx responses as failures. WebSocket upgrades bypass it: they hijack
// the connection and report no status.
func GatewayBreakerMiddleware(gb *GatewayBreaker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			rw := newResponseWriter(w)
			_, err := gb.cb.Execute(func() (interface{}, error) {
				next.ServeHTTP(rw, r)
				if rw.status >= http.StatusInternalServerError {
					return nil, errServerResponse
				}
				return nil, nil
			})

			if err == nil || errors.Is(err, errServerResponse) {
				// The handler already wrote its response.
				return
			}

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				gb.logger.Warn("gateway breaker rejected request",
					observability.String("path", r.URL.Path),
					observability.String("state", gb.cb.State().String()),
				)
				if !rw.headerWritten {
					proxy.WriteError(w, r, http.StatusServiceUnavailable,
						proxy.ReasonCircuitOpen, "gateway is shedding load", 1)
				}
				return
			}

			if !rw.headerWritten {
				proxy.WriteError(w, r, http.StatusInternalServerError,
					proxy.ReasonInternal, "internal gateway error", 0)
			}
		})
	}
}

// GatewayBreakerFromConfig builds the middleware from config, returning
// a pass-through when the breaker is disabled.
func GatewayBreakerFromConfig(
	cfg config.GatewayBreakerConfig,
	logger observability.Logger,
	opts ...GatewayBreakerOption,
) Middleware {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	allOpts := append([]GatewayBreakerOption{WithGatewayBreakerLogger(logger)}, opts...)
	return GatewayBreakerMiddleware(NewGatewayBreaker(cfg, allOpts...))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
