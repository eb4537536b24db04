package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
	"github.com/fallowearthai/chainreactions-gateway/internal/ratelimit"
	"github.com/fallowearthai/chainreactions-gateway/internal/router"
)

// Flow carries one matched request through the admission pipeline.
type Flow struct {
	Writer  http.ResponseWriter
	Request *http.Request
	Route   *router.Route
}

// Rejection short-circuits the pipeline. The runner writes it as a
// structured error response; stages never write to the client directly
// except the final proxy stage.
type Rejection struct {
	Status     int
	Reason     string
	Message    string
	RetryAfter int
}

// Stage is one named admission step. Returning nil lets the flow
// continue to the next stage.
type Stage struct {
	Name string
	Run  func(*Flow) *Rejection
}

// Pipeline runs stages in declaration order and stops at the first
// rejection. The stage list is fixed at construction.
type Pipeline struct {
	stages []Stage
	logger observability.Logger
}

// PipelineOption is a functional option for the pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger observability.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline composes the admission pipeline from ordered stages.
func NewPipeline(stages []Stage, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		stages: stages,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns the ordered stage names for diagnostics.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name
	}
	return names
}

// Serve runs the flow through every stage. The first rejection is
// written to the client and ends the flow.
func (p *Pipeline) Serve(f *Flow) {
	for _, st := range p.stages {
		rej := st.Run(f)
		if rej == nil {
			continue
		}

		p.logger.Debug("request rejected",
			observability.String("stage", st.Name),
			observability.String("reason", rej.Reason),
			observability.String("path", f.Request.URL.Path),
			observability.String("service", f.Route.Service),
		)
		proxy.WriteError(f.Writer, f.Request, rej.Status, rej.Reason, rej.Message, rej.RetryAfter)
		return
	}
}

// RateLimitStage counts the request against the route's quota class and
// rejects once the window is exhausted. Limiter store failures admit
// the request: an unreachable counter store must not take down traffic.
func RateLimitStage(limiter ratelimit.Limiter, identityHeader string, logger observability.Logger) Stage {
	return Stage{
		Name: "rateLimit",
		Run: func(f *Flow) *Rejection {
			identity := ratelimit.Identity(f.Request, identityHeader)

			res, err := limiter.Allow(f.Request.Context(), f.Route.RateLimitClass, identity)
			if err != nil {
				logger.Warn("rate limit check failed, admitting request",
					observability.String("class", f.Route.RateLimitClass),
					observability.String("identity", identity),
					observability.Error(err),
				)
				return nil
			}

			setRateLimitHeaders(f.Writer.Header(), res)

			if !res.Allowed {
				retryAfter := ceilSeconds(res.RetryAfter)
				if retryAfter == 0 {
					retryAfter = 1
				}
				return &Rejection{
					Status:     http.StatusTooManyRequests,
					Reason:     proxy.ReasonRateLimited,
					Message:    fmt.Sprintf("request quota for class %q is exhausted", res.Class),
					RetryAfter: retryAfter,
				}
			}
			return nil
		},
	}
}

// ProxyStage hands the flow to the executor, which writes the upstream
// response (or its own admission rejection) directly.
func ProxyStage(exec *proxy.Executor) Stage {
	return Stage{
		Name: "proxy",
		Run: func(f *Flow) *Rejection {
			exec.Execute(f.Writer, f.Request, f.Route)
			return nil
		},
	}
}

// setRateLimitHeaders stamps the quota view on the response. Sent on
// allowed and rejected responses alike so clients can pace themselves.
func setRateLimitHeaders(h http.Header, res *ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(res.ResetAfter)))
}

// ceilSeconds rounds a duration up to whole seconds so clients never
// retry before the window actually resets.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
