// Package router matches inbound request paths against an ordered route
// table and resolves the target service, timeout, and quota class for
// each request.
package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
)

// matchKind describes how a compiled pattern is evaluated.
type matchKind int

const (
	// matchExact requires the path to equal the pattern.
	matchExact matchKind = iota

	// matchSegmentPrefix is a pattern ending in "/*": the path must equal
	// the prefix or continue past it at a segment boundary.
	matchSegmentPrefix

	// matchRawPrefix is a pattern ending in "*" without a preceding slash:
	// the path must start with the literal prefix.
	matchRawPrefix
)

func (k matchKind) String() string {
	if k == matchExact {
		return "exact"
	}
	return "prefix"
}

// Route is one compiled routing rule.
type Route struct {
	Pattern        string
	Service        string
	Timeout        time.Duration
	RateLimitClass string

	kind        matchKind
	prefix      string
	rewriteFrom string
	rewriteTo   string
}

// matches reports whether path satisfies the compiled pattern.
func (rt *Route) matches(path string) bool {
	switch rt.kind {
	case matchSegmentPrefix:
		if !strings.HasPrefix(path, rt.prefix) {
			return false
		}
		return len(path) == len(rt.prefix) || path[len(rt.prefix)] == '/'
	case matchRawPrefix:
		return strings.HasPrefix(path, rt.prefix)
	default:
		return path == rt.prefix
	}
}

// Rewrite applies the route's from→to prefix transform to path. Paths
// without the configured prefix, and routes without a rewrite, pass
// through unchanged. An empty result normalizes to "/".
func (rt *Route) Rewrite(path string) string {
	if rt.rewriteFrom == "" || !strings.HasPrefix(path, rt.rewriteFrom) {
		return path
	}
	rewritten := rt.rewriteTo + path[len(rt.rewriteFrom):]
	if rewritten == "" {
		return "/"
	}
	return rewritten
}

// Info is a read-only summary of one route for diagnostics.
type Info struct {
	Pattern        string        `json:"pattern"`
	MatchType      string        `json:"matchType"`
	Service        string        `json:"service"`
	RewriteFrom    string        `json:"rewriteFrom,omitempty"`
	RewriteTo      string        `json:"rewriteTo,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	RateLimitClass string        `json:"rateLimitClass,omitempty"`
}

// Router holds the compiled route table. Rules are evaluated in
// declaration order and the first match wins.
type Router struct {
	mu     sync.RWMutex
	routes []*Route
}

// New compiles the configured rules into a route table.
func New(rules []config.RouteConfig) (*Router, error) {
	routes, err := compile(rules)
	if err != nil {
		return nil, err
	}
	return &Router{routes: routes}, nil
}

// Match returns the first route whose pattern matches path, or nil when
// no rule matches.
func (r *Router) Match(path string) *Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if rt.matches(path) {
			return rt
		}
	}
	return nil
}

// Reload replaces the route table. The previous table stays in effect
// when compilation fails, and matches in flight keep the table they
// started with.
func (r *Router) Reload(rules []config.RouteConfig) error {
	routes, err := compile(rules)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
	return nil
}

// Len returns the number of compiled routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Routes returns the table in declaration order for diagnostics.
func (r *Router) Routes() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.routes))
	for _, rt := range r.routes {
		infos = append(infos, Info{
			Pattern:        rt.Pattern,
			MatchType:      rt.kind.String(),
			Service:        rt.Service,
			RewriteFrom:    rt.rewriteFrom,
			RewriteTo:      rt.rewriteTo,
			Timeout:        rt.Timeout,
			RateLimitClass: rt.RateLimitClass,
		})
	}
	return infos
}

func compile(rules []config.RouteConfig) ([]*Route, error) {
	routes := make([]*Route, 0, len(rules))
	for i, rule := range rules {
		rt, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, rule.PathPattern, err)
		}
		routes = append(routes, rt)
	}
	return routes, nil
}

func compileRule(rule config.RouteConfig) (*Route, error) {
	if rule.PathPattern == "" {
		return nil, fmt.Errorf("pathPattern is required")
	}
	if !strings.HasPrefix(rule.PathPattern, "/") {
		return nil, fmt.Errorf("pathPattern must start with /")
	}
	if rule.TargetService == "" {
		return nil, fmt.Errorf("targetService is required")
	}
	if strings.Contains(strings.TrimSuffix(rule.PathPattern, "*"), "*") {
		return nil, fmt.Errorf("wildcard is only supported at the end of the pattern")
	}

	rt := &Route{
		Pattern:        rule.PathPattern,
		Service:        rule.TargetService,
		Timeout:        rule.Timeout.Duration(),
		RateLimitClass: rule.RateLimitClass,
	}

	switch {
	case rule.PathPattern == "/*":
		rt.kind = matchRawPrefix
		rt.prefix = "/"
	case strings.HasSuffix(rule.PathPattern, "/*"):
		rt.kind = matchSegmentPrefix
		rt.prefix = strings.TrimSuffix(rule.PathPattern, "/*")
	case strings.HasSuffix(rule.PathPattern, "*"):
		rt.kind = matchRawPrefix
		rt.prefix = strings.TrimSuffix(rule.PathPattern, "*")
	default:
		rt.kind = matchExact
		rt.prefix = rule.PathPattern
	}

	if rule.Rewrite != nil {
		if rule.Rewrite.From == "" || !strings.HasPrefix(rule.Rewrite.From, "/") {
			return nil, fmt.Errorf("rewrite.from must start with /")
		}
		if rule.Rewrite.To != "" && !strings.HasPrefix(rule.Rewrite.To, "/") {
			return nil, fmt.Errorf("rewrite.to must start with /")
		}
		rt.rewriteFrom = rule.Rewrite.From
		rt.rewriteTo = rule.Rewrite.To
	}

	return rt, nil
}
