package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
)

// corsPolicy holds precomputed header values so the hot path only does
// map lookups and sets.
type corsPolicy struct {
	allowAll         bool
	origins          map[string]bool
	allowMethods     string
	allowHeaders     string
	allowCredentials bool
	maxAge           string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:          make(map[string]bool, len(cfg.AllowedOrigins)),
		allowMethods:     strings.Join(cfg.AllowedMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowedHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.allowAll = true
			continue
		}
		p.origins[o] = true
	}
	if secs := int(cfg.MaxAge.Duration().Seconds()); secs > 0 {
		p.maxAge = strconv.Itoa(secs)
	}
	return p
}

func (p *corsPolicy) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	return p.allowAll || p.origins[origin]
}

// CORS answers preflight requests and stamps allow headers on actual
// responses per the configured policy.
func CORS(cfg config.CORSConfig) Middleware {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if !policy.allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if policy.allowAll && !policy.allowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if policy.allowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if policy.allowMethods != "" {
					h.Set("Access-Control-Allow-Methods", policy.allowMethods)
				}
				if policy.allowHeaders != "" {
					h.Set("Access-Control-Allow-Headers", policy.allowHeaders)
				}
				if policy.maxAge != "" {
					h.Set("Access-Control-Max-Age", policy.maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
