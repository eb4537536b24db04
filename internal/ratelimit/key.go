package ratelimit

import (
	"net/http"
	"strings"
)

// Identity returns the rate limit identity for a request. When
// identityHeader is configured and present its value wins, so deploys
// behind an authenticating edge can count per API key or tenant.
// Otherwise the client IP is used.
func Identity(r *http.Request, identityHeader string) string {
	if identityHeader != "" {
		if v := r.Header.Get(identityHeader); v != "" {
			return v
		}
	}
	return ClientIP(r)
}

// ClientIP extracts the originating client IP from the request. The
// gateway usually sits behind a TLS-terminating edge, so the forwarded
// chain is consulted before the peer address.
func ClientIP(r *http.Request) string {
	// The leftmost X-Forwarded-For entry is the originating client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr.
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	// Remove brackets from IPv6 addresses
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
