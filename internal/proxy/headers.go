package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopHeaders are connection-management headers that must not be
// forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// droppedRequestHeaders are stripped from the outbound copy on top of
// the hop-by-hop set. Host is rebuilt from the chosen instance,
// Content-Length from the request body, and Accept-Encoding is left to
// the outbound transport's own negotiation.
var droppedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// copyInboundHeaders copies client headers onto the outbound request,
// minus the connection-management set, and injects the forwarding
// headers.
func copyInboundHeaders(out *http.Request, in *http.Request, requestID string) {
	for k, vv := range in.Header {
		out.Header[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	for _, h := range droppedRequestHeaders {
		out.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", in.Host)

	if requestID != "" {
		out.Header.Set("X-Request-ID", requestID)
	}
}

// copyResponseHeaders copies upstream response headers to the client,
// minus the hop-by-hop set.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// isWebSocketUpgrade reports whether the request asks for a WebSocket
// upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// headerContainsToken reports whether a comma-separated header field
// contains the given token, case-insensitively.
func headerContainsToken(h http.Header, field, token string) bool {
	for _, v := range h.Values(field) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
