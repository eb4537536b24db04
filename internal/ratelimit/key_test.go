package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPFromForwardedChain(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "10.0.0.1:52000"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2, 10.0.0.1")

	assert.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestClientIPFromRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "10.0.0.1:52000"
	r.Header.Set("X-Real-IP", "203.0.113.9")

	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestClientIPFromRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "192.0.2.4:52000"

	assert.Equal(t, "192.0.2.4", ClientIP(r))
}

func TestClientIPIPv6(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "[2001:db8::1]:52000"

	assert.Equal(t, "2001:db8::1", ClientIP(r))
}

func TestIdentityHeaderOverride(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.RemoteAddr = "192.0.2.4:52000"
	r.Header.Set("X-API-Key", "tenant-42")

	assert.Equal(t, "tenant-42", Identity(r, "X-API-Key"))

	// Missing header falls back to the client IP.
	assert.Equal(t, "192.0.2.4", Identity(r, "X-Other-Key"))

	// No header configured uses the client IP.
	assert.Equal(t, "192.0.2.4", Identity(r, ""))
}
