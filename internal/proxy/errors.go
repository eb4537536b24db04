package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Machine-readable rejection reasons carried in the error envelope.
const (
	ReasonNoRoute             = "noRoute"
	ReasonBodyTooLarge        = "requestBodyTooLarge"
	ReasonCircuitOpen         = "circuitBreaker:open"
	ReasonNoHealthyInstances  = "noHealthyInstances"
	ReasonRateLimited         = "rateLimited"
	ReasonUpstreamTimeout     = "upstreamTimeout"
	ReasonUpstreamUnavailable = "upstreamUnavailable"
	ReasonInternal            = "internalError"
)

// Class groups errors by who is at fault and how callers should react.
type Class int

const (
	// ClassClient covers malformed or unroutable requests. Never
	// retried, never counted against a breaker.
	ClassClient Class = iota

	// ClassUpstream covers connection failures, 5xx responses, and
	// deadline expiry. Counts as a breaker failure.
	ClassUpstream

	// ClassInternal covers gateway-side faults such as an unreachable
	// registry store.
	ClassInternal

	// ClassAdmission covers requests refused before any upstream call:
	// open breaker, exhausted quota, no healthy instances.
	ClassAdmission
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassUpstream:
		return "upstream"
	case ClassAdmission:
		return "admission"
	default:
		return "internal"
	}
}

// Classify maps a rejection reason to its error class.
func Classify(reason string) Class {
	switch reason {
	case ReasonNoRoute, ReasonBodyTooLarge:
		return ClassClient
	case ReasonCircuitOpen, ReasonRateLimited, ReasonNoHealthyInstances:
		return ClassAdmission
	case ReasonUpstreamTimeout, ReasonUpstreamUnavailable:
		return ClassUpstream
	default:
		return ClassInternal
	}
}

// Envelope is the JSON error body returned for every gateway-generated
// error response.
type Envelope struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	Path       string `json:"path"`
	Method     string `json:"method"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// WriteError writes the structured error envelope. retryAfter is in
// seconds; when positive it is also sent as a Retry-After header.
func WriteError(w http.ResponseWriter, r *http.Request, status int, reason, message string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(Envelope{
		Error:      http.StatusText(status),
		Reason:     reason,
		Message:    message,
		Path:       r.URL.Path,
		Method:     r.Method,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RetryAfter: retryAfter,
	})
}

// WriteNotFound writes the structured 404 for requests no route matches.
func WriteNotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, ReasonNoRoute, "no route matches the request path", 0)
}

// retryAfterSeconds converts a wait duration to whole seconds, rounding
// up so clients never retry early. Minimum 1 for a positive wait.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
