// Package registry tracks which backend instances exist for each logical
// service, which of them are healthy, and where they live. The view is
// shared between gateway processes through an external store; every
// proxy decision reads it (through a short-TTL cache) so registrations
// and health transitions propagate within one probe interval.
package registry

import (
	"fmt"
	"time"
)

// Status is the health state of a registered instance.
type Status string

// Instance health states. Degraded instances are excluded from
// selection but retained for observability; down instances have failed
// enough consecutive probes to be considered gone until proven alive.
const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ServiceInstance is one registered backend endpoint. Instances are
// identified by (ServiceName, Host, Port) and shared between gateway
// processes; callers must treat returned instances as read-only.
type ServiceInstance struct {
	ServiceName     string `json:"serviceName"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"`
	HealthCheckPath string `json:"healthCheckPath"`

	// Per-service policy carried with the registration.
	TimeoutMs               int `json:"timeoutMs"`
	MaxRetries              int `json:"maxRetries"`
	CircuitBreakerThreshold int `json:"circuitBreakerThreshold"`

	Status              Status    `json:"status"`
	LastHealthCheck     time.Time `json:"lastHealthCheck"`
	LastSuccessfulCheck time.Time `json:"lastSuccessfulCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	RegisteredAt        time.Time `json:"registeredAt"`
}

// Key returns the host:port identity of the instance within its service.
func (si *ServiceInstance) Key() string {
	return fmt.Sprintf("%s:%d", si.Host, si.Port)
}

// BaseURL returns the scheme://host:port root of the instance.
func (si *ServiceInstance) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", si.Protocol, si.Host, si.Port)
}

// HealthCheckURL returns the absolute probe URL.
func (si *ServiceInstance) HealthCheckURL() string {
	return si.BaseURL() + si.HealthCheckPath
}

// Timeout returns the per-instance request deadline.
func (si *ServiceInstance) Timeout() time.Duration {
	return time.Duration(si.TimeoutMs) * time.Millisecond
}

// Validate checks required fields and fills defaulted ones.
func (si *ServiceInstance) Validate() error {
	if si.ServiceName == "" {
		return fmt.Errorf("registry: serviceName is required")
	}
	if si.Host == "" {
		return fmt.Errorf("registry: host is required")
	}
	if si.Port <= 0 || si.Port > 65535 {
		return fmt.Errorf("registry: invalid port %d", si.Port)
	}

	switch si.Protocol {
	case "":
		si.Protocol = "http"
	case "http", "https":
	default:
		return fmt.Errorf("registry: invalid protocol %q", si.Protocol)
	}

	if si.HealthCheckPath == "" {
		si.HealthCheckPath = "/health"
	}
	if si.HealthCheckPath[0] != '/' {
		si.HealthCheckPath = "/" + si.HealthCheckPath
	}
	if si.TimeoutMs < 0 {
		return fmt.Errorf("registry: timeoutMs must not be negative")
	}
	if si.MaxRetries < 0 {
		return fmt.Errorf("registry: maxRetries must not be negative")
	}
	if si.CircuitBreakerThreshold < 0 {
		return fmt.Errorf("registry: circuitBreakerThreshold must not be negative")
	}

	return nil
}

// clone returns a copy so store implementations never hand out shared
// mutable state.
func (si *ServiceInstance) clone() *ServiceInstance {
	cp := *si
	return &cp
}
