package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
)

// handleHealth reports the gateway's own health plus a snapshot of the
// registry, breaker, and limiter state. Store unreachability degrades
// the report to 503 so orchestrators stop routing to this node.
func (g *Gateway) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"version":   g.version,
		"state":     g.State().String(),
		"uptime":    g.Uptime().Truncate(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if g.registry != nil {
		reg := gin.H{"store": "ok"}
		if err := g.registry.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			reg["store"] = "unreachable"
			g.logger.Warn("registry store unreachable", observability.Error(err))
		} else if all, err := g.registry.ListAll(ctx); err == nil {
			counts := map[registry.Status]int{}
			for _, instances := range all {
				for _, inst := range instances {
					counts[inst.Status]++
				}
			}
			reg["services"] = len(all)
			reg["instances"] = gin.H{
				"healthy":  counts[registry.StatusHealthy],
				"degraded": counts[registry.StatusDegraded],
				"down":     counts[registry.StatusDown],
			}
		}
		body["registry"] = reg
	}

	if g.breakers != nil {
		snaps := g.breakers.Snapshot()
		open := 0
		for _, s := range snaps {
			if s.State != "closed" {
				open++
			}
		}
		body["breakers"] = gin.H{
			"total":     len(snaps),
			"notClosed": open,
		}
	}

	if g.limiter != nil {
		body["rateLimit"] = gin.H{
			"classes": len(g.limiter.Classes()),
		}
	}

	c.JSON(status, body)
}

// handleInfo summarizes the gateway configuration and route table.
func (g *Gateway) handleInfo(c *gin.Context) {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"name":          "chainreactions-gateway",
		"version":       g.version,
		"environment":   cfg.Environment,
		"uptime":        g.Uptime().Truncate(time.Second).String(),
		"loadBalancer":  cfg.LoadBalancer.Strategy,
		"registryStore": cfg.Registry.Store,
		"pipeline":      g.pipeline.Stages(),
		"routes":        g.router.Routes(),
	})
}

// handleMonitoringRegistry dumps every registered instance, including
// degraded and down ones.
func (g *Gateway) handleMonitoringRegistry(c *gin.Context) {
	if g.registry == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "registry diagnostics are not wired"})
		return
	}

	all, err := g.registry.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	total := 0
	for _, instances := range all {
		total += len(instances)
	}

	c.JSON(http.StatusOK, gin.H{
		"services":  all,
		"instances": total,
	})
}

// handleMonitoringBreakers dumps every breaker's state machine.
func (g *Gateway) handleMonitoringBreakers(c *gin.Context) {
	if g.breakers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "breaker diagnostics are not wired"})
		return
	}

	snaps := g.breakers.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":    len(snaps),
		"breakers": snaps,
	})
}

// handleMonitoringRateLimit reports the quota classes in force.
func (g *Gateway) handleMonitoringRateLimit(c *gin.Context) {
	if g.limiter == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rate limit diagnostics are not wired"})
		return
	}

	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	qcs := g.limiter.Classes()
	classes := make([]gin.H, 0, len(qcs))
	for _, qc := range qcs {
		classes = append(classes, gin.H{
			"name":        qc.Name,
			"maxRequests": qc.MaxRequests,
			"window":      qc.Window.Duration().String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":        cfg.RateLimit.Enabled,
		"identityHeader": cfg.RateLimit.IdentityHeader,
		"distributed":    cfg.RateLimit.Distributed,
		"classes":        classes,
	})
}

// handleMonitoringRoutes dumps the compiled route table in match order.
func (g *Gateway) handleMonitoringRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count":  g.router.Len(),
		"routes": g.router.Routes(),
	})
}
