package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/gateway/internal/registry"
)

// backendStatus is one backend's entry in the health report.
type backendStatus struct {
	Health    string    `json:"health"`
	Endpoints []string  `json:"endpoints"`
	LastCheck time.Time `json:"lastCheck,omitempty"`
}

// Handler serves the gateway's own health endpoints.
type Handler struct {
	registry *registry.Registry
}

// NewHandler creates a health endpoint handler over the registry.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{registry: reg}
}

// Register mounts the health endpoints on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/healthz/backends", h.Backends)
}

// Healthz reports process liveness.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports readiness to serve traffic: at least one backend must
// be reachable.
func (h *Handler) Readyz(c *gin.Context) {
	snapshot := h.registry.HealthSnapshot()

	ready := false
	for _, health := range snapshot {
		if health != registry.Unreachable {
			ready = true
			break
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}

	backends := make(map[string]string, len(snapshot))
	for name, health := range snapshot {
		backends[name] = health.String()
	}

	c.JSON(status, gin.H{"status": state, "backends": backends})
}

// Backends reports the full per-backend health detail.
func (h *Handler) Backends(c *gin.Context) {
	report := make(map[string]backendStatus)
	for _, b := range h.registry.Backends() {
		report[b.Name] = backendStatus{
			Health:    b.Health.String(),
			Endpoints: b.Endpoints,
			LastCheck: b.LastCheck,
		}
	}
	c.JSON(http.StatusOK, report)
}
