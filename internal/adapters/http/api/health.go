package api

import (
	"net/http"

	"github.com/okian/lookout/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Readiness reports whether the service can answer queries.
type Readiness interface {
	Ready() bool
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	ready Readiness
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(ready Readiness) *HealthHandler {
	return &HealthHandler{ready: ready}
}

// HandleHealth handles GET /healthz requests.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	const op = "api.healthz"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if h.ready != nil && !h.ready.Ready() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", NewKind(op, ErrUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MetricsHandler serves the custom Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
}
