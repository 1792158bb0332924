package httpapi

import (
	"context"
	"net/http"

	"github.com/modelforge/controlplane/internal/app/health"
	"github.com/modelforge/controlplane/internal/platform/broker"
)

// Health is the slice of health.Service the HTTP layer depends on.
type Health interface {
	Check(ctx context.Context) health.Report
}

func (h *handlers) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Check(r.Context()))
}

// healthCelery mirrors the distilled spec's /health/celery endpoint: a
// narrower report of just the broker/worker roster, named after the
// external interface the original Celery-based system exposed.
func (h *handlers) healthCelery(w http.ResponseWriter, r *http.Request) {
	roster, count, err := h.brokerInspector.Inspect(r.Context())
	body := map[string]any{"status": string(roster), "worker_count": count}
	if err != nil {
		body["error"] = err.Error()
	}
	status := http.StatusOK
	if roster == broker.RosterError {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// ready answers /ready: the process is ready to take traffic once its
// dependencies resolve, distinct from /live which only confirms the process
// is executing its event loop.
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	if report.Status == health.StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
