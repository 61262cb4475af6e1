package api

import (
	"net/http"
	"time"
)

// HealthResponse reports overall and per-component liveness.
type HealthResponse struct {
	Status     string            `json:"status"`
	Time       time.Time         `json:"time"`
	Components map[string]string `json:"components,omitempty"`
}

// healthCheck probes every registered backend. Any failing component flips
// the overall status to degraded and the response to 503 so load balancers
// rotate the instance out.
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
	}
	if len(a.checks) > 0 {
		resp.Components = make(map[string]string, len(a.checks))
	}

	status := http.StatusOK
	for _, check := range a.checks {
		if err := check.Check(); err != nil {
			resp.Components[check.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			a.logger.Warnw("Health check failed",
				"component", check.Name,
				"error", err)
			continue
		}
		resp.Components[check.Name] = "ok"
	}

	writeJSON(w, status, resp, a.logger)
}
