package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check is one dependency probed by the readiness endpoint. A failing
// critical check makes the instance unready; others only degrade it.
type Check struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []Check
	env     string
	version string
}

func NewHealthHandler(env, version string, checks ...Check) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(h.checks))
	status := "ok"

	for _, c := range h.checks {
		checkCtx, checkCancel := context.WithTimeout(ctx, time.Second)
		err := c.Ping(checkCtx)
		checkCancel()

		if err == nil {
			deps[c.Name] = "ok"
			continue
		}
		deps[c.Name] = "down"
		switch {
		case c.Critical:
			status = "error"
		case status == "ok":
			status = "degraded"
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	}
	if httpStatus != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		_ = json.NewEncoder(w).Encode(Envelope{Success: false, Data: resp, Error: &ErrorBody{Code: "not_ready", Message: "a critical dependency is down"}})
		return
	}
	writeJSON(w, httpStatus, resp)
}
