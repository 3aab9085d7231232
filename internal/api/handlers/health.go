package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
)

// Check reports whether one dependency is reachable
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	service  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates a probe handler. breakers may be nil.
func NewHealthHandler(service string, checks map[string]Check, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

type readiness struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Ready handles GET /ready. Every check must pass; open breakers are
// reported but do not fail the probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	out := readiness{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			out.Checks[name] = err.Error()
			out.Status = "not ready"
			continue
		}
		out.Checks[name] = "ok"
	}
	if h.breakers != nil {
		out.Breakers = h.breakers.GetHealthStatus()
	}

	code := http.StatusOK
	if out.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}
