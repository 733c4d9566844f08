// Package health provides the admin HTTP surface.
//
//   - /health — dependency checks; returns 200 only when all registered
//     [Checker] functions pass. The body carries uptime and connection
//     counts. /readyz is an alias.
//   - /stats  — a JSON snapshot of per-session and lifetime counters.
//   - /healthz — bare liveness probe, always 200.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/haipio/haip/internal/session"
)

// checkTimeout is the maximum time a single dependency check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "archive"). It appears as
	// a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// healthResult is the JSON response body for /health. Uptime is in seconds.
type healthResult struct {
	Status            string            `json:"status"`
	Uptime            float64           `json:"uptime"`
	ActiveConnections int               `json:"activeConnections"`
	TotalConnections  int64             `json:"totalConnections"`
	Checks            map[string]string `json:"checks,omitempty"`
}

// Handler serves the admin endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	manager  *session.Manager
	checkers []Checker
}

// New creates a [Handler] over the session manager. The checkers are
// evaluated sequentially on each /health request.
func New(manager *session.Manager, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{manager: manager, checkers: c}
}

// Health reports process health and connection counts. It returns 200 only
// when every registered [Checker] passes; each checker runs under a
// [checkTimeout] deadline derived from the request context.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	snap := h.manager.Snapshot()
	res := healthResult{
		Status:            "ok",
		Uptime:            snap.UptimeSeconds,
		ActiveConnections: snap.ActiveConnections,
		TotalConnections:  snap.TotalConnections,
		Checks:            checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Stats serves the full session manager snapshot, including the per-session
// listing.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Snapshot())
}

// Healthz is a bare liveness probe. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Register adds the admin routes to mux. /healthz and /readyz are the
// conventional probe aliases for /health.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
