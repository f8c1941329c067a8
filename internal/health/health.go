// Package health serves the liveness and readiness endpoints of the voice
// server and tracks the health of the inference servers it depends on.
//
// Routes:
//
//   - GET /healthz: liveness; 200 while the process can serve HTTP.
//   - GET /readyz: readiness; 200 only when every [Checker] passes.
//   - GET /v1/health/services: per-endpoint state from a [Monitor].
//
// The readiness checks run concurrently, each bounded by [CheckTimeout].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds a single readiness check.
const CheckTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// can serve traffic and must respect ctx cancellation.
type Checker struct {
	// Name keys the check in the /readyz response, e.g. "stats_store".
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker] in a /readyz response.
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

type liveness struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type readiness struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a [Handler] that runs checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Healthz always answers 200 together with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
	})
}

// Readyz runs every checker concurrently and answers 503 if any failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := h.Run(r.Context())

	res := readiness{Status: "ok", Checks: checks}
	status := http.StatusOK
	for _, c := range checks {
		if c.Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

// Run executes all checkers and returns their results keyed by name.
func (h *Handler) Run(ctx context.Context) map[string]CheckResult {
	var (
		mu  sync.Mutex
		out = make(map[string]CheckResult, len(h.checkers))
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			res := runCheck(ctx, c)
			mu.Lock()
			out[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{
		Status:    "ok",
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
