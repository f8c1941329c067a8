package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the health state of a monitored endpoint.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Monitor defaults.
const (
	DefaultInterval      = 30 * time.Second
	DefaultCheckTimeout  = 3 * time.Second
	DefaultDegradedAfter = 2
	DefaultFailedAfter   = 3
)

// Endpoint is an inference server to check. The check is GET {URL}/health.
type Endpoint struct {
	ID   string
	Name string
	URL  string
}

// ServiceHealth is the tracked state of one endpoint.
type ServiceHealth struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	State        Status    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastCheck    time.Time `json:"last_check,omitzero"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
	LatencyMS    float64   `json:"latency_ms"`
}

// MonitorConfig tunes a [Monitor]. Zero values select the defaults.
type MonitorConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	DegradedAfter int
	FailedAfter   int
	Client        *http.Client
}

// Monitor periodically checks inference endpoints. An endpoint becomes
// degraded after DegradedAfter consecutive failures and failed after
// FailedAfter; one successful check makes it healthy again.
type Monitor struct {
	cfg MonitorConfig

	mu       sync.Mutex
	services map[string]*ServiceHealth
}

// NewMonitor returns a monitor for endpoints. Endpoints without a URL are
// skipped. All endpoints start healthy.
func NewMonitor(endpoints []Endpoint, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCheckTimeout
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultDegradedAfter
	}
	if cfg.FailedAfter <= 0 {
		cfg.FailedAfter = DefaultFailedAfter
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	m := &Monitor{cfg: cfg, services: make(map[string]*ServiceHealth, len(endpoints))}
	for _, ep := range endpoints {
		if ep.URL == "" {
			continue
		}
		m.services[ep.ID] = &ServiceHealth{ID: ep.ID, Name: ep.Name, URL: ep.URL, State: StatusHealthy}
	}
	return m
}

// Run checks every endpoint immediately and then once per interval until ctx
// is done.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("health: monitor started", "services", len(m.services), "interval", m.cfg.Interval)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		m.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CheckAll checks every endpoint concurrently and waits for the results.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	targets := make([]ServiceHealth, 0, len(m.services))
	for _, s := range m.services {
		targets = append(targets, *s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range targets {
		g.Go(func() error {
			latency, err := m.ping(ctx, s.URL)
			if ctx.Err() != nil {
				return nil
			}
			m.record(s.ID, latency, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) ping(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/health", nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := m.cfg.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return latency, errors.New("timeout")
		}
		return latency, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return latency, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return latency, nil
}

func (m *Monitor) record(id string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return
	}
	now := time.Now()
	s.LastCheck = now
	if err == nil {
		if s.State != StatusHealthy {
			slog.Info("health: service recovered", "service", s.Name)
		}
		s.State = StatusHealthy
		s.FailureCount = 0
		s.LastSuccess = now
		s.LastError = ""
		s.LatencyMS = float64(latency.Microseconds()) / 1000
		return
	}

	s.FailureCount++
	s.LastError = err.Error()
	switch {
	case s.FailureCount >= m.cfg.FailedAfter:
		if s.State != StatusFailed {
			slog.Error("health: service failed", "service", s.Name, "failures", s.FailureCount, "err", err)
		}
		s.State = StatusFailed
	case s.FailureCount >= m.cfg.DegradedAfter:
		if s.State != StatusDegraded {
			slog.Warn("health: service degraded", "service", s.Name, "failures", s.FailureCount, "err", err)
		}
		s.State = StatusDegraded
	}
}

// Services returns the state of every endpoint ordered by id.
func (m *Monitor) Services() []ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceHealth, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b ServiceHealth) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Reset marks an endpoint healthy and clears its failure count. It reports
// false for an unknown id.
func (m *Monitor) Reset(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return false
	}
	s.State = StatusHealthy
	s.FailureCount = 0
	s.LastError = ""
	return true
}

// Ready returns an error naming every failed endpoint.
func (m *Monitor) Ready(context.Context) error {
	var errs []error
	for _, s := range m.Services() {
		if s.State == StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %s", s.ID, s.LastError))
		}
	}
	return errors.Join(errs...)
}

// Checker exposes [Monitor.Ready] as a readiness check.
func (m *Monitor) Checker() Checker {
	return Checker{Name: "inference", Check: m.Ready}
}

// Register adds the service detail routes to mux:
//
//   - GET /v1/health/services lists every endpoint.
//   - POST /v1/health/services/{id}/reset marks one endpoint healthy.
func (m *Monitor) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health/services", func(w http.ResponseWriter, _ *http.Request) {
		services := m.Services()
		overall := StatusHealthy
		for _, s := range services {
			if s.State == StatusFailed {
				overall = StatusFailed
				break
			}
			if s.State == StatusDegraded {
				overall = StatusDegraded
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": overall, "services": services})
	})
	mux.HandleFunc("POST /v1/health/services/{id}/reset", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !m.Reset(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service " + id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "service": id})
	})
}
