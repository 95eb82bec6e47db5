// Package health exposes an HTTP /healthz endpoint and drives the
// systemd watchdog heartbeat, built on internal/watchdog's generic
// health-check loop.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/shardmesh/shardnet/internal/watchdog"
)

// Status is one check's last observed result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the /healthz response body.
type Report struct {
	Status string   `json:"status"` // "ok" | "degraded"
	Checks []Status `json:"checks"`
}

// Server tracks the latest result of each registered health check and
// serves them over HTTP, while also feeding watchdog.Run for the systemd
// WATCHDOG=1 heartbeat.
type Server struct {
	mu     sync.RWMutex
	checks []watchdog.LivenessCheck
	latest map[string]Status
}

// NewServer constructs a Server with the given named checks.
func NewServer(checks []watchdog.LivenessCheck) *Server {
	return &Server{
		checks: checks,
		latest: make(map[string]Status, len(checks)),
	}
}

// Run starts the underlying watchdog loop (health checks + systemd
// heartbeat) at interval, recording each check's latest result for
// ServeHTTP. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	wrapped := make([]watchdog.LivenessCheck, len(s.checks))
	for i, c := range s.checks {
		c := c
		wrapped[i] = watchdog.LivenessCheck{
			Name: c.Name,
			Check: func() error {
				err := c.Check()
				s.record(c.Name, err)
				return err
			},
		}
	}
	_ = watchdog.Ready()
	defer func() { _ = watchdog.Stopping() }()
	watchdog.Run(ctx, watchdog.Config{Interval: interval}, wrapped)
}

func (s *Server) record(name string, err error) {
	st := Status{Name: name, Healthy: err == nil}
	if err != nil {
		st.Error = err.Error()
	}
	s.mu.Lock()
	s.latest[name] = st
	s.mu.Unlock()
}

// ServeHTTP implements http.Handler for GET /healthz: 200 when every known
// check last reported healthy (or none have run yet), 503 otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	report := Report{Status: "ok"}
	for _, c := range s.checks {
		st, ok := s.latest[c.Name]
		if !ok {
			st = Status{Name: c.Name, Healthy: true}
		}
		if !st.Healthy {
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, st)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
