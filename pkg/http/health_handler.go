package http

import (
	"fmt"
	"net/http"
	"time"

	"efio-gateway/pkg/health"
)

// handleHealth reports the aggregated component view. Degraded still
// answers 200 so probes keep routing traffic; only unhealthy flips to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, "health")
		return
	}

	overall := s.deps.Registry.Overall()
	code := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, overall)
}

// handleHealthLive answers as long as the process can serve a request.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": formatDuration(time.Since(s.started)),
	})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, "health")
		return
	}

	overall := s.deps.Registry.Overall()
	ready := overall.Status != health.StatusUnhealthy
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, map[string]interface{}{
		"ready":  ready,
		"status": overall.Status,
	})
}

func (s *Server) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		unavailable(w, "metrics")
		return
	}

	snap := s.deps.Metrics.Snapshot()
	respond(w, http.StatusOK, map[string]interface{}{
		"system":        snap,
		"api_uptime":    formatDuration(time.Since(s.started)),
		"system_uptime": formatDuration(time.Duration(snap.Uptime) * time.Second),
		"version":       s.deps.Version,
	})
}

func (s *Server) handleHealthWatchdog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchdog == nil {
		unavailable(w, "watchdog")
		return
	}
	respond(w, http.StatusOK, s.deps.Watchdog.Report())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Diagnostics == nil {
		unavailable(w, "diagnostics")
		return
	}
	devices := s.deps.Diagnostics.Report()
	respond(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// formatDuration renders durations the way an operator reads them
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hours %d minutes", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hours", days, hours)
}
