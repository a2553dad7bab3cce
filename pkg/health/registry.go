package health

import (
	"sync"
	"time"
)

// Status is the reported health of a single component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ComponentHealth is one component's last reported state
type ComponentHealth struct {
	Status     Status                 `json:"status"`
	Details    map[string]interface{} `json:"details,omitempty"`
	LastUpdate time.Time              `json:"last_update"`
}

// OverallHealth aggregates every registered component
type OverallHealth struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Registry tracks per-component health reports for the whole daemon.
// Subsystems push status changes; the HTTP API and the watchdog read them.
type Registry struct {
	components map[string]ComponentHealth
	mu         sync.RWMutex
}

// NewRegistry creates an empty health registry
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
	}
}

// Update records a component's status, overwriting its previous report
func (r *Registry) Update(component string, status Status, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[component] = ComponentHealth{
		Status:     status,
		Details:    details,
		LastUpdate: time.Now(),
	}
}

// Get returns the component's last report, or an unknown entry if it
// has never reported
func (r *Registry) Get(component string) ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.components[component]; ok {
		return h
	}
	return ComponentHealth{Status: StatusUnknown}
}

// Components returns a snapshot copy of all component reports
func (r *Registry) Components() map[string]ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]ComponentHealth, len(r.components))
	for name, h := range r.components {
		snapshot[name] = h
	}
	return snapshot
}

// Overall aggregates component reports: any unhealthy component makes the
// daemon unhealthy, otherwise any degraded component makes it degraded.
func (r *Registry) Overall() OverallHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	overall := StatusHealthy
	components := make(map[string]ComponentHealth, len(r.components))
	for name, h := range r.components {
		components[name] = h
		switch h.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	return OverallHealth{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now(),
	}
}

// IsHealthy reports whether no component is degraded or unhealthy
func (r *Registry) IsHealthy() bool {
	return r.Overall().Status == StatusHealthy
}
