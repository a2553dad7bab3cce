// Package watchdog implements a software watchdog: the main loop feeds
// it, a background task barks when feeding stalls. Components register
// health checks that run on every breach and on a periodic sweep, so a
// hung loop leaves a usable diagnosis in the log and the health
// registry.
package watchdog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
)

const (
	DefaultTimeout = 60 * time.Second

	checkInterval   = time.Second
	sweepEvery      = 10 // ticks between full health sweeps
	stopJoinTimeout = 5 * time.Second

	healthComponent = "watchdog"
)

// HealthCheck reports whether one component is currently functional
type HealthCheck func() bool

type component struct {
	check     HealthCheck
	status    string
	lastCheck *time.Time
	failures  int
}

// ComponentHealth is the per-component slice of the report
type ComponentHealth struct {
	Status    string     `json:"status"`
	LastCheck *time.Time `json:"last_check,omitempty"`
	Failures  int        `json:"failures"`
}

// Report is the payload of the watchdog health endpoint
type Report struct {
	Running      bool                       `json:"running"`
	TimeoutSecs  float64                    `json:"timeout"`
	LastFeed     time.Time                  `json:"last_feed"`
	LastFeedAge  float64                    `json:"last_feed_age"`
	TimeoutCount int                        `json:"timeout_count"`
	Status       string                     `json:"status"`
	Components   map[string]ComponentHealth `json:"components"`
}

// Watchdog owns the last-feed timestamp and the component checks. One
// stall triggers the timeout handler exactly once: the breach resets
// the timestamp so the next window counts afresh.
type Watchdog struct {
	mu           sync.Mutex
	timeout      time.Duration
	checkEvery   time.Duration
	sweepTicks   int
	onTimeout    func()
	lastFeed     time.Time
	timeoutCount int
	components   map[string]*component

	registry *health.Registry

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(timeout time.Duration, registry *health.Registry) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watchdog{
		timeout:    timeout,
		checkEvery: checkInterval,
		sweepTicks: sweepEvery,
		lastFeed:   time.Now(),
		components: make(map[string]*component),
		registry:   registry,
	}
}

// SetTiming overrides the feed-check cadence and the health-sweep
// period. Must be called before Start.
func (w *Watchdog) SetTiming(check, sweep time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if check > 0 {
		w.checkEvery = check
	}
	if sweep > 0 {
		w.sweepTicks = int(sweep / w.checkEvery)
		if w.sweepTicks < 1 {
			w.sweepTicks = 1
		}
	}
}

// SetTimeoutHandler wires the action taken on a breach. Must be called
// before Start.
func (w *Watchdog) SetTimeoutHandler(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTimeout = fn
}

// Feed resets the stall timer. The main loop calls this once per
// iteration.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	w.lastFeed = time.Now()
	w.mu.Unlock()
}

// Register adds a component health check
func (w *Watchdog) Register(name string, check HealthCheck) {
	w.mu.Lock()
	w.components[name] = &component{check: check, status: "unknown"}
	w.mu.Unlock()
	logger.LogInfo("🔍 Watchdog: registered component '%s'", name)
}

// CheckComponent runs one component's health check and records the
// outcome. Unknown names count as unhealthy.
func (w *Watchdog) CheckComponent(name string) bool {
	w.mu.Lock()
	c, ok := w.components[name]
	if !ok {
		w.mu.Unlock()
		logger.LogWarn("⚠️  Watchdog: unknown component '%s'", name)
		return false
	}
	check := c.check
	w.mu.Unlock()

	healthy := check()

	w.mu.Lock()
	now := time.Now()
	c.lastCheck = &now
	if healthy {
		c.status = "healthy"
		c.failures = 0
	} else {
		c.status = "unhealthy"
		c.failures++
	}
	failures := c.failures
	w.mu.Unlock()

	if !healthy {
		logger.LogWarn("⚠️  Watchdog: component '%s' unhealthy (failures: %d)", name, failures)
	}
	return healthy
}

// CheckAll sweeps every registered component
func (w *Watchdog) CheckAll() map[string]bool {
	w.mu.Lock()
	names := make([]string, 0, len(w.components))
	for name := range w.components {
		names = append(names, name)
	}
	w.mu.Unlock()

	sort.Strings(names)
	results := make(map[string]bool, len(names))
	for _, name := range names {
		results[name] = w.CheckComponent(name)
	}
	return results
}

// Start launches the monitoring loop
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return gwerrors.NewConflictError("watchdog", "already running")
	}
	w.running = true
	w.lastFeed = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(runCtx)

	logger.LogInfo("✅ Watchdog started (timeout %v)", w.timeout)
	return nil
}

// Stop ends the monitoring loop
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		logger.LogWarn("⚠️  Watchdog loop did not stop within %v", stopJoinTimeout)
	}
	logger.LogInfo("🛑 Watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	w.mu.Lock()
	checkEvery, sweepTicks := w.checkEvery, w.sweepTicks
	w.mu.Unlock()

	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkTimeout()
			ticks++
			if ticks >= sweepTicks {
				ticks = 0
				w.sweep()
			}
		}
	}
}

// checkTimeout fires the breach path when feeding has stalled past the
// timeout. The feed timestamp is reset inside the same critical section
// so one stall produces exactly one trigger.
func (w *Watchdog) checkTimeout() {
	w.mu.Lock()
	elapsed := time.Since(w.lastFeed)
	if elapsed < w.timeout {
		w.mu.Unlock()
		return
	}
	w.timeoutCount++
	count := w.timeoutCount
	w.lastFeed = time.Now()
	handler := w.onTimeout
	w.mu.Unlock()

	logger.LogError("❌ Watchdog timeout! Main loop stalled for %.1fs (count %d)", elapsed.Seconds(), count)

	results := w.CheckAll()
	var unhealthy []string
	for name, ok := range results {
		if !ok {
			unhealthy = append(unhealthy, name)
		}
	}
	sort.Strings(unhealthy)
	if len(unhealthy) > 0 {
		logger.LogError("❌ Unhealthy components: %s", strings.Join(unhealthy, ", "))
	}

	w.registry.Update(healthComponent, health.StatusDegraded, map[string]interface{}{
		"timeout_count": count,
		"stalled_for":   elapsed.Seconds(),
		"unhealthy":     unhealthy,
	})

	if handler != nil {
		handler()
	}
}

// sweep runs all health checks and mirrors the watchdog state into the
// health registry
func (w *Watchdog) sweep() {
	w.CheckAll()

	w.mu.Lock()
	age := time.Since(w.lastFeed)
	count := w.timeoutCount
	timeout := w.timeout
	w.mu.Unlock()

	status := health.StatusHealthy
	if age >= timeout {
		status = health.StatusDegraded
	}
	w.registry.Update(healthComponent, status, map[string]interface{}{
		"timeout_count": count,
		"last_feed_age": age.Seconds(),
	})
}

// Report summarizes the watchdog and every registered component
func (w *Watchdog) Report() Report {
	w.mu.Lock()
	defer w.mu.Unlock()

	age := time.Since(w.lastFeed)
	status := "healthy"
	if age >= w.timeout {
		status = "timeout"
	}

	components := make(map[string]ComponentHealth, len(w.components))
	for name, c := range w.components {
		components[name] = ComponentHealth{
			Status:    c.status,
			LastCheck: c.lastCheck,
			Failures:  c.failures,
		}
	}

	return Report{
		Running:      w.running,
		TimeoutSecs:  w.timeout.Seconds(),
		LastFeed:     w.lastFeed,
		LastFeedAge:  age.Seconds(),
		TimeoutCount: w.timeoutCount,
		Status:       status,
		Components:   components,
	}
}
