package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/recovery"
	"efio-gateway/pkg/state"
)

const healthComponent = "gpio"

const (
	pollInterval = 100 * time.Millisecond

	readBreakerFailures = 5
	readBreakerTimeout  = 30 * time.Second

	recoveryInitialDelay = 2 * time.Second
	recoveryMaxDelay     = 60 * time.Second

	stopJoinTimeout = 2 * time.Second
)

// Status is the diagnostics view of the front-end
type Status struct {
	Simulation bool                   `json:"simulation_mode"`
	Claimed    bool                   `json:"hardware_claimed"`
	Recovering bool                   `json:"recovery_active"`
	Breaker    recovery.BreakerStatus `json:"circuit_breaker"`
}

// Manager is the GPIO front-end: it polls the four inputs at 10 Hz into
// the shared state and drives the four outputs on demand. When the
// hardware cannot be claimed or starts failing, the manager degrades to
// simulation mode — state keeps working, a background task keeps trying
// to reclaim the lines — rather than taking the gateway down.
//
// The manager's own mutex guards hardware access; the state carries its
// own lock. They are never held together except hardware-then-state
// inside reclaim.
type Manager struct {
	mu sync.Mutex
	hw lines

	ioState  *state.IOState
	registry *health.Registry
	breaker  *recovery.CircuitBreaker

	forceSim  bool
	pollEvery time.Duration

	running    bool
	recovering bool
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewManager(ioState *state.IOState, registry *health.Registry) *Manager {
	return &Manager{
		ioState:   ioState,
		registry:  registry,
		pollEvery: pollInterval,
		breaker: recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig{
			Name:        "gpio-hardware",
			MaxFailures: readBreakerFailures,
			Timeout:     readBreakerTimeout,
		}),
	}
}

// SetTuning applies the front-end knobs from the application settings.
// Must be called before Start.
func (m *Manager) SetTuning(forceSimulation bool, pollEvery time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceSim = forceSimulation
	if pollEvery > 0 {
		m.pollEvery = pollEvery
	}
}

// Start claims the lines and launches the input poll loop. A failed
// claim is not fatal: the manager starts in simulation mode with the
// recovery task running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return gwerrors.NewConflictError("gpio manager", "already running")
	}
	m.running = true
	forceSim := m.forceSim
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx, m.cancel = runCtx, cancel
	m.mu.Unlock()

	if forceSim {
		// Deliberate simulation is healthy: no hardware claim, no recovery.
		logger.LogInfo("💾 Simulation mode forced by configuration")
		m.ioState.SetSimulation(true)
		m.registry.Update(healthComponent, health.StatusHealthy, map[string]interface{}{
			"simulation": "forced",
		})
	} else if err := m.reclaim(); err != nil {
		logger.LogWarn("⚠️  GPIO init failed: %v", err)
		logger.LogInfo("💾 Running in simulation mode")
		m.ioState.SetSimulation(true)
		m.registry.Update(healthComponent, health.StatusDegraded, map[string]interface{}{
			"error": err.Error(),
		})
		m.startRecovery()
	} else {
		logger.LogInfo("✅ GPIO initialized (%d inputs, %d outputs)",
			state.NumChannels, state.NumChannels)
	}

	m.wg.Add(1)
	go m.pollLoop(runCtx)
	return nil
}

// Stop ends the poll and recovery tasks and releases the claim
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		logger.LogWarn("⚠️  GPIO tasks did not stop within %v", stopJoinTimeout)
	}

	m.mu.Lock()
	hw := m.hw
	m.hw = nil
	m.mu.Unlock()
	if hw != nil {
		if err := hw.Close(); err != nil {
			logger.LogWarn("⚠️  GPIO release failed: %v", err)
		}
	}
	logger.LogInfo("🔌 GPIO manager stopped")
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	m.mu.Lock()
	pollEvery := m.pollEvery
	m.mu.Unlock()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

// pollOnce reads all four inputs through the breaker and publishes them
// into the shared state. In simulation mode the state is authoritative
// and the hardware is left alone.
func (m *Manager) pollOnce() {
	if m.ioState.GetSimulation() {
		return
	}

	m.mu.Lock()
	hw := m.hw
	if hw == nil {
		m.mu.Unlock()
		return
	}
	var vals [state.NumChannels]int
	err := m.breaker.Call(func() error {
		v, err := hw.ReadInputs()
		if err != nil {
			return err
		}
		vals = v
		return nil
	})
	m.mu.Unlock()

	if err != nil {
		if gwerrors.IsBreakerOpen(err) {
			return
		}
		logger.LogError("❌ GPIO read error: %v", err)
		if m.breaker.IsOpen() {
			m.downgrade(fmt.Sprintf("repeated read failures, last: %v", err))
		}
		return
	}

	if err := m.ioState.SetDIAll(vals[:]); err != nil {
		logger.LogError("❌ GPIO state update failed: %v", err)
	}
}

// WriteOutput drives one output channel. The shared state is updated
// first and never reverted: it is the authoritative value, the hardware
// follows as well as it can.
func (m *Manager) WriteOutput(channel, value int) error {
	if err := m.ioState.SetDO(channel, value); err != nil {
		return err
	}

	if m.ioState.GetSimulation() {
		logger.LogInfo("💾 Simulation: DO%d = %d", channel+1, value)
		return nil
	}

	m.mu.Lock()
	hw := m.hw
	if hw == nil {
		// Lines already released (shutdown window): the state carries
		// the value, there is nothing left to drive
		m.mu.Unlock()
		logger.LogDebug("DO%d = %d recorded, hardware lines released", channel+1, value)
		return nil
	}
	err := m.breaker.Call(func() error {
		return hw.WriteOutput(channel, value)
	})
	m.mu.Unlock()

	if err != nil {
		if !gwerrors.IsBreakerOpen(err) {
			logger.LogError("❌ GPIO write error: %v", err)
		}
		m.downgrade(fmt.Sprintf("DO%d write failed: %v", channel+1, err))
		return nil
	}
	logger.LogDebug("DO%d = %d", channel+1, value)
	return nil
}

// downgrade switches to simulation mode once and starts the reclaim
// task. Already-simulating calls are no-ops, so racing failures spawn a
// single recovery task.
func (m *Manager) downgrade(reason string) {
	if m.ioState.GetSimulation() {
		return
	}
	logger.LogWarn("⚠️  Switching to simulation mode: %s", reason)
	m.ioState.SetSimulation(true)
	m.registry.Update(healthComponent, health.StatusDegraded, map[string]interface{}{
		"reason": reason,
	})
	m.startRecovery()
}

func (m *Manager) startRecovery() {
	m.mu.Lock()
	if m.recovering || m.runCtx == nil {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	ctx := m.runCtx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.recoveryLoop(ctx)
}

// recoveryLoop retries the hardware claim with exponential backoff
// until it succeeds or the manager stops
func (m *Manager) recoveryLoop(ctx context.Context) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	logger.LogInfo("🔄 GPIO recovery task started")
	delay := recoveryInitialDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := m.reclaim(); err != nil {
			logger.LogWarn("⚠️  GPIO recovery attempt %d failed: %v", attempt, err)
			delay *= 2
			if delay > recoveryMaxDelay {
				delay = recoveryMaxDelay
			}
			continue
		}
		logger.LogInfo("✅ GPIO hardware reclaimed")
		return
	}
}

// reclaim opens the lines, restores the outputs from the authoritative
// state and clears simulation mode. Holding the hardware mutex across
// the state reads keeps the hardware-then-state lock order.
func (m *Manager) reclaim() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hw != nil {
		m.hw.Close()
		m.hw = nil
	}

	hw, err := openLines()
	if err != nil {
		return err
	}

	do := m.ioState.GetDOAll()
	for ch, v := range do {
		if err := hw.WriteOutput(ch, v); err != nil {
			hw.Close()
			return fmt.Errorf("restore DO%d: %w", ch+1, err)
		}
	}

	m.hw = hw
	m.breaker.Reset()
	m.ioState.SetSimulation(false)
	m.registry.Update(healthComponent, health.StatusHealthy, map[string]interface{}{
		"inputs":  state.NumChannels,
		"outputs": state.NumChannels,
	})
	return nil
}

// Status reports the hardware claim, recovery task and breaker state
func (m *Manager) Status() Status {
	m.mu.Lock()
	claimed := m.hw != nil
	recovering := m.recovering
	m.mu.Unlock()

	return Status{
		Simulation: m.ioState.GetSimulation(),
		Claimed:    claimed,
		Recovering: recovering,
		Breaker:    m.breaker.Status(),
	}
}
