package modbus

import (
	"context"
	"fmt"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/recovery"
)

// StartPolling launches the register poll task for a connected device.
// The interval comes from the device document, clamped to the floor.
func (m *Manager) StartPolling(id string) error {
	dev, err := m.device(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	runCtx := m.runCtx
	running := m.running
	m.mu.RUnlock()
	if !running {
		return gwerrors.NewConflictError("modbus manager", "not running")
	}

	dev.mu.Lock()
	if dev.session == nil {
		dev.mu.Unlock()
		return gwerrors.NewConflictError("modbus device",
			fmt.Sprintf("'%s' not connected", dev.cfg.Name))
	}
	if dev.polling {
		dev.mu.Unlock()
		return gwerrors.NewConflictError("modbus device",
			fmt.Sprintf("'%s' already polling", dev.cfg.Name))
	}
	intervalMs := dev.cfg.Polling.Interval
	if intervalMs == 0 {
		intervalMs = defaultPollingIntervalMs
	}
	if intervalMs < config.MinPollingIntervalMs {
		intervalMs = config.MinPollingIntervalMs
	}
	ctx, cancel := context.WithCancel(runCtx)
	dev.polling = true
	dev.pollCancel = cancel
	name := dev.cfg.Name
	dev.mu.Unlock()

	interval := time.Duration(intervalMs) * time.Millisecond
	m.wg.Add(1)
	go m.pollLoop(ctx, dev, interval)

	m.events.add(EventPolling, fmt.Sprintf("Polling started for '%s'", name),
		map[string]interface{}{"device_id": id, "interval_ms": intervalMs})
	logger.LogInfo("📊 Modbus polling started for '%s' (every %v)", name, interval)
	return nil
}

// StopPolling cancels the register poll task
func (m *Manager) StopPolling(id string) error {
	dev, err := m.device(id)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	if !dev.polling {
		dev.mu.Unlock()
		return gwerrors.NewConflictError("modbus device",
			fmt.Sprintf("'%s' not polling", dev.cfg.Name))
	}
	cancel := dev.pollCancel
	dev.pollCancel = nil
	dev.polling = false
	name := dev.cfg.Name
	dev.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.events.add(EventPolling, fmt.Sprintf("Polling stopped for '%s'", name),
		map[string]interface{}{"device_id": id})
	logger.LogInfo("📊 Modbus polling stopped for '%s'", name)
	return nil
}

func (m *Manager) pollLoop(ctx context.Context, dev *Device, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.pollCycle(ctx, dev); done {
				return
			}
		}
	}
}

// pollCycle reads every polled register once. A failing register is
// skipped, counted on the breaker and the cycle moves on; only a fully
// clean cycle counts as a success. With the breaker open the cycle is
// skipped entirely so the wire stays quiet until the probe window.
func (m *Manager) pollCycle(ctx context.Context, dev *Device) (done bool) {
	regs := dev.pollRegisters()
	if len(regs) == 0 {
		return false
	}
	if dev.breaker.IsOpen() {
		return false
	}

	now := time.Now()
	readings := make([]RegisterReading, 0, len(regs))
	failures := 0
	for _, reg := range regs {
		var value int
		err := m.transact(ctx, dev, "poll", func(c Client) error {
			v, err := readSingle(c, reg.Address, reg.FunctionCode)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if err != nil {
			if gwerrors.IsConflict(err) || ctx.Err() != nil {
				// session gone mid-cycle
				return true
			}
			failures++
			dev.breaker.RecordFailure()
			dev.recordError()
			logger.LogDebug("Modbus poll '%s' register %d failed: %v",
				dev.Name(), reg.Address, err)
			if te, ok := gwerrors.AsTransport(err); ok && te.Kind == gwerrors.TransportSerialError {
				m.cleanupConnection(dev, fmt.Sprintf("serial failure during poll: %v", err))
				return true
			}
			continue
		}

		reading := RegisterReading{
			Register:  reg.Address,
			Name:      reg.Name,
			Raw:       uint16(value),
			Value:     reg.Scaling.Apply(float64(value)),
			Unit:      reg.Unit,
			Timestamp: now,
		}
		dev.setLastValue(reading)
		readings = append(readings, reading)
	}

	if failures == 0 {
		dev.breaker.RecordSuccess()
	}
	if len(readings) > 0 {
		dev.recordRead()
		m.publishPoll(dev, readings, now)
	}
	return false
}

// startLiveness launches the background probe that notices a device
// going dark between requests
func (m *Manager) startLiveness(dev *Device) {
	m.mu.RLock()
	runCtx := m.runCtx
	m.mu.RUnlock()
	if runCtx == nil {
		return
	}

	ctx, cancel := context.WithCancel(runCtx)
	dev.mu.Lock()
	dev.liveCancel = cancel
	dev.mu.Unlock()

	m.wg.Add(1)
	go m.livenessLoop(ctx, dev)
}

// livenessLoop probes register 0 on a fixed cadence. Consecutive probe
// failures beyond the threshold tear the connection down. The probe
// runs through the breaker: while it fails fast the wire stays quiet
// and refusals are not counted, and once the breaker's timeout elapses
// the probe doubles as the recovery attempt.
func (m *Manager) livenessLoop(ctx context.Context, dev *Device) {
	defer m.wg.Done()

	tracker := recovery.NewErrorTracker(livenessFailures)
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.livenessProbe(ctx, dev, tracker); done {
				return
			}
		}
	}
}

// livenessProbe issues one register-0 read through the breaker and
// reports whether the supervision task is finished with this device
func (m *Manager) livenessProbe(ctx context.Context, dev *Device, tracker *recovery.ErrorTracker) (done bool) {
	if !dev.IsConnected() {
		return true
	}

	err := dev.breaker.Call(func() error {
		return m.transact(ctx, dev, "liveness", func(c Client) error {
			_, err := readSingle(c, 0, 3)
			return err
		})
	})
	if err != nil {
		if gwerrors.IsBreakerOpen(err) || gwerrors.IsConflict(err) || ctx.Err() != nil {
			return false
		}
		if tracker.RecordError() {
			m.cleanupConnection(dev, fmt.Sprintf(
				"%d consecutive liveness probe failures, last: %v",
				tracker.ConsecutiveErrors(), err))
			return true
		}
		return false
	}
	tracker.RecordSuccess()
	return false
}
