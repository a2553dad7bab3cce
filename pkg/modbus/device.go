package modbus

import (
	"context"
	"sync"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/recovery"
)

// Per-device breaker defaults, overridable through the device document
const (
	deviceBreakerFailures = 3
	deviceBreakerTimeout  = 30 * time.Second
)

// RegisterReading is one retained poll value. Raw is the wire value,
// Value the scaled engineering value.
type RegisterReading struct {
	Register  uint16    `json:"register"`
	Name      string    `json:"name,omitempty"`
	Raw       uint16    `json:"raw"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Device pairs the persisted slave description with its runtime state:
// the live session, the circuit breaker, the poller and liveness tasks
// and the values retained from the last poll cycles.
type Device struct {
	mu  sync.Mutex
	cfg config.ModbusDevice

	session       session
	connecting    bool
	lastConnected *time.Time

	polling    bool
	pollCancel context.CancelFunc
	liveCancel context.CancelFunc

	lastValues map[uint16]RegisterReading

	readCount  uint64
	writeCount uint64
	errorCount uint64

	breaker *recovery.CircuitBreaker
}

// DeviceStatus is the JSON view of a device's configuration and runtime
type DeviceStatus struct {
	config.ModbusDevice
	Connected     bool                       `json:"connected"`
	Polling       bool                       `json:"polling"`
	LastConnected *time.Time                 `json:"last_connected,omitempty"`
	ReadCount     uint64                     `json:"read_count"`
	WriteCount    uint64                     `json:"write_count"`
	ErrorCount    uint64                     `json:"error_count"`
	LastValues    map[uint16]RegisterReading `json:"last_values,omitempty"`
	Breaker       recovery.BreakerStatus     `json:"circuit_breaker"`
}

func newDevice(cfg config.ModbusDevice) *Device {
	return &Device{
		cfg:        cfg,
		lastValues: make(map[uint16]RegisterReading),
		breaker:    newDeviceBreaker(cfg),
	}
}

// newDeviceBreaker builds the transaction guard. Only classified
// transport failures count against it; validation mistakes and refused
// calls pass through without touching the counter.
func newDeviceBreaker(cfg config.ModbusDevice) *recovery.CircuitBreaker {
	failures, timeout := deviceBreakerFailures, deviceBreakerTimeout
	if cfg.Breaker != nil {
		if cfg.Breaker.FailureThreshold > 0 {
			failures = cfg.Breaker.FailureThreshold
		}
		if cfg.Breaker.Timeout > 0 {
			timeout = time.Duration(cfg.Breaker.Timeout) * time.Second
		}
	}
	return recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig{
		Name:        "modbus-" + cfg.ID,
		MaxFailures: failures,
		Timeout:     timeout,
		ExpectedErrors: func(err error) bool {
			_, ok := gwerrors.AsTransport(err)
			return ok
		},
	})
}

// ID returns the device identifier
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.ID
}

// Name returns the configured display name
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Name
}

// Config returns a copy of the persisted description
func (d *Device) Config() config.ModbusDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// UpdateConfig replaces the persisted description. The breaker is
// rebuilt only when its thresholds changed, so an unrelated edit does
// not forgive accumulated failures.
func (d *Device) UpdateConfig(cfg config.ModbusDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rebuild := breakerSettingsChanged(d.cfg.Breaker, cfg.Breaker)
	d.cfg = cfg
	if rebuild {
		d.breaker = newDeviceBreaker(cfg)
	}
}

func breakerSettingsChanged(a, b *config.BreakerConfig) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return a.FailureThreshold != b.FailureThreshold || a.Timeout != b.Timeout
}

// IsConnected reports whether a live session exists
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// IsPolling reports whether the register poll task is running
func (d *Device) IsPolling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polling
}

// pollRegisters returns the registers the poll cycle should read
func (d *Device) pollRegisters() []config.ModbusRegister {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := make([]config.ModbusRegister, 0, len(d.cfg.Registers))
	for _, reg := range d.cfg.Registers {
		if reg.Poll && reg.FunctionCode >= 1 && reg.FunctionCode <= 4 {
			regs = append(regs, reg)
		}
	}
	return regs
}

// stopTasks cancels the poller and liveness tasks if they are running
func (d *Device) stopTasks() {
	d.mu.Lock()
	pollCancel, liveCancel := d.pollCancel, d.liveCancel
	d.pollCancel, d.liveCancel = nil, nil
	d.polling = false
	d.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
	if liveCancel != nil {
		liveCancel()
	}
}

func (d *Device) recordRead() {
	d.mu.Lock()
	d.readCount++
	d.mu.Unlock()
}

func (d *Device) recordWrite() {
	d.mu.Lock()
	d.writeCount++
	d.mu.Unlock()
}

func (d *Device) recordError() {
	d.mu.Lock()
	d.errorCount++
	d.mu.Unlock()
}

// setLastValue retains the most recent reading per register
func (d *Device) setLastValue(r RegisterReading) {
	d.mu.Lock()
	d.lastValues[r.Register] = r
	d.mu.Unlock()
}

// Status assembles the JSON view
func (d *Device) Status() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	values := make(map[uint16]RegisterReading, len(d.lastValues))
	for k, v := range d.lastValues {
		values[k] = v
	}
	return DeviceStatus{
		ModbusDevice:  d.cfg,
		Connected:     d.session != nil,
		Polling:       d.polling,
		LastConnected: d.lastConnected,
		ReadCount:     d.readCount,
		WriteCount:    d.writeCount,
		ErrorCount:    d.errorCount,
		LastValues:    values,
		Breaker:       d.breaker.Status(),
	}
}
