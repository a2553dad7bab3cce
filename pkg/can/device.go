package can

import (
	"sync"
	"time"

	"efio-gateway/pkg/config"
	"efio-gateway/pkg/recovery"
)

// DefaultTimeoutThreshold applies to devices created without one (seconds)
const DefaultTimeoutThreshold = 30

// Per-device breaker settings: the breaker trips after consecutive
// liveness timeouts and re-arms on any received frame.
const (
	deviceBreakerFailures = 3
	deviceBreakerTimeout  = 30 * time.Second
)

// Device tracks the runtime state of one configured endpoint on the bus
type Device struct {
	mu  sync.Mutex
	cfg config.CANDevice

	rxCount      uint64
	txCount      uint64
	lastRX       time.Time
	timedOut     bool
	timeoutCount uint64

	breaker *recovery.CircuitBreaker
}

// DeviceStatus is the JSON view of a device's configuration and counters
type DeviceStatus struct {
	config.CANDevice
	RXCount      uint64                 `json:"rx_count"`
	TXCount      uint64                 `json:"tx_count"`
	LastSeen     *time.Time             `json:"last_seen,omitempty"`
	Alive        bool                   `json:"alive"`
	TimeoutCount uint64                 `json:"timeout_count"`
	Breaker      recovery.BreakerStatus `json:"circuit_breaker"`
}

func newDevice(cfg config.CANDevice) *Device {
	return &Device{
		cfg: cfg,
		breaker: recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig{
			Name:        "can-device-" + cfg.ID,
			MaxFailures: deviceBreakerFailures,
			Timeout:     deviceBreakerTimeout,
		}),
	}
}

// Name returns the configured display name
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Name
}

// ID returns the device identifier
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.ID
}

// Matches reports whether an identifier belongs to this device and the
// device is enabled
func (d *Device) Matches(canID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled && d.cfg.CANID == canID
}

// RecordRX notes a received frame. last_rx_time never moves backwards
// and any timeout state is cleared.
func (d *Device) RecordRX(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rxCount++
	if now.After(d.lastRX) {
		d.lastRX = now
	}
	d.timedOut = false
	d.breaker.Reset()
}

// RecordTX notes a frame sent to this device's identifier
func (d *Device) RecordTX() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txCount++
}

// CheckTimeout tests liveness against the configured threshold. It
// returns true exactly once per transition into timeout; subsequent
// checks stay silent until the device recovers. Devices that have never
// been seen do not time out.
func (d *Device) CheckTimeout(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.Enabled || d.lastRX.IsZero() {
		return false
	}

	threshold := time.Duration(d.cfg.TimeoutThreshold) * time.Second
	if now.Sub(d.lastRX) <= threshold {
		d.timedOut = false
		return false
	}
	if d.timedOut {
		return false
	}

	d.timedOut = true
	d.timeoutCount++
	d.breaker.RecordFailure()
	return true
}

// ClearAliveness wipes liveness tracking after a hardware failure so a
// reconnect starts from a clean slate.
func (d *Device) ClearAliveness() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastRX = time.Time{}
	d.timedOut = false
}

// ResetBreaker closes the device breaker by operator request. Liveness
// state is untouched; only received traffic marks a device alive again.
func (d *Device) ResetBreaker() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breaker.Reset()
}

// ResetCounters zeroes the traffic counters, keeping configuration and
// liveness state.
func (d *Device) ResetCounters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxCount = 0
	d.txCount = 0
	d.timeoutCount = 0
}

// Config returns a copy of the device configuration
func (d *Device) Config() config.CANDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// UpdateConfig replaces the configuration, preserving runtime counters
func (d *Device) UpdateConfig(cfg config.CANDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Status assembles the JSON view
func (d *Device) Status() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := DeviceStatus{
		CANDevice:    d.cfg,
		RXCount:      d.rxCount,
		TXCount:      d.txCount,
		Alive:        !d.lastRX.IsZero() && !d.timedOut,
		TimeoutCount: d.timeoutCount,
		Breaker:      d.breaker.Status(),
	}
	if !d.lastRX.IsZero() {
		seen := d.lastRX
		status.LastSeen = &seen
	}
	return status
}
