// Package diagnostics derives a per-device communication state from the
// field-bus manager snapshots. Each evaluation pass classifies every
// configured device as operational, warning, error or offline, logs the
// transitions, and pushes the aggregate into the health registry.
package diagnostics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"efio-gateway/pkg/can"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/modbus"
)

// Device communication states, worst to best
const (
	StateError       = "error"
	StateOffline     = "offline"
	StateWarning     = "warning"
	StateOperational = "operational"
)

const registryComponent = "field-devices"

// Thresholds classify a device by its lifetime error rate. Rates only
// count once a device has a minimal sample behind it.
type Thresholds struct {
	WarningErrorRate float64 // percent
	ErrorErrorRate   float64 // percent
	MinSample        uint64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningErrorRate: 20.0,
		ErrorErrorRate:   50.0,
		MinSample:        10,
	}
}

// DeviceDiag is one device's communication record
type DeviceDiag struct {
	DeviceID  string     `json:"device_id"`
	Name      string     `json:"name"`
	Bus       string     `json:"bus"` // modbus or can
	State     string     `json:"state"`
	Reads     uint64     `json:"reads"`
	Errors    uint64     `json:"errors"`
	ErrorRate float64    `json:"error_rate"` // percent
	Breaker   string     `json:"circuit_breaker"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Since     time.Time  `json:"state_since"`
}

// Tracker keeps the last classification per device so transitions can
// be logged once and the registry updated only with fresh aggregates.
type Tracker struct {
	mu         sync.Mutex
	thresholds Thresholds
	registry   *health.Registry
	devices    map[string]DeviceDiag
}

func NewTracker(thresholds Thresholds, registry *health.Registry) *Tracker {
	if thresholds.ErrorErrorRate == 0 {
		thresholds = DefaultThresholds()
	}
	return &Tracker{
		thresholds: thresholds,
		registry:   registry,
		devices:    make(map[string]DeviceDiag),
	}
}

// Evaluate classifies every device from the given snapshots. Devices
// that disappeared from the managers are forgotten.
func (t *Tracker) Evaluate(modbusDevices []modbus.DeviceStatus, canDevices []can.DeviceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(modbusDevices)+len(canDevices))

	for _, dev := range modbusDevices {
		key := "modbus:" + dev.ID
		seen[key] = struct{}{}
		t.apply(key, t.classifyModbus(dev))
	}
	for _, dev := range canDevices {
		key := "can:" + dev.ID
		seen[key] = struct{}{}
		t.apply(key, t.classifyCAN(dev))
	}

	for key := range t.devices {
		if _, ok := seen[key]; !ok {
			delete(t.devices, key)
		}
	}

	t.pushRegistry()
}

func (t *Tracker) classifyModbus(dev modbus.DeviceStatus) DeviceDiag {
	total := dev.ReadCount + dev.WriteCount + dev.ErrorCount
	diag := DeviceDiag{
		DeviceID: dev.ID,
		Name:     dev.Name,
		Bus:      "modbus",
		Reads:    dev.ReadCount + dev.WriteCount,
		Errors:   dev.ErrorCount,
		Breaker:  dev.Breaker.State,
		LastSeen: dev.LastConnected,
	}
	if total > 0 {
		diag.ErrorRate = round1(100 * float64(dev.ErrorCount) / float64(total))
	}

	switch {
	case dev.Breaker.State == "OPEN":
		diag.State = StateError
	case !dev.Connected:
		diag.State = StateOffline
	case total >= t.thresholds.MinSample && diag.ErrorRate >= t.thresholds.ErrorErrorRate:
		diag.State = StateError
	case total >= t.thresholds.MinSample && diag.ErrorRate >= t.thresholds.WarningErrorRate:
		diag.State = StateWarning
	default:
		diag.State = StateOperational
	}
	return diag
}

func (t *Tracker) classifyCAN(dev can.DeviceStatus) DeviceDiag {
	total := dev.RXCount + dev.TimeoutCount
	diag := DeviceDiag{
		DeviceID: dev.ID,
		Name:     dev.Name,
		Bus:      "can",
		Reads:    dev.RXCount,
		Errors:   dev.TimeoutCount,
		Breaker:  dev.Breaker.State,
		LastSeen: dev.LastSeen,
	}
	if total > 0 {
		diag.ErrorRate = round1(100 * float64(dev.TimeoutCount) / float64(total))
	}

	switch {
	case dev.Breaker.State == "OPEN":
		diag.State = StateError
	case !dev.Alive:
		diag.State = StateOffline
	case dev.TimeoutCount > 0 && total >= t.thresholds.MinSample && diag.ErrorRate >= t.thresholds.WarningErrorRate:
		diag.State = StateWarning
	default:
		diag.State = StateOperational
	}
	return diag
}

// apply stores the fresh classification, keeping the transition time
// and logging state changes. Caller holds the lock.
func (t *Tracker) apply(key string, diag DeviceDiag) {
	prev, known := t.devices[key]
	if known && prev.State == diag.State {
		diag.Since = prev.Since
	} else {
		diag.Since = time.Now()
		if known {
			logger.LogInfo("📊 Device '%s' (%s) state changed: %s → %s",
				diag.Name, diag.Bus, prev.State, diag.State)
		}
	}
	t.devices[key] = diag
}

// pushRegistry folds the device states into one health component. A
// single dark field device never takes the gateway below degraded; the
// bus managers report their own hardware health separately. Caller
// holds the lock.
func (t *Tracker) pushRegistry() {
	if t.registry == nil {
		return
	}

	status := health.StatusHealthy
	counts := map[string]int{}
	for _, diag := range t.devices {
		counts[diag.State]++
		if diag.State != StateOperational {
			status = health.StatusDegraded
		}
	}

	details := map[string]interface{}{
		"devices": len(t.devices),
	}
	for state, n := range counts {
		details[state] = n
	}
	t.registry.Update(registryComponent, status, details)
}

// Report returns every device record, Modbus first, then CAN, each
// sorted by device ID.
func (t *Tracker) Report() []DeviceDiag {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DeviceDiag, 0, len(t.devices))
	for _, diag := range t.devices {
		out = append(out, diag)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus > out[j].Bus // modbus before can
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Get returns one device's record by bus and ID
func (t *Tracker) Get(bus, id string) (DeviceDiag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	diag, ok := t.devices[bus+":"+id]
	if !ok {
		return DeviceDiag{}, fmt.Errorf("device %s/%s not tracked", bus, id)
	}
	return diag, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
