package state

import (
	"sync"
	"time"

	gwerrors "efio-gateway/pkg/errors"
)

// Number of digital channels per direction on the controller
const NumChannels = 4

// Lock waits longer than this count as contention in the stats
const contentionThreshold = 10 * time.Millisecond

// ChangeKind identifies which vector a change belongs to
type ChangeKind string

const (
	ChangeDI ChangeKind = "di"
	ChangeDO ChangeKind = "do"
)

// Change describes one distinct channel transition
type Change struct {
	Kind      ChangeKind
	Channel   int
	Value     int
	Timestamp time.Time
}

// ChangeListener receives change notifications. Listeners run on the
// mutating goroutine after the state lock is released, so they may call
// back into the state freely but must not block for long.
type ChangeListener func(Change)

// Stats counts state operations for diagnostics
type Stats struct {
	DIReads         int64   `json:"di_reads"`
	DIWrites        int64   `json:"di_writes"`
	DOReads         int64   `json:"do_reads"`
	DOWrites        int64   `json:"do_writes"`
	LockContentions int64   `json:"lock_contentions"`
	MaxLockWaitMs   float64 `json:"max_lock_wait_ms"`
}

// Snapshot is a consistent copy of the whole I/O state
type Snapshot struct {
	DI             [NumChannels]int       `json:"di"`
	DO             [NumChannels]int       `json:"do"`
	Simulation     bool                   `json:"simulation"`
	SimulationOLED bool                   `json:"simulation_oled"`
	Modbus         map[string]interface{} `json:"modbus"`
	Timestamp      time.Time              `json:"timestamp"`
}

// IOState is the process-wide I/O state shared between the GPIO poller,
// the HTTP/WebSocket surface, the MQTT client and the bridges. Every
// accessor takes the internal lock, so callers never see a half-updated
// vector. Channel mutations fan out to subscribers, one notification per
// distinct value transition.
type IOState struct {
	mu sync.Mutex

	di [NumChannels]int
	do [NumChannels]int

	simulation     bool
	simulationOLED bool

	modbus map[string]interface{}

	stats Stats

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// NewIOState creates the state with all channels low and hardware assumed real
func NewIOState() *IOState {
	return &IOState{
		modbus: map[string]interface{}{
			"slave_id":      1,
			"last_register": nil,
			"last_value":    nil,
		},
	}
}

// Subscribe registers a listener for DI/DO changes. Listeners live for
// the rest of the process; there is no unsubscribe.
func (s *IOState) Subscribe(fn ChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *IOState) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.listenersMu.RLock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, change := range changes {
		for _, fn := range listeners {
			fn(change)
		}
	}
}

// lockTracked acquires the state lock while recording wait statistics
func (s *IOState) lockTracked() {
	start := time.Now()
	s.mu.Lock()
	wait := time.Since(start)

	waitMs := float64(wait) / float64(time.Millisecond)
	if waitMs > s.stats.MaxLockWaitMs {
		s.stats.MaxLockWaitMs = waitMs
	}
	if wait > contentionThreshold {
		s.stats.LockContentions++
	}
}

func validateChannel(kind ChangeKind, channel int) error {
	if channel < 0 || channel >= NumChannels {
		return gwerrors.NewValidationError(string(kind)+"_channel", "0-3", channel)
	}
	return nil
}

func validateValue(kind ChangeKind, value int) error {
	if value != 0 && value != 1 {
		return gwerrors.NewValidationError(string(kind)+"_value", "0 or 1", value)
	}
	return nil
}

// GetDI returns one digital input value
func (s *IOState) GetDI(channel int) (int, error) {
	if err := validateChannel(ChangeDI, channel); err != nil {
		return 0, err
	}

	s.lockTracked()
	defer s.mu.Unlock()
	s.stats.DIReads++
	return s.di[channel], nil
}

// GetDIAll returns a copy of all digital inputs
func (s *IOState) GetDIAll() [NumChannels]int {
	s.lockTracked()
	defer s.mu.Unlock()
	s.stats.DIReads++
	return s.di
}

// SetDI sets one digital input (used by the GPIO poller)
func (s *IOState) SetDI(channel, value int) error {
	if err := validateChannel(ChangeDI, channel); err != nil {
		return err
	}
	if err := validateValue(ChangeDI, value); err != nil {
		return err
	}

	s.lockTracked()
	changed := s.di[channel] != value
	s.di[channel] = value
	s.stats.DIWrites++
	s.mu.Unlock()

	if changed {
		s.notify([]Change{{Kind: ChangeDI, Channel: channel, Value: value, Timestamp: time.Now()}})
	}
	return nil
}

// SetDIAll replaces the whole DI vector atomically: readers observe either
// the old vector or the new one, never a mixture
func (s *IOState) SetDIAll(values []int) error {
	if len(values) != NumChannels {
		return gwerrors.NewValidationError("di_values", "4 values", len(values))
	}
	for _, v := range values {
		if err := validateValue(ChangeDI, v); err != nil {
			return err
		}
	}

	s.lockTracked()
	now := time.Now()
	var changes []Change
	for ch, v := range values {
		if s.di[ch] != v {
			changes = append(changes, Change{Kind: ChangeDI, Channel: ch, Value: v, Timestamp: now})
		}
		s.di[ch] = v
	}
	s.stats.DIWrites += NumChannels
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

// GetDO returns one digital output value
func (s *IOState) GetDO(channel int) (int, error) {
	if err := validateChannel(ChangeDO, channel); err != nil {
		return 0, err
	}

	s.lockTracked()
	defer s.mu.Unlock()
	s.stats.DOReads++
	return s.do[channel], nil
}

// GetDOAll returns a copy of all digital outputs
func (s *IOState) GetDOAll() [NumChannels]int {
	s.lockTracked()
	defer s.mu.Unlock()
	s.stats.DOReads++
	return s.do
}

// SetDO sets one digital output
func (s *IOState) SetDO(channel, value int) error {
	if err := validateChannel(ChangeDO, channel); err != nil {
		return err
	}
	if err := validateValue(ChangeDO, value); err != nil {
		return err
	}

	s.lockTracked()
	changed := s.do[channel] != value
	s.do[channel] = value
	s.stats.DOWrites++
	s.mu.Unlock()

	if changed {
		s.notify([]Change{{Kind: ChangeDO, Channel: channel, Value: value, Timestamp: time.Now()}})
	}
	return nil
}

// SetDOAll replaces the whole DO vector atomically
func (s *IOState) SetDOAll(values []int) error {
	if len(values) != NumChannels {
		return gwerrors.NewValidationError("do_values", "4 values", len(values))
	}
	for _, v := range values {
		if err := validateValue(ChangeDO, v); err != nil {
			return err
		}
	}

	s.lockTracked()
	now := time.Now()
	var changes []Change
	for ch, v := range values {
		if s.do[ch] != v {
			changes = append(changes, Change{Kind: ChangeDO, Channel: ch, Value: v, Timestamp: now})
		}
		s.do[ch] = v
	}
	s.stats.DOWrites += NumChannels
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

// GetSimulation returns the GPIO simulation flag
func (s *IOState) GetSimulation() bool {
	s.lockTracked()
	defer s.mu.Unlock()
	return s.simulation
}

// SetSimulation sets the GPIO simulation flag
func (s *IOState) SetSimulation(value bool) {
	s.lockTracked()
	defer s.mu.Unlock()
	s.simulation = value
}

// GetSimulationOLED returns the OLED simulation flag
func (s *IOState) GetSimulationOLED() bool {
	s.lockTracked()
	defer s.mu.Unlock()
	return s.simulationOLED
}

// SetSimulationOLED sets the OLED simulation flag
func (s *IOState) SetSimulationOLED(value bool) {
	s.lockTracked()
	defer s.mu.Unlock()
	s.simulationOLED = value
}

// GetModbusSummary returns a copy of the last-operation Modbus summary
func (s *IOState) GetModbusSummary() map[string]interface{} {
	s.lockTracked()
	defer s.mu.Unlock()

	summary := make(map[string]interface{}, len(s.modbus))
	for k, v := range s.modbus {
		summary[k] = v
	}
	return summary
}

// SetModbusSummary updates one field of the Modbus summary
func (s *IOState) SetModbusSummary(key string, value interface{}) {
	s.lockTracked()
	defer s.mu.Unlock()
	s.modbus[key] = value
}

// Snapshot returns a consistent copy of the whole state
func (s *IOState) Snapshot() Snapshot {
	s.lockTracked()
	defer s.mu.Unlock()

	modbus := make(map[string]interface{}, len(s.modbus))
	for k, v := range s.modbus {
		modbus[k] = v
	}

	return Snapshot{
		DI:             s.di,
		DO:             s.do,
		Simulation:     s.simulation,
		SimulationOLED: s.simulationOLED,
		Modbus:         modbus,
		Timestamp:      time.Now(),
	}
}

// Stats returns a copy of the operation counters
func (s *IOState) Stats() Stats {
	s.lockTracked()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats clears the operation counters
func (s *IOState) ResetStats() {
	s.lockTracked()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

// View gives Txn callbacks direct access to the locked state
type View struct {
	s       *IOState
	changes []Change
}

// Txn runs fn while holding the state lock so several reads and writes
// form one atomic step. fn must use the View and never call back into
// the IOState itself. Change notifications collected inside the
// transaction fire after the lock is released.
func (s *IOState) Txn(fn func(v *View) error) error {
	s.lockTracked()
	v := &View{s: s}
	err := fn(v)
	s.mu.Unlock()

	s.notify(v.changes)
	return err
}

// DI reads one digital input inside a transaction
func (v *View) DI(channel int) (int, error) {
	if err := validateChannel(ChangeDI, channel); err != nil {
		return 0, err
	}
	v.s.stats.DIReads++
	return v.s.di[channel], nil
}

// DO reads one digital output inside a transaction
func (v *View) DO(channel int) (int, error) {
	if err := validateChannel(ChangeDO, channel); err != nil {
		return 0, err
	}
	v.s.stats.DOReads++
	return v.s.do[channel], nil
}

// SetDI writes one digital input inside a transaction
func (v *View) SetDI(channel, value int) error {
	if err := validateChannel(ChangeDI, channel); err != nil {
		return err
	}
	if err := validateValue(ChangeDI, value); err != nil {
		return err
	}

	if v.s.di[channel] != value {
		v.changes = append(v.changes, Change{Kind: ChangeDI, Channel: channel, Value: value, Timestamp: time.Now()})
	}
	v.s.di[channel] = value
	v.s.stats.DIWrites++
	return nil
}

// SetDO writes one digital output inside a transaction
func (v *View) SetDO(channel, value int) error {
	if err := validateChannel(ChangeDO, channel); err != nil {
		return err
	}
	if err := validateValue(ChangeDO, value); err != nil {
		return err
	}

	if v.s.do[channel] != value {
		v.changes = append(v.changes, Change{Kind: ChangeDO, Channel: channel, Value: value, Timestamp: time.Now()})
	}
	v.s.do[channel] = value
	v.s.stats.DOWrites++
	return nil
}
