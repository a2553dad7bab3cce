package can

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/recovery"
)

const healthComponent = "can"

// Loop cadence and failure thresholds
const (
	rxIdleDelay         = time.Millisecond
	rxDisconnectedDelay = 100 * time.Millisecond
	rxErrorDelay        = 100 * time.Millisecond
	livenessInterval    = 5 * time.Second
	probeInterval       = 10 * time.Second
	stopJoinTimeout     = 5 * time.Second

	maxConsecutiveRXErrors = 10
	subscriberBuffer       = 256
)

// Hardware breaker: guards every SPI-facing call
const (
	hwBreakerName     = "CAN-SPI"
	hwBreakerFailures = 5
	hwBreakerTimeout  = 30 * time.Second
)

// connectRetries and connectRetryDelay shape the connect backoff
const (
	connectRetries    = 3
	connectRetryDelay = time.Second
)

// BusStatus is the connection-level status document
type BusStatus struct {
	Connected     bool                   `json:"connected"`
	Transport     string                 `json:"transport"`
	Bitrate       int                    `json:"bitrate"`
	DevicesCount  int                    `json:"devices_count"`
	RXTotal       uint64                 `json:"rx_total"`
	TXTotal       uint64                 `json:"tx_total"`
	Errors        uint64                 `json:"errors"`
	Overruns      uint64                 `json:"overruns"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Breaker       recovery.BreakerStatus `json:"circuit_breaker"`
}

// DeviceAggregate sums the per-device counters for the statistics document
type DeviceAggregate struct {
	Total   int    `json:"total"`
	Active  int    `json:"active"`
	TotalRX uint64 `json:"total_rx"`
	TotalTX uint64 `json:"total_tx"`
}

// Statistics is the full statistics document
type Statistics struct {
	Bus       BusStatus       `json:"bus"`
	Devices   DeviceAggregate `json:"devices"`
	Timestamp time.Time       `json:"timestamp"`
}

// Manager owns the CAN controller: connection lifecycle, the RX loop,
// the device registry, liveness supervision and the fan-out to
// subscribers such as the CAN→MQTT bridge.
type Manager struct {
	mu  sync.RWMutex
	cfg config.CANConfig

	driver    Driver
	connected bool
	detecting bool
	startTime time.Time

	devices     map[string]*Device
	subscribers map[string]chan Message

	rxTotal  uint64
	txTotal  uint64
	errCount uint64
	overruns uint64

	hwBreaker *recovery.CircuitBreaker
	registry  *health.Registry
	messages  *messageLog
	events    *eventLog

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds a manager from the persisted CAN configuration.
// Devices present in the document are registered immediately; the
// controller is only opened by Connect.
func NewManager(cfg config.CANConfig, registry *health.Registry) *Manager {
	m := &Manager{
		cfg:         cfg,
		devices:     make(map[string]*Device),
		subscribers: make(map[string]chan Message),
		hwBreaker: recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig{
			Name:        hwBreakerName,
			MaxFailures: hwBreakerFailures,
			Timeout:     hwBreakerTimeout,
		}),
		registry: registry,
		messages: &messageLog{},
		events:   &eventLog{},
	}
	for _, dev := range cfg.Devices {
		if dev.ID == "" {
			dev.ID = config.NewCANDeviceID(dev.CANID)
		}
		m.devices[dev.ID] = newDevice(dev)
	}
	return m
}

// Start launches the RX, liveness and hardware-probe loops. With
// auto_connect set, a failed initial connect is logged, not fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return gwerrors.NewConflictError("can manager", "already running")
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	autoConnect := m.cfg.AutoConnect
	m.mu.Unlock()

	m.wg.Add(3)
	go m.rxLoop(runCtx)
	go m.livenessLoop(runCtx)
	go m.probeLoop(runCtx)
	logger.LogInfo("🚌 CAN manager started (%d device(s) configured)", len(m.devices))

	if autoConnect {
		if err := m.Connect(runCtx); err != nil {
			logger.LogWarn("⚠️  CAN auto-connect failed: %v", err)
		}
	}
	return nil
}

// Stop cancels the loops and disconnects the controller. Joins that
// exceed the timeout are logged but do not block shutdown.
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
		logger.LogWarn("⚠️  CAN manager loops did not stop within %v", stopJoinTimeout)
	}

	if err := m.Disconnect(); err != nil && !gwerrors.IsConflict(err) {
		logger.LogWarn("⚠️  CAN disconnect on stop failed: %v", err)
	}
	logger.LogInfo("🚌 CAN manager stopped")
}

// Connect builds the configured driver and opens the controller,
// retrying transient failures with backoff.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return gwerrors.NewConflictError("can bus", "already connected")
	}
	cfg := m.cfg
	m.mu.Unlock()

	driver, err := NewDriver(cfg)
	if err != nil {
		return err
	}

	err = recovery.Retry(ctx, "CAN connect", recovery.RetryConfig{
		MaxRetries:   connectRetries,
		InitialDelay: connectRetryDelay,
		Retryable:    func(err error) bool { return !gwerrors.IsBreakerOpen(err) },
	}, func() error {
		return m.hwBreaker.Call(driver.Connect)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.driver = driver
	m.connected = true
	m.startTime = time.Now()
	bitrate := m.effectiveBitrate()
	m.mu.Unlock()

	m.registry.Update(healthComponent, health.StatusHealthy, map[string]interface{}{
		"transport": driver.Name(),
		"bitrate":   bitrate,
	})
	m.events.add(EventConnection, "CAN bus connected", map[string]interface{}{
		"transport": driver.Name(),
		"bitrate":   bitrate,
	})
	logger.LogInfo("✅ CAN bus connected via %s at %d bps", driver.Name(), bitrate)
	return nil
}

// Disconnect closes the controller on request
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return gwerrors.NewConflictError("can bus", "not connected")
	}
	driver := m.driver
	m.connected = false
	m.driver = nil
	m.mu.Unlock()

	err := driver.Disconnect()

	m.registry.Update(healthComponent, health.StatusDegraded, map[string]interface{}{
		"reason": "disconnected",
	})
	m.events.add(EventConnection, "CAN bus disconnected", nil)
	logger.LogInfo("🔌 CAN bus disconnected")
	return err
}

// IsConnected reports the connection state
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// effectiveBitrate prefers the rate the driver actually programmed.
// Caller holds m.mu.
func (m *Manager) effectiveBitrate() int {
	if br, ok := m.driver.(interface{ Bitrate() int }); ok {
		return br.Bitrate()
	}
	return m.cfg.Controller.Bitrate
}

// rxLoop polls the controller for inbound frames. Ten consecutive read
// errors declare the hardware dead.
func (m *Manager) rxLoop(ctx context.Context) {
	defer m.wg.Done()
	tracker := recovery.NewErrorTracker(maxConsecutiveRXErrors)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.RLock()
		driver, connected := m.driver, m.connected
		m.mu.RUnlock()

		if !connected {
			sleepCtx(ctx, rxDisconnectedDelay)
			continue
		}

		buffer, err := driver.Available()
		if err != nil {
			m.noteRXError(tracker, err)
			sleepCtx(ctx, rxErrorDelay)
			continue
		}
		if buffer == BufferNone {
			sleepCtx(ctx, rxIdleDelay)
			continue
		}

		frame, err := driver.ReadFrame(buffer)
		if err != nil {
			m.noteRXError(tracker, err)
			sleepCtx(ctx, rxErrorDelay)
			continue
		}
		tracker.RecordSuccess()
		m.handleRX(frame)
	}
}

func (m *Manager) noteRXError(tracker *recovery.ErrorTracker, err error) {
	m.mu.Lock()
	m.errCount++
	m.mu.Unlock()

	logger.LogDebug("CAN RX error: %v", err)
	if tracker.RecordError() {
		tracker.Reset()
		m.cleanupOnHardwareFailure(fmt.Sprintf("%d consecutive RX errors, last: %v",
			maxConsecutiveRXErrors, err))
	}
}

// handleRX records one inbound frame: counters, bounded log, owning
// devices, then the non-blocking fan-out. Slow subscribers lose frames
// and the loss is counted as an overrun.
func (m *Manager) handleRX(frame Frame) {
	now := time.Now()
	msg := Message{Frame: frame, Direction: DirectionRX, Timestamp: now}

	m.mu.Lock()
	m.rxTotal++
	for _, dev := range m.devices {
		if dev.Matches(frame.ID) {
			dev.RecordRX(now)
			if msg.Device == "" {
				msg.Device = dev.Name()
			}
		}
	}
	dropped := 0
	for _, ch := range m.subscribers {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		m.overruns += uint64(dropped)
	}
	overruns := m.overruns
	m.mu.Unlock()

	m.messages.add(msg)

	if dropped > 0 && overruns%100 == 1 {
		logger.LogWarn("⚠️  CAN subscriber queue full, %d frame(s) dropped so far", overruns)
	}
	if logger.IsTraceEnabled() {
		logger.LogTrace("CAN RX %s dlc=%d data=%s", frame.IDString(), frame.DLC, frame.DataHex())
	}
}

// livenessLoop tests every device's last_rx_time against its threshold
func (m *Manager) livenessLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkDeviceTimeouts()
		}
	}
}

func (m *Manager) checkDeviceTimeouts() {
	m.mu.RLock()
	if !m.connected {
		m.mu.RUnlock()
		return
	}
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, dev := range devices {
		if dev.CheckTimeout(now) {
			cfg := dev.Config()
			logger.LogWarn("⚠️  CAN device '%s' timed out (no frames for over %ds)",
				cfg.Name, cfg.TimeoutThreshold)
			m.events.add(EventError, fmt.Sprintf("Device '%s' timed out", cfg.Name),
				map[string]interface{}{
					"device_id": cfg.ID,
					"can_id":    cfg.CANID,
					"threshold": cfg.TimeoutThreshold,
				})
		}
	}
}

// probeLoop periodically reads the controller's status register. A
// failed probe is a hardware-health failure and tears the session down.
func (m *Manager) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			driver, connected := m.driver, m.connected
			m.mu.RUnlock()
			if !connected {
				continue
			}
			if err := m.hwBreaker.Call(driver.Probe); err != nil && !gwerrors.IsBreakerOpen(err) {
				m.cleanupOnHardwareFailure(fmt.Sprintf("health probe failed: %v", err))
			}
		}
	}
}

// cleanupOnHardwareFailure tears down a dead controller session:
// disconnect, wipe device aliveness, mark the subsystem unhealthy and
// hold the hardware breaker open.
func (m *Manager) cleanupOnHardwareFailure(reason string) {
	logger.LogError("❌ CAN hardware failure: %s", reason)

	m.mu.Lock()
	driver := m.driver
	m.driver = nil
	m.connected = false
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.Unlock()

	if driver != nil {
		if err := driver.Disconnect(); err != nil {
			logger.LogWarn("⚠️  CAN disconnect during cleanup failed: %v", err)
		}
	}
	for _, dev := range devices {
		dev.ClearAliveness()
	}

	m.hwBreaker.ForceOpen()
	m.registry.Update(healthComponent, health.StatusUnhealthy, map[string]interface{}{
		"reason": reason,
	})
	m.events.add(EventError, "Hardware failure: "+reason, nil)
}

// Send validates and transmits one frame. The driver call runs inside
// the hardware breaker; a failed send followed by a failed probe means
// the controller is gone.
func (m *Manager) Send(canID uint32, data []byte, extended bool) error {
	return m.SendFrame(NewFrame(canID, data, extended))
}

// SendFrame transmits a prepared frame
func (m *Manager) SendFrame(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	driver, connected := m.driver, m.connected
	m.mu.RUnlock()

	if !connected {
		return gwerrors.NewConflictError("can bus", "not connected")
	}

	if err := m.hwBreaker.Call(func() error { return driver.SendFrame(frame) }); err != nil {
		m.mu.Lock()
		m.errCount++
		m.mu.Unlock()

		if !gwerrors.IsBreakerOpen(err) {
			if probeErr := driver.Probe(); probeErr != nil {
				m.cleanupOnHardwareFailure(fmt.Sprintf("send failed and probe unanswered: %v", probeErr))
			}
		}
		return err
	}

	msg := Message{Frame: frame, Direction: DirectionTX, Timestamp: time.Now()}

	m.mu.Lock()
	m.txTotal++
	for _, dev := range m.devices {
		if dev.Matches(frame.ID) {
			dev.RecordTX()
			if msg.Device == "" {
				msg.Device = dev.Name()
			}
		}
	}
	m.mu.Unlock()

	m.messages.add(msg)
	return nil
}

// Subscribe registers a named fan-out channel. Delivery is best-effort:
// a full channel drops the frame and counts an overrun.
func (m *Manager) Subscribe(name string) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscribers[name]; exists {
		return nil, gwerrors.NewConflictError("can subscriber", fmt.Sprintf("'%s' already subscribed", name))
	}
	ch := make(chan Message, subscriberBuffer)
	m.subscribers[name] = ch
	logger.LogDebug("CAN subscriber '%s' registered", name)
	return ch, nil
}

// Unsubscribe removes a fan-out channel and closes it
func (m *Manager) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subscribers[name]; ok {
		delete(m.subscribers, name)
		close(ch)
		logger.LogDebug("CAN subscriber '%s' removed", name)
	}
}

// AddDevice registers a new device. A zero timeout threshold takes the
// default before validation; a missing ID is generated.
func (m *Manager) AddDevice(dev config.CANDevice) (config.CANDevice, error) {
	if dev.TimeoutThreshold == 0 {
		dev.TimeoutThreshold = DefaultTimeoutThreshold
	}
	if err := config.ValidateCANDevice(&dev); err != nil {
		return config.CANDevice{}, err
	}
	if dev.ID == "" {
		dev.ID = config.NewCANDeviceID(dev.CANID)
	}

	m.mu.Lock()
	if _, exists := m.devices[dev.ID]; exists {
		m.mu.Unlock()
		return config.CANDevice{}, gwerrors.NewConflictError("can device",
			fmt.Sprintf("id '%s' already exists", dev.ID))
	}
	m.devices[dev.ID] = newDevice(dev)
	m.cfg.Devices = append(m.cfg.Devices, dev)
	m.mu.Unlock()

	m.events.add(EventDevice, fmt.Sprintf("Device '%s' created", dev.Name),
		map[string]interface{}{"device_id": dev.ID, "can_id": dev.CANID})
	logger.LogInfo("📟 CAN device '%s' added (ID 0x%X)", dev.Name, dev.CANID)
	return dev, nil
}

// UpdateDevice replaces a device's configuration, keeping its counters
func (m *Manager) UpdateDevice(id string, dev config.CANDevice) (config.CANDevice, error) {
	if dev.TimeoutThreshold == 0 {
		dev.TimeoutThreshold = DefaultTimeoutThreshold
	}
	dev.ID = id
	if err := config.ValidateCANDevice(&dev); err != nil {
		return config.CANDevice{}, err
	}

	m.mu.Lock()
	existing, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return config.CANDevice{}, gwerrors.NewNotFoundError("can device", id)
	}
	existing.UpdateConfig(dev)
	for i := range m.cfg.Devices {
		if m.cfg.Devices[i].ID == id {
			m.cfg.Devices[i] = dev
			break
		}
	}
	m.mu.Unlock()

	m.events.add(EventDevice, fmt.Sprintf("Device '%s' updated", dev.Name),
		map[string]interface{}{"device_id": id})
	return dev, nil
}

// RemoveDevice drops a device from the registry
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	dev, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return gwerrors.NewNotFoundError("can device", id)
	}
	name := dev.Name()
	delete(m.devices, id)
	for i := range m.cfg.Devices {
		if m.cfg.Devices[i].ID == id {
			m.cfg.Devices = append(m.cfg.Devices[:i], m.cfg.Devices[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.events.add(EventDevice, fmt.Sprintf("Device '%s' deleted", name),
		map[string]interface{}{"device_id": id})
	logger.LogInfo("📟 CAN device '%s' removed", name)
	return nil
}

// GetDevice returns one device's status view
func (m *Manager) GetDevice(id string) (DeviceStatus, error) {
	m.mu.RLock()
	dev, ok := m.devices[id]
	m.mu.RUnlock()

	if !ok {
		return DeviceStatus{}, gwerrors.NewNotFoundError("can device", id)
	}
	return dev.Status(), nil
}

// SetDeviceTimeout updates one device's liveness threshold in seconds
func (m *Manager) SetDeviceTimeout(id string, seconds int) error {
	if seconds < config.MinTimeoutThreshold || seconds > config.MaxTimeoutThreshold {
		return gwerrors.NewValidationError("timeout_threshold", "5..300 seconds", seconds)
	}

	m.mu.Lock()
	dev, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return gwerrors.NewNotFoundError("can device", id)
	}
	cfg := dev.Config()
	cfg.TimeoutThreshold = seconds
	dev.UpdateConfig(cfg)
	for i := range m.cfg.Devices {
		if m.cfg.Devices[i].ID == id {
			m.cfg.Devices[i].TimeoutThreshold = seconds
			break
		}
	}
	m.mu.Unlock()

	logger.LogInfo("🔧 CAN device '%s' timeout set to %ds", cfg.Name, seconds)
	return nil
}

// ResetDeviceBreaker closes one device's circuit breaker
func (m *Manager) ResetDeviceBreaker(id string) error {
	m.mu.RLock()
	dev, ok := m.devices[id]
	m.mu.RUnlock()

	if !ok {
		return gwerrors.NewNotFoundError("can device", id)
	}
	dev.ResetBreaker()
	logger.LogInfo("🔄 CAN device '%s' circuit breaker reset", dev.Name())
	return nil
}

// HardwareBreaker reports the SPI-path breaker
func (m *Manager) HardwareBreaker() recovery.BreakerStatus {
	return m.hwBreaker.Status()
}

// ResetHardwareBreaker closes the SPI-path breaker
func (m *Manager) ResetHardwareBreaker() {
	m.hwBreaker.Reset()
	logger.LogInfo("🔄 CAN hardware circuit breaker reset")
}

// Devices returns all device status views sorted by ID
func (m *Manager) Devices() []DeviceStatus {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.RUnlock()

	statuses := make([]DeviceStatus, 0, len(devices))
	for _, dev := range devices {
		statuses = append(statuses, dev.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Config returns a copy of the current CAN configuration
func (m *Manager) Config() config.CANConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := m.cfg
	cfg.Devices = append([]config.CANDevice(nil), m.cfg.Devices...)
	cfg.Filters = append([]config.CANFilter(nil), m.cfg.Filters...)
	return cfg
}

// UpdateController replaces the controller attachment and filter set.
// The new settings take effect on the next connect.
func (m *Manager) UpdateController(ctrl config.CANController, filters []config.CANFilter) error {
	if err := config.ValidateCANController(&ctrl); err != nil {
		return err
	}
	for i := range filters {
		if err := config.ValidateCANFilter(&filters[i]); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cfg.Controller = ctrl
	m.cfg.Filters = append([]config.CANFilter(nil), filters...)
	connected := m.connected
	m.mu.Unlock()

	m.events.add(EventConfig, "Controller configuration updated", map[string]interface{}{
		"transport": ctrl.Transport,
		"bitrate":   ctrl.Bitrate,
	})
	if connected {
		logger.LogInfo("🔧 CAN controller configuration updated, applies on reconnect")
	}
	return nil
}

// SetAutoConnect flips the connect-at-startup flag
func (m *Manager) SetAutoConnect(v bool) {
	m.mu.Lock()
	m.cfg.AutoConnect = v
	m.mu.Unlock()
}

// Status assembles the bus-level status document
func (m *Manager) Status() BusStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := BusStatus{
		Connected:    m.connected,
		Transport:    m.cfg.Controller.Transport,
		Bitrate:      m.cfg.Controller.Bitrate,
		DevicesCount: len(m.devices),
		RXTotal:      m.rxTotal,
		TXTotal:      m.txTotal,
		Errors:       m.errCount,
		Overruns:     m.overruns,
		Breaker:      m.hwBreaker.Status(),
	}
	if status.Transport == "" {
		status.Transport = "mcp2515"
	}
	if m.connected {
		status.Transport = m.driver.Name()
		status.Bitrate = m.effectiveBitrate()
		status.UptimeSeconds = time.Since(m.startTime).Seconds()
	}
	return status
}

// ControllerStatus asks the driver for its register-level view
func (m *Manager) ControllerStatus() (ControllerStatus, error) {
	m.mu.RLock()
	driver, connected := m.driver, m.connected
	m.mu.RUnlock()

	if !connected {
		return ControllerStatus{Transport: m.cfg.Controller.Transport, Mode: "disconnected"}, nil
	}
	return driver.Status()
}

// Statistics assembles the aggregate statistics document
func (m *Manager) Statistics() Statistics {
	devices := m.Devices()

	agg := DeviceAggregate{Total: len(devices)}
	for _, dev := range devices {
		if dev.LastSeen != nil {
			agg.Active++
		}
		agg.TotalRX += dev.RXCount
		agg.TotalTX += dev.TXCount
	}

	return Statistics{
		Bus:       m.Status(),
		Devices:   agg,
		Timestamp: time.Now(),
	}
}

// ResetStatistics zeroes the bus and device counters. Uptime restarts
// when connected.
func (m *Manager) ResetStatistics() {
	m.mu.Lock()
	m.rxTotal = 0
	m.txTotal = 0
	m.errCount = 0
	m.overruns = 0
	if m.connected {
		m.startTime = time.Now()
	}
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.Unlock()

	for _, dev := range devices {
		dev.ResetCounters()
	}
	m.events.add(EventStatistics, "Statistics reset", nil)
	logger.LogInfo("📊 CAN statistics reset")
}

// Messages queries the bounded traffic log
func (m *Manager) Messages(q MessageQuery) ([]Message, uint64) {
	m.mu.RLock()
	total := m.rxTotal + m.txTotal
	m.mu.RUnlock()
	return m.messages.query(q), total
}

// ClearMessages empties the traffic log
func (m *Manager) ClearMessages() {
	m.messages.clear()
	m.events.add(EventStatistics, "Message log cleared", nil)
}

// Events queries the bounded event log
func (m *Manager) Events(count int, eventType string) []Event {
	return m.events.query(count, eventType)
}

// ClearEvents empties the event log
func (m *Manager) ClearEvents() {
	m.events.clear()
}

// sleepCtx sleeps for d unless the context ends first
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
