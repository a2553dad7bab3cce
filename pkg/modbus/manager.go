package modbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/recovery"
	"efio-gateway/pkg/state"
)

const healthComponent = "modbus"

// Connection and supervision cadence
const (
	connectRetries    = 2
	connectRetryDelay = time.Second
	livenessInterval  = 5 * time.Second
	livenessFailures  = 3
	stopJoinTimeout   = 5 * time.Second
	subscriberBuffer  = 64
)

// maxReadCount caps one read request, matching the protocol's quantity
// limit for a single query
const maxReadCount = 125

// defaultPollingIntervalMs applies to devices created without one
const defaultPollingIntervalMs = 1000

// ReadRequest asks for count consecutive values starting at Register
type ReadRequest struct {
	Register     uint16 `json:"register"`
	Count        int    `json:"count"`
	FunctionCode int    `json:"function_code"`
}

// RegisterValue is one addressed value in a read result
type RegisterValue struct {
	Register uint16 `json:"register"`
	Value    int    `json:"value"`
}

// ReadResult is the ordered outcome of a read request
type ReadResult struct {
	Success      bool            `json:"success"`
	DeviceID     string          `json:"device_id"`
	FunctionCode int             `json:"function_code"`
	Registers    []RegisterValue `json:"registers"`
	Timestamp    time.Time       `json:"timestamp"`
}

// WriteRequest carries one value to a coil (FC5) or register (FC6)
type WriteRequest struct {
	Register     uint16 `json:"register"`
	Value        int    `json:"value"`
	FunctionCode int    `json:"function_code"`
}

// WriteResult is the outcome of a write request
type WriteResult struct {
	Success      bool      `json:"success"`
	DeviceID     string    `json:"device_id"`
	Register     uint16    `json:"register"`
	Value        int       `json:"value"`
	FunctionCode int       `json:"function_code"`
	Timestamp    time.Time `json:"timestamp"`
}

// PollResult is one completed poll cycle delivered to subscribers
type PollResult struct {
	DeviceID   string            `json:"device_id"`
	DeviceName string            `json:"device_name"`
	Values     []RegisterReading `json:"values"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Summary condenses the subsystem for status documents
type Summary struct {
	Running          bool `json:"running"`
	DevicesTotal     int  `json:"devices_total"`
	DevicesConnected int  `json:"devices_connected"`
	DevicesPolling   int  `json:"devices_polling"`
}

// Manager owns the RTU device registry: per-device sessions, pollers
// and liveness tasks, the per-port transaction serialization and the
// fan-out of poll results to subscribers such as the Modbus→MQTT
// bridge.
type Manager struct {
	mu sync.RWMutex

	devices map[string]*Device
	ports   map[string]*portMutex

	subscribers map[string]chan PollResult

	registry *health.Registry
	ioState  *state.IOState
	events   *eventLog

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds a manager from the persisted device list. Devices
// are registered immediately; sessions are only opened by Connect.
func NewManager(devices []config.ModbusDevice, registry *health.Registry, ioState *state.IOState) *Manager {
	m := &Manager{
		devices:     make(map[string]*Device),
		ports:       make(map[string]*portMutex),
		subscribers: make(map[string]chan PollResult),
		registry:    registry,
		ioState:     ioState,
		events:      &eventLog{},
	}
	for _, dev := range devices {
		if dev.ID == "" {
			dev.ID = config.NewModbusDeviceID(dev.SlaveID)
		}
		m.devices[dev.ID] = newDevice(dev)
	}
	return m
}

// Start marks the manager running. Per-device tasks are launched by
// Connect and StartPolling against the context given here.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return gwerrors.NewConflictError("modbus manager", "already running")
	}
	m.running = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	devices := len(m.devices)
	m.mu.Unlock()

	m.registry.Update(healthComponent, health.StatusHealthy, map[string]interface{}{
		"devices": devices,
	})
	logger.LogInfo("📟 Modbus manager started (%d device(s) configured)", devices)
	return nil
}

// Stop cancels every device task and closes the open sessions. Joins
// that exceed the timeout are logged but do not block shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
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
		logger.LogWarn("⚠️  Modbus device tasks did not stop within %v", stopJoinTimeout)
	}

	for _, dev := range devices {
		dev.mu.Lock()
		sess := dev.session
		dev.session = nil
		dev.mu.Unlock()
		if sess != nil {
			if err := sess.Close(); err != nil {
				logger.LogWarn("⚠️  Modbus close '%s' on stop failed: %v", dev.Name(), err)
			}
		}
	}
	logger.LogInfo("📟 Modbus manager stopped")
}

// device resolves an ID or fails with NotFound
func (m *Manager) device(id string) (*Device, error) {
	m.mu.RLock()
	dev, ok := m.devices[id]
	m.mu.RUnlock()

	if !ok {
		return nil, gwerrors.NewNotFoundError("modbus device", id)
	}
	return dev, nil
}

// AddDevice registers a new slave. A missing polling interval takes
// the default; a missing ID is generated. Two devices may not share a
// (port, slave) pair: the bus cannot tell them apart.
func (m *Manager) AddDevice(dev config.ModbusDevice) (config.ModbusDevice, error) {
	if dev.Polling.Interval == 0 {
		dev.Polling.Interval = defaultPollingIntervalMs
	}
	if err := config.ValidateModbusDevice(&dev); err != nil {
		return config.ModbusDevice{}, err
	}
	if dev.ID == "" {
		dev.ID = config.NewModbusDeviceID(dev.SlaveID)
	}

	m.mu.Lock()
	if _, exists := m.devices[dev.ID]; exists {
		m.mu.Unlock()
		return config.ModbusDevice{}, gwerrors.NewConflictError("modbus device",
			fmt.Sprintf("id '%s' already exists", dev.ID))
	}
	for _, other := range m.devices {
		cfg := other.Config()
		if cfg.Port == dev.Port && cfg.SlaveID == dev.SlaveID {
			m.mu.Unlock()
			return config.ModbusDevice{}, gwerrors.NewConflictError("modbus device",
				fmt.Sprintf("slave %d on %s already configured as '%s'", dev.SlaveID, dev.Port, cfg.Name))
		}
	}
	m.devices[dev.ID] = newDevice(dev)
	m.mu.Unlock()

	m.events.add(EventDevice, fmt.Sprintf("Device '%s' created", dev.Name),
		map[string]interface{}{"device_id": dev.ID, "slave_id": dev.SlaveID, "port": dev.Port})
	logger.LogInfo("📟 Modbus device '%s' added (slave %d on %s)", dev.Name, dev.SlaveID, dev.Port)
	return dev, nil
}

// UpdateDevice replaces a device's configuration. The poller is stopped
// for the swap and restarted afterwards so a cycle never reads a half
// updated register list. Transport settings of a connected device are
// frozen: the session was negotiated with them.
func (m *Manager) UpdateDevice(id string, dev config.ModbusDevice) (config.ModbusDevice, error) {
	dev.ID = id
	if dev.Polling.Interval == 0 {
		dev.Polling.Interval = defaultPollingIntervalMs
	}
	if err := config.ValidateModbusDevice(&dev); err != nil {
		return config.ModbusDevice{}, err
	}

	existing, err := m.device(id)
	if err != nil {
		return config.ModbusDevice{}, err
	}

	old := existing.Config()
	if existing.IsConnected() && transportChanged(old, dev) {
		return config.ModbusDevice{}, gwerrors.NewConflictError("modbus device",
			"disconnect before changing port, slave or serial settings")
	}

	wasPolling := existing.IsPolling()
	if wasPolling {
		if err := m.StopPolling(id); err != nil {
			return config.ModbusDevice{}, err
		}
	}
	existing.UpdateConfig(dev)
	if wasPolling && dev.Polling.Enabled {
		if err := m.StartPolling(id); err != nil {
			logger.LogWarn("⚠️  Modbus polling restart for '%s' failed: %v", dev.Name, err)
		}
	}

	m.events.add(EventDevice, fmt.Sprintf("Device '%s' updated", dev.Name),
		map[string]interface{}{"device_id": id})
	return dev, nil
}

func transportChanged(a, b config.ModbusDevice) bool {
	return a.Port != b.Port || a.SlaveID != b.SlaveID || a.Baudrate != b.Baudrate ||
		a.Parity != b.Parity || a.StopBits != b.StopBits
}

// RemoveDevice drops a device, tearing down its session and tasks
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	dev, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return gwerrors.NewNotFoundError("modbus device", id)
	}
	delete(m.devices, id)
	m.mu.Unlock()

	name := dev.Name()
	dev.stopTasks()
	dev.mu.Lock()
	sess := dev.session
	dev.session = nil
	dev.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			logger.LogWarn("⚠️  Modbus close '%s' on remove failed: %v", name, err)
		}
	}

	m.events.add(EventDevice, fmt.Sprintf("Device '%s' deleted", name),
		map[string]interface{}{"device_id": id})
	logger.LogInfo("📟 Modbus device '%s' removed", name)
	return nil
}

// GetDevice returns one device's status view
func (m *Manager) GetDevice(id string) (DeviceStatus, error) {
	dev, err := m.device(id)
	if err != nil {
		return DeviceStatus{}, err
	}
	return dev.Status(), nil
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

// Configs returns the persistable device list sorted by ID
func (m *Manager) Configs() []config.ModbusDevice {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.RUnlock()

	configs := make([]config.ModbusDevice, 0, len(devices))
	for _, dev := range devices {
		configs = append(configs, dev.Config())
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// Connect opens the device's serial session, retrying transient
// failures once after a second. The attempt runs inside the device's
// breaker: a tripped breaker keeps refusing connects until its timeout
// elapses or it is explicitly reset.
func (m *Manager) Connect(ctx context.Context, id string) error {
	dev, err := m.device(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return gwerrors.NewConflictError("modbus manager", "not running")
	}

	dev.mu.Lock()
	if dev.session != nil || dev.connecting {
		dev.mu.Unlock()
		return gwerrors.NewConflictError("modbus device",
			fmt.Sprintf("'%s' already connected", dev.cfg.Name))
	}
	dev.connecting = true
	params := deviceParams(dev.cfg)
	cfg := dev.cfg
	dev.mu.Unlock()

	defer func() {
		dev.mu.Lock()
		dev.connecting = false
		dev.mu.Unlock()
	}()

	var sess session
	err = recovery.Retry(ctx, "modbus connect", recovery.RetryConfig{
		MaxRetries:   connectRetries,
		InitialDelay: connectRetryDelay,
		Retryable:    func(err error) bool { return !gwerrors.IsBreakerOpen(err) },
	}, func() error {
		return dev.breaker.Call(func() error {
			s, err := openSession(params)
			if err != nil {
				return gwerrors.NewTransportError("connect", err,
					gwerrors.ClassifySerial(err), params.Port)
			}
			sess = s
			return nil
		})
	})
	if err != nil {
		m.events.add(EventError, fmt.Sprintf("Connect to '%s' failed", cfg.Name),
			map[string]interface{}{"device_id": id, "error": err.Error()})
		logger.LogWarn("⚠️  Modbus connect to '%s' failed: %v", cfg.Name, err)
		return err
	}

	now := time.Now()
	dev.mu.Lock()
	dev.session = sess
	dev.lastConnected = &now
	dev.mu.Unlock()

	m.startLiveness(dev)
	if cfg.Polling.Enabled {
		if err := m.StartPolling(id); err != nil && !gwerrors.IsConflict(err) {
			logger.LogWarn("⚠️  Modbus polling autostart for '%s' failed: %v", cfg.Name, err)
		}
	}

	m.registry.Update(healthComponent, health.StatusHealthy, map[string]interface{}{
		"device": cfg.Name,
		"event":  "connected",
	})
	m.events.add(EventConnection, fmt.Sprintf("Device '%s' connected", cfg.Name),
		map[string]interface{}{"device_id": id, "port": cfg.Port, "slave_id": cfg.SlaveID})
	logger.LogInfo("🔌 Modbus device '%s' connected (slave %d on %s @ %d)",
		cfg.Name, cfg.SlaveID, cfg.Port, cfg.Baudrate)
	return nil
}

// Disconnect closes the session on request. As an explicit operator
// action it also clears the breaker, so a reconnect starts fresh.
func (m *Manager) Disconnect(id string) error {
	dev, err := m.device(id)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	sess := dev.session
	if sess == nil {
		dev.mu.Unlock()
		return gwerrors.NewConflictError("modbus device",
			fmt.Sprintf("'%s' not connected", dev.cfg.Name))
	}
	dev.session = nil
	name := dev.cfg.Name
	dev.mu.Unlock()

	dev.stopTasks()
	closeErr := sess.Close()
	dev.breaker.Reset()

	m.events.add(EventConnection, fmt.Sprintf("Device '%s' disconnected", name),
		map[string]interface{}{"device_id": id})
	logger.LogInfo("🔌 Modbus device '%s' disconnected", name)
	return closeErr
}

// IsDeviceConnected reports whether the device has a live session
func (m *Manager) IsDeviceConnected(id string) bool {
	dev, err := m.device(id)
	if err != nil {
		return false
	}
	return dev.IsConnected()
}

// ResetBreaker clears a device's circuit breaker on operator request
func (m *Manager) ResetBreaker(id string) error {
	dev, err := m.device(id)
	if err != nil {
		return err
	}
	dev.breaker.Reset()
	m.events.add(EventDevice, fmt.Sprintf("Breaker for '%s' reset", dev.Name()),
		map[string]interface{}{"device_id": id})
	logger.LogInfo("🔧 Modbus breaker for '%s' reset", dev.Name())
	return nil
}

// transact runs fn against the device's live session, serialized with
// every other transaction on the same port. Raw failures come back as
// classified transport errors.
func (m *Manager) transact(ctx context.Context, dev *Device, op string, fn func(Client) error) error {
	dev.mu.Lock()
	sess := dev.session
	port := dev.cfg.Port
	name := dev.cfg.Name
	dev.mu.Unlock()

	if sess == nil {
		return gwerrors.NewConflictError("modbus device", fmt.Sprintf("'%s' not connected", name))
	}

	guard := m.guardFor(port)
	if err := guard.Acquire(ctx); err != nil {
		return err
	}
	defer guard.Release()

	if err := fn(sess); err != nil {
		return gwerrors.NewTransportError(op, err, gwerrors.ClassifySerial(err), port)
	}
	return nil
}

// Read iterates the requested range one address at a time and returns
// the ordered values. The whole request counts as one transaction on
// the port and one outcome on the breaker.
func (m *Manager) Read(ctx context.Context, id string, req ReadRequest) (ReadResult, error) {
	dev, err := m.device(id)
	if err != nil {
		return ReadResult{}, err
	}
	if req.Count < 1 || req.Count > maxReadCount {
		return ReadResult{}, gwerrors.NewValidationError("count", "1..125", req.Count)
	}
	if req.FunctionCode < 1 || req.FunctionCode > 4 {
		return ReadResult{}, gwerrors.NewValidationError("function_code", "1..4 for reads", req.FunctionCode)
	}

	values := make([]RegisterValue, 0, req.Count)
	err = dev.breaker.Call(func() error {
		return m.transact(ctx, dev, "read", func(c Client) error {
			for i := 0; i < req.Count; i++ {
				addr := req.Register + uint16(i)
				v, err := readSingle(c, addr, req.FunctionCode)
				if err != nil {
					return err
				}
				values = append(values, RegisterValue{Register: addr, Value: v})
			}
			return nil
		})
	})
	if err != nil {
		m.noteDeviceError(dev, "read", err)
		return ReadResult{}, err
	}

	dev.recordRead()
	if len(values) > 0 {
		last := values[len(values)-1]
		m.recordSummary(dev, last.Register, last.Value, req.FunctionCode)
	}
	return ReadResult{
		Success:      true,
		DeviceID:     id,
		FunctionCode: req.FunctionCode,
		Registers:    values,
		Timestamp:    time.Now(),
	}, nil
}

// ReadRegister reads one register, the shape the bridge poller needs
func (m *Manager) ReadRegister(ctx context.Context, deviceID string, register uint16, functionCode int) (uint16, error) {
	res, err := m.Read(ctx, deviceID, ReadRequest{Register: register, Count: 1, FunctionCode: functionCode})
	if err != nil {
		return 0, err
	}
	return uint16(res.Registers[0].Value), nil
}

// Write drives one coil or holding register
func (m *Manager) Write(ctx context.Context, id string, req WriteRequest) (WriteResult, error) {
	dev, err := m.device(id)
	if err != nil {
		return WriteResult{}, err
	}
	switch req.FunctionCode {
	case 5:
		if req.Value != 0 && req.Value != 1 {
			return WriteResult{}, gwerrors.NewValidationError("value", "0 or 1 for FC5", req.Value)
		}
	case 6:
		if req.Value < 0 || req.Value > 0xFFFF {
			return WriteResult{}, gwerrors.NewValidationError("value", "0..65535 for FC6", req.Value)
		}
	default:
		return WriteResult{}, gwerrors.NewValidationError("function_code", "5 or 6 for writes", req.FunctionCode)
	}

	err = dev.breaker.Call(func() error {
		return m.transact(ctx, dev, "write", func(c Client) error {
			return writeSingle(c, req.Register, req.Value, req.FunctionCode)
		})
	})
	if err != nil {
		m.noteDeviceError(dev, "write", err)
		return WriteResult{}, err
	}

	dev.recordWrite()
	m.recordSummary(dev, req.Register, req.Value, req.FunctionCode)
	if logger.IsDebugEnabled() {
		logger.LogDebug("Modbus write '%s' register %d = %d (FC%d)",
			dev.Name(), req.Register, req.Value, req.FunctionCode)
	}
	return WriteResult{
		Success:      true,
		DeviceID:     id,
		Register:     req.Register,
		Value:        req.Value,
		FunctionCode: req.FunctionCode,
		Timestamp:    time.Now(),
	}, nil
}

// noteDeviceError records a failed transaction: event log, degraded
// health and, for port-level failures, connection cleanup. Breaker
// refusals are not transport symptoms and stay out of the event log.
func (m *Manager) noteDeviceError(dev *Device, op string, err error) {
	if gwerrors.IsBreakerOpen(err) || gwerrors.IsConflict(err) || errors.Is(err, context.Canceled) {
		return
	}
	dev.recordError()
	cfg := dev.Config()

	var kind gwerrors.TransportKind
	if te, ok := gwerrors.AsTransport(err); ok {
		kind = te.Kind
	}
	m.events.add(EventError, fmt.Sprintf("%s on '%s' failed: %v", op, cfg.Name, err),
		map[string]interface{}{"device_id": cfg.ID, "kind": string(kind)})
	m.registry.Update(healthComponent, health.StatusDegraded, map[string]interface{}{
		"device": cfg.Name,
		"error":  err.Error(),
	})
	logger.LogWarn("⚠️  Modbus %s on '%s' failed: %v", op, cfg.Name, err)

	// A timeout means the slave kept quiet; the port itself erroring
	// means the session is gone and holding it open helps nobody.
	if kind == gwerrors.TransportSerialError {
		m.cleanupConnection(dev, fmt.Sprintf("serial failure during %s: %v", op, err))
	}
}

// cleanupConnection tears down a dead session: session closed, tasks
// stopped, last_connected cleared. The breaker keeps its state — only
// an explicit disconnect or breaker reset forgives failures, so a
// rapid connect/fail loop stays visible.
func (m *Manager) cleanupConnection(dev *Device, reason string) {
	dev.mu.Lock()
	sess := dev.session
	dev.session = nil
	dev.lastConnected = nil
	dev.mu.Unlock()

	if sess == nil {
		return
	}

	dev.stopTasks()
	if err := sess.Close(); err != nil {
		logger.LogWarn("⚠️  Modbus close during cleanup failed: %v", err)
	}

	cfg := dev.Config()
	m.registry.Update(healthComponent, health.StatusDegraded, map[string]interface{}{
		"device": cfg.Name,
		"reason": reason,
	})
	m.events.add(EventHardware, fmt.Sprintf("Device '%s' hardware disconnected", cfg.Name),
		map[string]interface{}{"device_id": cfg.ID, "reason": reason})
	logger.LogError("❌ Modbus device '%s' connection lost: %s", cfg.Name, reason)
}

// recordSummary exposes the last successful operation for diagnostics
func (m *Manager) recordSummary(dev *Device, register uint16, value int, functionCode int) {
	if m.ioState == nil {
		return
	}
	m.ioState.SetModbusSummary("device", dev.Name())
	m.ioState.SetModbusSummary("register", int(register))
	m.ioState.SetModbusSummary("value", value)
	m.ioState.SetModbusSummary("function_code", functionCode)
	m.ioState.SetModbusSummary("timestamp", time.Now().Format(time.RFC3339))
}

// Subscribe registers a named fan-out channel for poll results.
// Delivery is best-effort: a full channel drops the cycle.
func (m *Manager) Subscribe(name string) (<-chan PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscribers[name]; exists {
		return nil, gwerrors.NewConflictError("modbus subscriber",
			fmt.Sprintf("'%s' already subscribed", name))
	}
	ch := make(chan PollResult, subscriberBuffer)
	m.subscribers[name] = ch
	logger.LogDebug("Modbus subscriber '%s' registered", name)
	return ch, nil
}

// Unsubscribe removes a fan-out channel and closes it
func (m *Manager) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subscribers[name]; ok {
		delete(m.subscribers, name)
		close(ch)
		logger.LogDebug("Modbus subscriber '%s' removed", name)
	}
}

// publishPoll fans one completed cycle out to the subscribers
func (m *Manager) publishPoll(dev *Device, readings []RegisterReading, ts time.Time) {
	result := PollResult{
		DeviceID:   dev.ID(),
		DeviceName: dev.Name(),
		Values:     readings,
		Timestamp:  ts,
	}

	m.mu.RLock()
	dropped := 0
	for _, ch := range m.subscribers {
		select {
		case ch <- result:
		default:
			dropped++
		}
	}
	m.mu.RUnlock()

	if dropped > 0 {
		logger.LogDebug("Modbus poll result for '%s' dropped by %d slow subscriber(s)",
			result.DeviceName, dropped)
	}
}

// Summary condenses the registry for status documents
func (m *Manager) Summary() Summary {
	m.mu.RLock()
	s := Summary{Running: m.running, DevicesTotal: len(m.devices)}
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.RUnlock()

	for _, dev := range devices {
		if dev.IsConnected() {
			s.DevicesConnected++
		}
		if dev.IsPolling() {
			s.DevicesPolling++
		}
	}
	return s
}

// Events queries the bounded event log
func (m *Manager) Events(count int, eventType string) []Event {
	return m.events.query(count, eventType)
}

// ClearEvents empties the event log
func (m *Manager) ClearEvents() {
	m.events.clear()
}
