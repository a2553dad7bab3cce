package can

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
)

// fakeDriver satisfies Driver with an in-memory frame queue
type fakeDriver struct {
	mu        sync.Mutex
	connected bool
	queue     []Frame
	sent      []Frame
	sendErr   error
	probeErr  error
}

func (f *fakeDriver) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeDriver) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeDriver) Available() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 {
		return Buffer0, nil
	}
	return BufferNone, nil
}

func (f *fakeDriver) ReadFrame(buffer int) (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := f.queue[0]
	f.queue = f.queue[1:]
	return frame, nil
}

func (f *fakeDriver) SendFrame(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeDriver) Probe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeDriver) Status() (ControllerStatus, error) {
	return ControllerStatus{Transport: "fake", Mode: "normal"}, nil
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) push(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, frame)
}

func (f *fakeDriver) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func registerFake(d *fakeDriver) {
	RegisterTransport("fake", func(cfg config.CANConfig) (Driver, error) { return d, nil })
}

func fakeBusConfig(devices ...config.CANDevice) config.CANConfig {
	return config.CANConfig{
		Controller: config.CANController{Transport: "fake", Bitrate: 125000},
		Devices:    devices,
	}
}

func sensorDevice() config.CANDevice {
	return config.CANDevice{
		ID:               "can_1_291",
		Name:             "Inclinometer",
		CANID:            0x123,
		Enabled:          true,
		TimeoutThreshold: 30,
	}
}

// connectFake wires a connected fake driver straight into the manager,
// bypassing Connect for tests that only exercise the traffic paths.
func connectFake(m *Manager, d *fakeDriver) {
	d.connected = true
	m.mu.Lock()
	m.driver = d
	m.connected = true
	m.startTime = time.Now()
	m.mu.Unlock()
}

func TestFrameValidate(t *testing.T) {
	if err := NewFrame(0x123, []byte{1, 2, 3}, false).Validate(); err != nil {
		t.Errorf("Expected valid standard frame, got %v", err)
	}
	if err := NewFrame(0x1ABCDE, []byte{1}, true).Validate(); err != nil {
		t.Errorf("Expected valid extended frame, got %v", err)
	}

	long := NewFrame(0x123, make([]byte, 9), false)
	if err := long.Validate(); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for 9 data bytes, got %v", err)
	}

	if err := NewFrame(0x800, nil, false).Validate(); !gwerrors.IsValidation(err) {
		t.Error("Expected validation error for standard ID above 0x7FF")
	}
	if err := NewFrame(0x800, nil, true).Validate(); err != nil {
		t.Errorf("Expected 0x800 valid as extended ID, got %v", err)
	}
	if err := NewFrame(0x20000000, nil, true).Validate(); !gwerrors.IsValidation(err) {
		t.Error("Expected validation error for extended ID above 29 bits")
	}
}

func TestFrameFormatting(t *testing.T) {
	frame := NewFrame(0x0F6, []byte{0x8E, 0x07, 0x32}, false)
	if got := frame.IDString(); got != "0x0F6" {
		t.Errorf("Expected 0x0F6, got %s", got)
	}
	if got := frame.DataHex(); got != "8E0732" {
		t.Errorf("Expected 8E0732, got %s", got)
	}
	if got := NewFrame(0x123, nil, false).DataHex(); got != "" {
		t.Errorf("Expected empty hex for empty payload, got %q", got)
	}
}

func TestMessageMarshalJSON(t *testing.T) {
	msg := Message{
		Frame:     NewFrame(0x0F6, []byte{0x8E, 0x87}, false),
		Direction: DirectionRX,
		Timestamp: time.Now(),
		Device:    "Inclinometer",
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded struct {
		Direction string `json:"direction"`
		CANID     uint32 `json:"can_id"`
		DLC       uint8  `json:"dlc"`
		Data      []int  `json:"data"`
		Extended  bool   `json:"extended"`
		Device    string `json:"device_name"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.CANID != 0x0F6 || decoded.DLC != 2 {
		t.Errorf("Expected can_id 246 dlc 2, got %d/%d", decoded.CANID, decoded.DLC)
	}
	if len(decoded.Data) != 2 || decoded.Data[0] != 142 || decoded.Data[1] != 135 {
		t.Errorf("Expected data [142 135], got %v", decoded.Data)
	}
	if decoded.Direction != "RX" || decoded.Device != "Inclinometer" {
		t.Errorf("Expected RX/Inclinometer, got %s/%s", decoded.Direction, decoded.Device)
	}
}

func TestDeviceTimeoutFiresOncePerTransition(t *testing.T) {
	cfg := sensorDevice()
	cfg.TimeoutThreshold = 5
	dev := newDevice(cfg)
	now := time.Now()

	// Never-seen devices do not time out
	if dev.CheckTimeout(now.Add(time.Hour)) {
		t.Error("Expected no timeout before any traffic")
	}

	dev.RecordRX(now)
	if dev.CheckTimeout(now.Add(3 * time.Second)) {
		t.Error("Expected no timeout within threshold")
	}
	if !dev.CheckTimeout(now.Add(6 * time.Second)) {
		t.Error("Expected timeout past threshold")
	}
	if dev.CheckTimeout(now.Add(7 * time.Second)) {
		t.Error("Expected timeout to fire only once per transition")
	}

	status := dev.Status()
	if status.Alive {
		t.Error("Expected device not alive while timed out")
	}
	if status.TimeoutCount != 1 {
		t.Errorf("Expected timeout_count 1, got %d", status.TimeoutCount)
	}

	// Traffic recovers the device and re-arms the timeout
	dev.RecordRX(now.Add(8 * time.Second))
	if !dev.Status().Alive {
		t.Error("Expected device alive after traffic")
	}
	if !dev.CheckTimeout(now.Add(20 * time.Second)) {
		t.Error("Expected a second transition to fire again")
	}
	if got := dev.Status().TimeoutCount; got != 2 {
		t.Errorf("Expected timeout_count 2, got %d", got)
	}
}

func TestDeviceIgnoresLateAndDisabledTraffic(t *testing.T) {
	dev := newDevice(sensorDevice())
	now := time.Now()

	dev.RecordRX(now)
	dev.RecordRX(now.Add(-time.Minute)) // stale timestamp must not win
	status := dev.Status()
	if status.LastSeen == nil || !status.LastSeen.Equal(now) {
		t.Errorf("Expected last_seen %v, got %v", now, status.LastSeen)
	}
	if status.RXCount != 2 {
		t.Errorf("Expected rx_count 2, got %d", status.RXCount)
	}

	cfg := dev.Config()
	cfg.Enabled = false
	dev.UpdateConfig(cfg)
	if dev.Matches(cfg.CANID) {
		t.Error("Expected disabled device not to match its own ID")
	}
	if dev.CheckTimeout(now.Add(time.Hour)) {
		t.Error("Expected disabled device not to time out")
	}
}

func TestManagerConnectDisconnect(t *testing.T) {
	fake := &fakeDriver{}
	registerFake(fake)
	registry := health.NewRegistry()
	m := NewManager(fakeBusConfig(sensorDevice()), registry)

	if m.IsConnected() {
		t.Fatal("Expected manager disconnected before Connect")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsConnected() || !fake.isConnected() {
		t.Error("Expected manager and driver connected")
	}
	if err := m.Connect(context.Background()); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on double connect, got %v", err)
	}
	if got := registry.Get(healthComponent).Status; got != health.StatusHealthy {
		t.Errorf("Expected healthy after connect, got %s", got)
	}

	status := m.Status()
	if !status.Connected || status.Transport != "fake" {
		t.Errorf("Expected connected via fake, got %+v", status)
	}
	if status.Bitrate != 125000 {
		t.Errorf("Expected bitrate 125000, got %d", status.Bitrate)
	}
	if status.DevicesCount != 1 {
		t.Errorf("Expected 1 device, got %d", status.DevicesCount)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.IsConnected() || fake.isConnected() {
		t.Error("Expected manager and driver disconnected")
	}
	if err := m.Disconnect(); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on double disconnect, got %v", err)
	}
	if got := registry.Get(healthComponent).Status; got != health.StatusDegraded {
		t.Errorf("Expected degraded after disconnect, got %s", got)
	}
}

func TestSendFrameUpdatesCountersAndLog(t *testing.T) {
	fake := &fakeDriver{}
	m := NewManager(fakeBusConfig(sensorDevice()), health.NewRegistry())
	connectFake(m, fake)

	if err := m.Send(0x123, []byte{0xAA, 0xBB}, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	fake.mu.Lock()
	sent := len(fake.sent)
	fake.mu.Unlock()
	if sent != 1 {
		t.Fatalf("Expected 1 frame on the wire, got %d", sent)
	}

	if got := m.Status().TXTotal; got != 1 {
		t.Errorf("Expected tx_total 1, got %d", got)
	}
	devices := m.Devices()
	if len(devices) != 1 || devices[0].TXCount != 1 {
		t.Errorf("Expected device tx_count 1, got %+v", devices)
	}

	messages, total := m.Messages(MessageQuery{})
	if total != 1 {
		t.Errorf("Expected 1 total message, got %d", total)
	}
	if len(messages) != 1 || messages[0].Direction != DirectionTX {
		t.Fatalf("Expected one TX log entry, got %+v", messages)
	}
	if messages[0].Device != "Inclinometer" {
		t.Errorf("Expected owning device attributed, got %q", messages[0].Device)
	}
}

func TestSendFrameRejectsInvalidAndDisconnected(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())

	if err := m.Send(0x123, []byte{1}, false); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict when disconnected, got %v", err)
	}

	connectFake(m, &fakeDriver{})
	if err := m.Send(0x800, nil, false); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for oversized standard ID, got %v", err)
	}
	if err := m.Send(0x123, make([]byte, 9), false); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for 9 data bytes, got %v", err)
	}
	if got := m.Status().TXTotal; got != 0 {
		t.Errorf("Expected no frames counted, got %d", got)
	}
}

func TestHandleRXFanout(t *testing.T) {
	m := NewManager(fakeBusConfig(sensorDevice()), health.NewRegistry())
	connectFake(m, &fakeDriver{})

	sub, err := m.Subscribe("bridge")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	frame := NewFrame(0x123, []byte{0x01, 0x02}, false)
	m.handleRX(frame)

	select {
	case msg := <-sub:
		if msg.Frame.ID != 0x123 || msg.Direction != DirectionRX {
			t.Errorf("Expected RX 0x123, got %+v", msg)
		}
		if msg.Device != "Inclinometer" {
			t.Errorf("Expected owning device attributed, got %q", msg.Device)
		}
	default:
		t.Fatal("Expected a fanned-out message")
	}

	if got := m.Status().RXTotal; got != 1 {
		t.Errorf("Expected rx_total 1, got %d", got)
	}
	devices := m.Devices()
	if len(devices) != 1 || devices[0].RXCount != 1 || !devices[0].Alive {
		t.Errorf("Expected device alive with rx_count 1, got %+v", devices)
	}
}

func TestHandleRXCountsOverrunsOnSlowSubscribers(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())
	connectFake(m, &fakeDriver{})

	// An unbuffered channel nobody reads drops every frame
	m.mu.Lock()
	m.subscribers["slow"] = make(chan Message)
	m.mu.Unlock()

	m.handleRX(NewFrame(0x100, []byte{1}, false))
	m.handleRX(NewFrame(0x100, []byte{2}, false))

	status := m.Status()
	if status.RXTotal != 2 {
		t.Errorf("Expected rx_total 2, got %d", status.RXTotal)
	}
	if status.Overruns != 2 {
		t.Errorf("Expected 2 overruns, got %d", status.Overruns)
	}
}

func TestSubscribeConflictAndUnsubscribe(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())

	ch, err := m.Subscribe("bridge")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe("bridge"); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on duplicate subscriber, got %v", err)
	}

	m.Unsubscribe("bridge")
	if _, open := <-ch; open {
		t.Error("Expected channel closed after unsubscribe")
	}
	// Unknown names are a no-op
	m.Unsubscribe("bridge")

	if _, err := m.Subscribe("bridge"); err != nil {
		t.Errorf("Expected re-subscribe after unsubscribe, got %v", err)
	}
}

func TestDeviceCRUD(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())

	// Missing ID and threshold are filled in
	created, err := m.AddDevice(config.CANDevice{Name: "Motor", CANID: 0x200, Enabled: true})
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected generated device ID")
	}
	if created.TimeoutThreshold != DefaultTimeoutThreshold {
		t.Errorf("Expected default threshold %d, got %d", DefaultTimeoutThreshold, created.TimeoutThreshold)
	}

	if _, err := m.AddDevice(config.CANDevice{Name: "", CANID: 0x201}); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for empty name, got %v", err)
	}
	dup := created
	if _, err := m.AddDevice(dup); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate ID, got %v", err)
	}

	updated := created
	updated.Name = "Drive motor"
	if _, err := m.UpdateDevice(created.ID, updated); err != nil {
		t.Fatalf("UpdateDevice failed: %v", err)
	}
	got, err := m.GetDevice(created.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Name != "Drive motor" {
		t.Errorf("Expected renamed device, got %s", got.Name)
	}
	if _, err := m.UpdateDevice("missing", updated); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	if err := m.SetDeviceTimeout(created.ID, 4); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error below minimum, got %v", err)
	}
	if err := m.SetDeviceTimeout(created.ID, 301); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error above maximum, got %v", err)
	}
	if err := m.SetDeviceTimeout(created.ID, 60); err != nil {
		t.Fatalf("SetDeviceTimeout failed: %v", err)
	}
	got, _ = m.GetDevice(created.ID)
	if got.TimeoutThreshold != 60 {
		t.Errorf("Expected threshold 60, got %d", got.TimeoutThreshold)
	}

	// Configuration tracks the registry for persistence
	cfg := m.Config()
	if len(cfg.Devices) != 1 || cfg.Devices[0].TimeoutThreshold != 60 {
		t.Errorf("Expected config in sync, got %+v", cfg.Devices)
	}

	if err := m.RemoveDevice(created.ID); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	if err := m.RemoveDevice(created.ID); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not found after removal, got %v", err)
	}
	if len(m.Config().Devices) != 0 {
		t.Error("Expected device gone from configuration")
	}
}

func TestStatisticsAggregationAndReset(t *testing.T) {
	m := NewManager(fakeBusConfig(sensorDevice()), health.NewRegistry())
	connectFake(m, &fakeDriver{})

	m.handleRX(NewFrame(0x123, []byte{1}, false))
	m.handleRX(NewFrame(0x123, []byte{2}, false))
	if err := m.Send(0x123, []byte{3}, false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	stats := m.Statistics()
	if stats.Bus.RXTotal != 2 || stats.Bus.TXTotal != 1 {
		t.Errorf("Expected bus 2 rx / 1 tx, got %d/%d", stats.Bus.RXTotal, stats.Bus.TXTotal)
	}
	if stats.Devices.Total != 1 || stats.Devices.Active != 1 {
		t.Errorf("Expected 1 active device, got %+v", stats.Devices)
	}
	if stats.Devices.TotalRX != 2 || stats.Devices.TotalTX != 1 {
		t.Errorf("Expected device aggregate 2/1, got %+v", stats.Devices)
	}

	m.ResetStatistics()
	stats = m.Statistics()
	if stats.Bus.RXTotal != 0 || stats.Bus.TXTotal != 0 {
		t.Errorf("Expected zeroed bus counters, got %+v", stats.Bus)
	}
	if stats.Devices.TotalRX != 0 || stats.Devices.TotalTX != 0 {
		t.Errorf("Expected zeroed device counters, got %+v", stats.Devices)
	}
	// Liveness survives a statistics reset
	if stats.Devices.Active != 1 {
		t.Errorf("Expected device still active, got %+v", stats.Devices)
	}
}

func TestMessageLogQueryFilters(t *testing.T) {
	log := &messageLog{}
	for i := 0; i < 3; i++ {
		log.add(Message{Frame: NewFrame(0x100, []byte{byte(i)}, false), Direction: DirectionRX})
	}
	log.add(Message{Frame: NewFrame(0x200, []byte{9}, false), Direction: DirectionTX})

	if got := log.query(MessageQuery{}); len(got) != 4 {
		t.Errorf("Expected all 4 entries, got %d", len(got))
	}
	if got := log.query(MessageQuery{CANID: 0x100, HasCANID: true}); len(got) != 3 {
		t.Errorf("Expected 3 entries for 0x100, got %d", len(got))
	}
	if got := log.query(MessageQuery{Direction: DirectionTX}); len(got) != 1 {
		t.Errorf("Expected 1 TX entry, got %d", len(got))
	}

	// Count keeps the most recent entries in order
	got := log.query(MessageQuery{Count: 2, CANID: 0x100, HasCANID: true})
	if len(got) != 2 || got[0].Frame.Data[0] != 1 || got[1].Frame.Data[0] != 2 {
		t.Errorf("Expected the two most recent 0x100 frames, got %+v", got)
	}

	log.clear()
	if got := log.query(MessageQuery{}); len(got) != 0 {
		t.Errorf("Expected empty log after clear, got %d", len(got))
	}
}

func TestMessageLogBounded(t *testing.T) {
	log := &messageLog{}
	for i := 0; i < maxLogEntries+50; i++ {
		log.add(Message{Frame: NewFrame(uint32(i%0x7FF), nil, false), Direction: DirectionRX})
	}
	if got := len(log.query(MessageQuery{Count: maxLogEntries * 2})); got != maxLogEntries {
		t.Errorf("Expected log capped at %d, got %d", maxLogEntries, got)
	}
}

func TestEventLogQuery(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())
	m.events.add(EventConnection, "CAN bus connected", nil)
	m.events.add(EventDevice, "Device 'Motor' created", nil)
	m.events.add(EventError, "Hardware failure", nil)

	if got := m.Events(0, ""); len(got) != 3 {
		t.Errorf("Expected 3 events, got %d", len(got))
	}
	errors := m.Events(0, EventError)
	if len(errors) != 1 || errors[0].Message != "Hardware failure" {
		t.Errorf("Expected the error event, got %+v", errors)
	}
	if got := m.Events(1, ""); len(got) != 1 || got[0].Type != EventError {
		t.Errorf("Expected the most recent event, got %+v", got)
	}

	m.ClearEvents()
	if got := m.Events(0, ""); len(got) != 0 {
		t.Errorf("Expected empty event log, got %d", len(got))
	}
}

func TestHardwareFailureCleanup(t *testing.T) {
	fake := &fakeDriver{}
	registry := health.NewRegistry()
	m := NewManager(fakeBusConfig(sensorDevice()), registry)
	connectFake(m, fake)
	m.handleRX(NewFrame(0x123, []byte{1}, false))

	m.cleanupOnHardwareFailure("probe unanswered")

	if m.IsConnected() {
		t.Error("Expected manager disconnected after hardware failure")
	}
	if fake.isConnected() {
		t.Error("Expected driver torn down")
	}
	if got := m.HardwareBreaker().State; got != "OPEN" {
		t.Errorf("Expected breaker OPEN, got %s", got)
	}
	if got := registry.Get(healthComponent).Status; got != health.StatusUnhealthy {
		t.Errorf("Expected unhealthy, got %s", got)
	}
	devices := m.Devices()
	if len(devices) != 1 || devices[0].Alive || devices[0].LastSeen != nil {
		t.Errorf("Expected device liveness wiped, got %+v", devices)
	}

	m.ResetHardwareBreaker()
	if got := m.HardwareBreaker().State; got != "CLOSED" {
		t.Errorf("Expected breaker CLOSED after reset, got %s", got)
	}
}

func TestUpdateController(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())

	bad := config.CANController{Transport: "spi-bitbang"}
	if err := m.UpdateController(bad, nil); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for unknown transport, got %v", err)
	}
	noIface := config.CANController{Transport: "socketcan"}
	if err := m.UpdateController(noIface, nil); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for socketcan without interface, got %v", err)
	}
	badFilter := []config.CANFilter{{ID: 0x800, Mask: 0x7FF}}
	good := config.CANController{Transport: "mcp2515", Bitrate: 250000, Crystal: 16000000, Mode: "normal"}
	if err := m.UpdateController(good, badFilter); !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for oversized filter ID, got %v", err)
	}

	filters := []config.CANFilter{{ID: 0x123, Mask: 0x7FF}}
	if err := m.UpdateController(good, filters); err != nil {
		t.Fatalf("UpdateController failed: %v", err)
	}
	cfg := m.Config()
	if cfg.Controller.Bitrate != 250000 || cfg.Controller.Crystal != 16000000 {
		t.Errorf("Expected controller settings applied, got %+v", cfg.Controller)
	}
	if len(cfg.Filters) != 1 || cfg.Filters[0].ID != 0x123 {
		t.Errorf("Expected filter stored, got %+v", cfg.Filters)
	}
}

func TestManagerLifecycleDeliversRX(t *testing.T) {
	fake := &fakeDriver{}
	registerFake(fake)
	cfg := fakeBusConfig(sensorDevice())
	cfg.AutoConnect = true
	m := NewManager(cfg, health.NewRegistry())

	sub, err := m.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	fake.push(NewFrame(0x123, []byte{0xDE, 0xAD}, false))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on double start, got %v", err)
	}
	if !m.IsConnected() {
		t.Fatal("Expected auto-connect to bring the bus up")
	}

	select {
	case msg := <-sub:
		if msg.Frame.ID != 0x123 || msg.Frame.DataHex() != "DEAD" {
			t.Errorf("Expected queued frame delivered, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the RX loop to deliver")
	}

	m.Stop()
	if m.IsConnected() {
		t.Error("Expected bus disconnected after stop")
	}
	// Second stop is a no-op
	m.Stop()
}

func TestScanNodesRequiresConnection(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())
	if _, err := m.ScanNodes(context.Background(), time.Second); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict when disconnected, got %v", err)
	}
}

func TestControllerStatusDisconnected(t *testing.T) {
	m := NewManager(fakeBusConfig(), health.NewRegistry())
	status, err := m.ControllerStatus()
	if err != nil {
		t.Fatalf("ControllerStatus failed: %v", err)
	}
	if status.Mode != "disconnected" {
		t.Errorf("Expected disconnected mode, got %s", status.Mode)
	}

	connectFake(m, &fakeDriver{})
	status, err = m.ControllerStatus()
	if err != nil {
		t.Fatalf("ControllerStatus failed: %v", err)
	}
	if status.Transport != "fake" || status.Mode != "normal" {
		t.Errorf("Expected fake/normal, got %s/%s", status.Transport, status.Mode)
	}
}
