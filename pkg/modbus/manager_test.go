package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/state"
)

// fakeSession is a scripted stand-in for an RTU session. Holding and
// input register reads share one value table; per-address errors and a
// global failure can be injected. When bySlave is set the fake answers
// per slave ID instead, which is what the scanner tests need.
type fakeSession struct {
	mu      sync.Mutex
	slave   byte
	closed  bool
	holding map[uint16]uint16
	coils   map[uint16]byte
	errs    map[uint16]error
	failAll error
	bySlave map[byte]uint16

	reads  int
	writes []fakeWrite

	onRead func() // called before each read, outside the lock
}

type fakeWrite struct {
	address uint16
	value   uint16
	fc      int
}

var errFakeTimeout = errors.New("modbus: response timeout")

func newFakeSession() *fakeSession {
	return &fakeSession{
		holding: make(map[uint16]uint16),
		coils:   make(map[uint16]byte),
		errs:    make(map[uint16]error),
	}
}

func (f *fakeSession) setFailAll(err error) {
	f.mu.Lock()
	f.failAll = err
	f.mu.Unlock()
}

func (f *fakeSession) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeSession) writesSeen() []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// injected must be called with f.mu held
func (f *fakeSession) injected(address uint16) error {
	if f.failAll != nil {
		return f.failAll
	}
	return f.errs[address]
}

func be16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func (f *fakeSession) readBit(address uint16) ([]byte, error) {
	if f.onRead != nil {
		f.onRead()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.injected(address); err != nil {
		return nil, err
	}
	v, ok := f.coils[address]
	if !ok {
		return nil, errFakeTimeout
	}
	return []byte{v}, nil
}

func (f *fakeSession) readWord(address uint16) ([]byte, error) {
	if f.onRead != nil {
		f.onRead()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.injected(address); err != nil {
		return nil, err
	}
	if f.bySlave != nil {
		v, ok := f.bySlave[f.slave]
		if !ok {
			return nil, errFakeTimeout
		}
		return be16(v), nil
	}
	v, ok := f.holding[address]
	if !ok {
		return nil, errFakeTimeout
	}
	return be16(v), nil
}

func (f *fakeSession) ReadCoils(address, quantity uint16) ([]byte, error) {
	return f.readBit(address)
}

func (f *fakeSession) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return f.readBit(address)
}

func (f *fakeSession) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.readWord(address)
}

func (f *fakeSession) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.readWord(address)
}

func (f *fakeSession) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.writes = append(f.writes, fakeWrite{address, value, 5})
	return be16(value), nil
}

func (f *fakeSession) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.writes = append(f.writes, fakeWrite{address, value, 6})
	return be16(value), nil
}

func (f *fakeSession) SetSlave(id byte) {
	f.mu.Lock()
	f.slave = id
	f.mu.Unlock()
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// stubOpenSession swaps the session factory for the test's lifetime
func stubOpenSession(t *testing.T, fn func(serialParams) (session, error)) {
	t.Helper()
	orig := openSession
	openSession = fn
	t.Cleanup(func() { openSession = orig })
}

func stubFake(t *testing.T, fake *fakeSession) {
	t.Helper()
	stubOpenSession(t, func(serialParams) (session, error) { return fake, nil })
}

func newTestManager(t *testing.T, devices ...config.ModbusDevice) *Manager {
	t.Helper()
	m := NewManager(devices, health.NewRegistry(), state.NewIOState())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func meterConfig() config.ModbusDevice {
	return config.ModbusDevice{
		ID:       "dev_1_1",
		Name:     "Energy meter",
		Port:     "ttyS2",
		SlaveID:  1,
		Baudrate: 9600,
		Parity:   "N",
		StopBits: 1,
	}
}

// TestConnectDisconnectLifecycle covers the session lifecycle and the
// conflicts on double connect / double disconnect
func TestConnectDisconnectLifecycle(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if m.IsDeviceConnected("dev_1_1") {
		t.Error("Expected device to start disconnected")
	}

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsDeviceConnected("dev_1_1") {
		t.Error("Expected device to be connected")
	}
	status, err := m.GetDevice("dev_1_1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if status.LastConnected == nil {
		t.Error("Expected last_connected to be stamped")
	}

	if err := m.Connect(ctx, "dev_1_1"); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on double connect, got %v", err)
	}

	if err := m.Disconnect("dev_1_1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.IsDeviceConnected("dev_1_1") {
		t.Error("Expected device to be disconnected")
	}
	if !fake.isClosed() {
		t.Error("Expected the serial session to be closed")
	}

	if err := m.Disconnect("dev_1_1"); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on double disconnect, got %v", err)
	}

	if err := m.Connect(ctx, "missing"); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not-found for unknown device, got %v", err)
	}
}

// TestReadOrderedValues covers the multi-register read contract: one
// wire read per address, results in request order
func TestReadOrderedValues(t *testing.T) {
	fake := newFakeSession()
	fake.holding[0] = 123
	fake.holding[1] = 456
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := m.Read(ctx, "dev_1_1", ReadRequest{Register: 0, Count: 2, FunctionCode: 3})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !res.Success {
		t.Error("Expected success=true")
	}
	want := []RegisterValue{{Register: 0, Value: 123}, {Register: 1, Value: 456}}
	if len(res.Registers) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(res.Registers))
	}
	for i, w := range want {
		if res.Registers[i] != w {
			t.Errorf("Register %d: expected %+v, got %+v", i, w, res.Registers[i])
		}
	}
	if fake.readCount() != 2 {
		t.Errorf("Expected 2 wire reads, got %d", fake.readCount())
	}

	status, _ := m.GetDevice("dev_1_1")
	if status.Breaker.State != "CLOSED" || status.Breaker.Failures != 0 {
		t.Errorf("Expected closed breaker with 0 failures, got %+v", status.Breaker)
	}
	if status.ReadCount != 1 {
		t.Errorf("Expected read_count 1, got %d", status.ReadCount)
	}
}

// TestReadBits covers FC1/FC2 reads returning 0/1 values
func TestReadBits(t *testing.T) {
	fake := newFakeSession()
	fake.coils[4] = 0x01
	fake.coils[5] = 0x00
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res, err := m.Read(ctx, "dev_1_1", ReadRequest{Register: 4, Count: 2, FunctionCode: 1})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if res.Registers[0].Value != 1 || res.Registers[1].Value != 0 {
		t.Errorf("Expected bit values [1 0], got %+v", res.Registers)
	}
}

// TestReadValidation rejects malformed read requests before the wire
func TestReadValidation(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	cases := []ReadRequest{
		{Register: 0, Count: 0, FunctionCode: 3},
		{Register: 0, Count: 126, FunctionCode: 3},
		{Register: 0, Count: 1, FunctionCode: 0},
		{Register: 0, Count: 1, FunctionCode: 5},
	}
	for _, req := range cases {
		if _, err := m.Read(ctx, "dev_1_1", req); !gwerrors.IsValidation(err) {
			t.Errorf("Expected validation error for %+v, got %v", req, err)
		}
	}
	if fake.readCount() != 0 {
		t.Errorf("Expected no wire traffic, got %d reads", fake.readCount())
	}

	if _, err := m.Read(ctx, "missing", ReadRequest{Register: 0, Count: 1, FunctionCode: 3}); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not-found, got %v", err)
	}
}

// TestReadRequiresConnection rejects reads before connect
func TestReadRequiresConnection(t *testing.T) {
	stubFake(t, newFakeSession())
	m := newTestManager(t, meterConfig())

	_, err := m.Read(context.Background(), "dev_1_1", ReadRequest{Register: 0, Count: 1, FunctionCode: 3})
	if !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict for read without connection, got %v", err)
	}
}

// TestBreakerOpensAfterRepeatedFailures walks the breaker sequence: a
// silent slave yields classified NoResponse failures until the breaker
// opens and refuses the next read without touching the wire; after the
// timeout a successful read closes it again.
func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fake := newFakeSession()
	fake.holding[0] = 123
	stubFake(t, fake)

	cfg := meterConfig()
	cfg.Breaker = &config.BreakerConfig{FailureThreshold: 3, Timeout: 1}
	m := newTestManager(t, cfg)
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fake.setFailAll(errFakeTimeout)
	req := ReadRequest{Register: 0, Count: 1, FunctionCode: 3}
	for i := 0; i < 3; i++ {
		_, err := m.Read(ctx, "dev_1_1", req)
		te, ok := gwerrors.AsTransport(err)
		if !ok {
			t.Fatalf("Read %d: expected transport error, got %v", i+1, err)
		}
		if te.Kind != gwerrors.TransportNoResponse {
			t.Errorf("Read %d: expected NoResponse, got %s", i+1, te.Kind)
		}
	}

	// a quiet slave does not tear the session down
	if !m.IsDeviceConnected("dev_1_1") {
		t.Fatal("Expected session to survive NoResponse failures")
	}

	_, err := m.Read(ctx, "dev_1_1", req)
	if !gwerrors.IsBreakerOpen(err) {
		t.Fatalf("Expected fourth read to fail fast, got %v", err)
	}
	if fake.readCount() != 3 {
		t.Errorf("Expected 3 wire reads, got %d", fake.readCount())
	}

	// past the timeout the next read is the recovery probe
	time.Sleep(1100 * time.Millisecond)
	fake.setFailAll(nil)
	res, err := m.Read(ctx, "dev_1_1", req)
	if err != nil {
		t.Fatalf("Expected recovery read to succeed, got %v", err)
	}
	if res.Registers[0].Value != 123 {
		t.Errorf("Expected value 123, got %d", res.Registers[0].Value)
	}
	status, _ := m.GetDevice("dev_1_1")
	if status.Breaker.State != "CLOSED" || status.Breaker.Failures != 0 {
		t.Errorf("Expected closed breaker after recovery, got %+v", status.Breaker)
	}
}

// TestSerialFailureTearsDownConnection covers cleanup on a port-level
// failure: session removed, last_connected cleared, breaker preserved
func TestSerialFailureTearsDownConnection(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fake.setFailAll(errors.New("read /dev/ttyS2: input/output error"))
	_, err := m.Read(ctx, "dev_1_1", ReadRequest{Register: 0, Count: 1, FunctionCode: 3})
	te, ok := gwerrors.AsTransport(err)
	if !ok || te.Kind != gwerrors.TransportSerialError {
		t.Fatalf("Expected SerialError, got %v", err)
	}

	if m.IsDeviceConnected("dev_1_1") {
		t.Error("Expected session teardown after serial failure")
	}
	if !fake.isClosed() {
		t.Error("Expected the serial session to be closed")
	}

	status, _ := m.GetDevice("dev_1_1")
	if status.LastConnected != nil {
		t.Error("Expected last_connected to be cleared")
	}
	if status.Breaker.Failures != 1 {
		t.Errorf("Expected breaker to keep its failure count, got %+v", status.Breaker)
	}

	events := m.Events(10, EventHardware)
	if len(events) != 1 {
		t.Fatalf("Expected one hardware_disconnected event, got %d", len(events))
	}
}

// TestDisconnectClearsBreaker: an explicit disconnect forgives
// accumulated failures, cleanup does not
func TestDisconnectClearsBreaker(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fake.setFailAll(errFakeTimeout)
	req := ReadRequest{Register: 0, Count: 1, FunctionCode: 3}
	for i := 0; i < 2; i++ {
		if _, err := m.Read(ctx, "dev_1_1", req); err == nil {
			t.Fatal("Expected read to fail")
		}
	}
	status, _ := m.GetDevice("dev_1_1")
	if status.Breaker.Failures != 2 {
		t.Fatalf("Expected 2 breaker failures, got %+v", status.Breaker)
	}

	if err := m.Disconnect("dev_1_1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	status, _ = m.GetDevice("dev_1_1")
	if status.Breaker.Failures != 0 || status.Breaker.State != "CLOSED" {
		t.Errorf("Expected disconnect to clear the breaker, got %+v", status.Breaker)
	}
}

// TestResetBreaker covers the manual reset endpoint's semantics
func TestResetBreaker(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	fake.setFailAll(errFakeTimeout)
	req := ReadRequest{Register: 0, Count: 1, FunctionCode: 3}
	for i := 0; i < 3; i++ {
		_, _ = m.Read(ctx, "dev_1_1", req)
	}
	if _, err := m.Read(ctx, "dev_1_1", req); !gwerrors.IsBreakerOpen(err) {
		t.Fatalf("Expected open breaker, got %v", err)
	}

	if err := m.ResetBreaker("dev_1_1"); err != nil {
		t.Fatalf("ResetBreaker failed: %v", err)
	}
	fake.setFailAll(nil)
	fake.mu.Lock()
	fake.holding[0] = 9
	fake.mu.Unlock()
	if _, err := m.Read(ctx, "dev_1_1", req); err != nil {
		t.Errorf("Expected read to pass after reset, got %v", err)
	}

	if err := m.ResetBreaker("missing"); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not-found, got %v", err)
	}
}

// TestWriteCoilAndRegister covers FC5 coil encoding and FC6 writes
func TestWriteCoilAndRegister(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := m.Write(ctx, "dev_1_1", WriteRequest{Register: 10, Value: 1, FunctionCode: 5}); err != nil {
		t.Fatalf("Coil write failed: %v", err)
	}
	if _, err := m.Write(ctx, "dev_1_1", WriteRequest{Register: 10, Value: 0, FunctionCode: 5}); err != nil {
		t.Fatalf("Coil write failed: %v", err)
	}
	res, err := m.Write(ctx, "dev_1_1", WriteRequest{Register: 20, Value: 1234, FunctionCode: 6})
	if err != nil {
		t.Fatalf("Register write failed: %v", err)
	}
	if !res.Success || res.Value != 1234 {
		t.Errorf("Expected successful write of 1234, got %+v", res)
	}

	want := []fakeWrite{
		{address: 10, value: 0xFF00, fc: 5},
		{address: 10, value: 0x0000, fc: 5},
		{address: 20, value: 1234, fc: 6},
	}
	got := fake.writesSeen()
	if len(got) != len(want) {
		t.Fatalf("Expected %d writes, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Write %d: expected %+v, got %+v", i, w, got[i])
		}
	}

	status, _ := m.GetDevice("dev_1_1")
	if status.WriteCount != 3 {
		t.Errorf("Expected write_count 3, got %d", status.WriteCount)
	}
}

// TestWriteValidation rejects out-of-range values and read codes
func TestWriteValidation(t *testing.T) {
	stubFake(t, newFakeSession())
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	cases := []WriteRequest{
		{Register: 1, Value: 2, FunctionCode: 5},
		{Register: 1, Value: -1, FunctionCode: 6},
		{Register: 1, Value: 70000, FunctionCode: 6},
		{Register: 1, Value: 1, FunctionCode: 3},
	}
	for _, req := range cases {
		if _, err := m.Write(ctx, "dev_1_1", req); !gwerrors.IsValidation(err) {
			t.Errorf("Expected validation error for %+v, got %v", req, err)
		}
	}
}

// TestAddDeviceDefaultsAndConflicts covers ID generation, interval
// defaulting and the shared (port, slave) refusal
func TestAddDeviceDefaultsAndConflicts(t *testing.T) {
	stubFake(t, newFakeSession())
	m := newTestManager(t)

	created, err := m.AddDevice(config.ModbusDevice{
		Name: "Meter", Port: "ttyS2", SlaveID: 1,
		Baudrate: 9600, Parity: "N", StopBits: 1,
	})
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected a generated device ID")
	}
	if created.Polling.Interval != 1000 {
		t.Errorf("Expected default polling interval 1000, got %d", created.Polling.Interval)
	}

	_, err = m.AddDevice(config.ModbusDevice{
		Name: "Shadow", Port: "ttyS2", SlaveID: 1,
		Baudrate: 9600, Parity: "N", StopBits: 1,
	})
	if !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict for duplicate (port, slave), got %v", err)
	}

	// same slave ID on the other port is a different bus
	if _, err := m.AddDevice(config.ModbusDevice{
		Name: "Sensor", Port: "ttyS7", SlaveID: 1,
		Baudrate: 9600, Parity: "N", StopBits: 1,
	}); err != nil {
		t.Errorf("Expected same slave on other port to pass, got %v", err)
	}

	_, err = m.AddDevice(config.ModbusDevice{
		Name: "Bad", Port: "ttyUSB0", SlaveID: 1,
		Baudrate: 9600, Parity: "N", StopBits: 1,
	})
	if !gwerrors.IsValidation(err) {
		t.Errorf("Expected validation error for unknown port, got %v", err)
	}
}

// TestUpdateDeviceTransportFrozenWhileConnected: serial parameters may
// only change while disconnected; cosmetic fields may change live
func TestUpdateDeviceTransportFrozenWhileConnected(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	changed := meterConfig()
	changed.Baudrate = 19200
	if _, err := m.UpdateDevice("dev_1_1", changed); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict for transport change while connected, got %v", err)
	}

	renamed := meterConfig()
	renamed.Name = "Main meter"
	if _, err := m.UpdateDevice("dev_1_1", renamed); err != nil {
		t.Fatalf("UpdateDevice failed: %v", err)
	}
	status, _ := m.GetDevice("dev_1_1")
	if status.Name != "Main meter" {
		t.Errorf("Expected renamed device, got %q", status.Name)
	}

	if err := m.Disconnect("dev_1_1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if _, err := m.UpdateDevice("dev_1_1", changed); err != nil {
		t.Errorf("Expected transport change while disconnected to pass, got %v", err)
	}
}

// TestRemoveDeviceStopsSession: removal closes the session and frees
// the ID
func TestRemoveDeviceStopsSession(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)
	m := newTestManager(t, meterConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.RemoveDevice("dev_1_1"); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	if !fake.isClosed() {
		t.Error("Expected session to be closed on removal")
	}
	if _, err := m.GetDevice("dev_1_1"); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not-found after removal, got %v", err)
	}
	if err := m.RemoveDevice("dev_1_1"); !gwerrors.IsNotFound(err) {
		t.Errorf("Expected not-found on double removal, got %v", err)
	}
}

// TestDevicesSortedAndSummary covers the listing order and the
// aggregate counters
func TestDevicesSortedAndSummary(t *testing.T) {
	fake := newFakeSession()
	stubFake(t, fake)

	a := meterConfig()
	b := config.ModbusDevice{
		ID: "dev_0_9", Name: "Sensor", Port: "ttyS7", SlaveID: 9,
		Baudrate: 19200, Parity: "E", StopBits: 1,
	}
	m := newTestManager(t, a, b)

	devices := m.Devices()
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "dev_0_9" || devices[1].ID != "dev_1_1" {
		t.Errorf("Expected ID-sorted listing, got %s, %s", devices[0].ID, devices[1].ID)
	}

	if err := m.Connect(context.Background(), "dev_1_1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sum := m.Summary()
	if !sum.Running || sum.DevicesTotal != 2 || sum.DevicesConnected != 1 {
		t.Errorf("Unexpected summary: %+v", sum)
	}
}

// TestSubscribeConflictAndUnsubscribe mirrors the fan-out registry
// rules shared with the CAN manager
func TestSubscribeConflictAndUnsubscribe(t *testing.T) {
	stubFake(t, newFakeSession())
	m := newTestManager(t)

	ch, err := m.Subscribe("bridge")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe("bridge"); !gwerrors.IsConflict(err) {
		t.Errorf("Expected conflict on duplicate subscriber, got %v", err)
	}

	m.Unsubscribe("bridge")
	if _, open := <-ch; open {
		t.Error("Expected channel to be closed after unsubscribe")
	}
	if _, err := m.Subscribe("bridge"); err != nil {
		t.Errorf("Expected re-subscribe after unsubscribe, got %v", err)
	}
}
