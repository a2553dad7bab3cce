package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"efio-gateway/pkg/state"
	"efio-gateway/pkg/sysinfo"
)

type fakeMetrics struct {
	snap sysinfo.Snapshot
}

func (f *fakeMetrics) Snapshot() sysinfo.Snapshot { return f.snap }

type fakeWriter struct {
	mu      sync.Mutex
	ioState *state.IOState
	calls   [][2]int
	err     error
}

func (f *fakeWriter) write(channel, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := f.ioState.SetDO(channel, value); err != nil {
		return err
	}
	f.calls = append(f.calls, [2]int{channel, value})
	return nil
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testRig struct {
	hub     *Hub
	ioState *state.IOState
	writer  *fakeWriter
	server  *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	ioState := state.NewIOState()
	metrics := &fakeMetrics{snap: sysinfo.Snapshot{
		CPU:         sysinfo.CPUInfo{Percent: 12.5, Cores: 4},
		Memory:      sysinfo.MemoryInfo{Percent: 40.0, UsedGB: 0.8, TotalGB: 2.0},
		Temperature: sysinfo.TemperatureInfo{Celsius: 45.0, Fahrenheit: 113.0},
		Uptime:      3600,
	}}
	writer := &fakeWriter{ioState: ioState}

	hub := NewHub(ioState, metrics, writer.write)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(hub.Stop)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(server.Close)

	return &testRig{hub: hub, ioState: ioState, writer: writer, server: server}
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForType reads until a message of the wanted type arrives, skipping
// heartbeat traffic of other types
func waitForType(t *testing.T, conn *websocket.Conn, want string) testEnvelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var env testEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("no %q message within deadline", want)
	return testEnvelope{}
}

func sendCommand(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	payload := map[string]interface{}{"type": msgType}
	if data != nil {
		payload["data"] = data
	}
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func TestConnectReceivesInitialState(t *testing.T) {
	rig := newTestRig(t)
	rig.ioState.SetDIAll([]int{1, 0, 1, 0})
	conn := rig.dial(t)

	io := waitForType(t, conn, "io_update")
	var got ioPayload
	if err := json.Unmarshal(io.Data, &got); err != nil {
		t.Fatalf("decode io_update: %v", err)
	}
	if len(got.DI) != 4 || len(got.DO) != 4 {
		t.Fatalf("Expected 4 DI and 4 DO channels, got %d/%d", len(got.DI), len(got.DO))
	}
	if got.DI[0] != 1 || got.DI[2] != 1 {
		t.Errorf("Expected DI [1 0 1 0], got %v", got.DI)
	}

	sys := waitForType(t, conn, "system_update")
	var snap sysinfo.Snapshot
	if err := json.Unmarshal(sys.Data, &snap); err != nil {
		t.Fatalf("decode system_update: %v", err)
	}
	if snap.CPU.Percent != 12.5 {
		t.Errorf("Expected CPU 12.5, got %v", snap.CPU.Percent)
	}
	if snap.CPU.Cores != 4 {
		t.Errorf("Expected 4 cores, got %d", snap.CPU.Cores)
	}
}

func TestSetDOWritesAndReplies(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	waitForType(t, conn, "io_update")

	sendCommand(t, conn, "set_do", map[string]int{"channel": 1, "value": 1})

	deadline := time.Now().Add(3 * time.Second)
	for {
		env := waitForType(t, conn, "io_update")
		var got ioPayload
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("decode io_update: %v", err)
		}
		if got.DO[1] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw DO1 go high, last DO %v", got.DO)
		}
	}

	if rig.writer.callCount() != 1 {
		t.Errorf("Expected 1 write call, got %d", rig.writer.callCount())
	}
	if v, err := rig.ioState.GetDO(1); err != nil || v != 1 {
		t.Errorf("Expected state DO1 = 1, got %d (err %v)", v, err)
	}
}

func TestSetDOMissingFields(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	waitForType(t, conn, "io_update")

	sendCommand(t, conn, "set_do", map[string]int{"channel": 2})

	env := waitForType(t, conn, "error")
	var body map[string]string
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["message"] != "Missing channel or value" {
		t.Errorf("Expected 'Missing channel or value', got %q", body["message"])
	}
	if rig.writer.callCount() != 0 {
		t.Errorf("Expected no write calls, got %d", rig.writer.callCount())
	}
}

func TestSetDOInvalidChannel(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	waitForType(t, conn, "io_update")

	sendCommand(t, conn, "set_do", map[string]int{"channel": 9, "value": 1})

	env := waitForType(t, conn, "error")
	var body map[string]string
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["message"] == "" {
		t.Error("Expected an error message for invalid channel")
	}
}

func TestStateChangeReachesAllClients(t *testing.T) {
	rig := newTestRig(t)
	first := rig.dial(t)
	second := rig.dial(t)
	waitForType(t, first, "io_update")
	waitForType(t, second, "io_update")

	rig.ioState.SetDIAll([]int{0, 1, 0, 0})

	for _, conn := range []*websocket.Conn{first, second} {
		deadline := time.Now().Add(3 * time.Second)
		for {
			env := waitForType(t, conn, "io_update")
			var got ioPayload
			if err := json.Unmarshal(env.Data, &got); err != nil {
				t.Fatalf("decode io_update: %v", err)
			}
			if got.DI[1] == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("DI change never reached client, last DI %v", got.DI)
			}
		}
	}
}

func TestRequestSystemReturnsSnapshot(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	waitForType(t, conn, "system_update")

	sendCommand(t, conn, "request_system", nil)

	env := waitForType(t, conn, "system_update")
	var snap sysinfo.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("decode system_update: %v", err)
	}
	if snap.Uptime != 3600 {
		t.Errorf("Expected uptime 3600, got %d", snap.Uptime)
	}
}

func TestUnknownMessageType(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	waitForType(t, conn, "io_update")

	sendCommand(t, conn, "reboot_flux_capacitor", nil)

	env := waitForType(t, conn, "error")
	var body map[string]string
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(body["message"], "unknown message type") {
		t.Errorf("Expected unknown type error, got %q", body["message"])
	}
}

func TestStopClosesConnections(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	waitForType(t, conn, "io_update")

	if rig.hub.ClientCount() != 1 {
		t.Fatalf("Expected 1 client, got %d", rig.hub.ClientCount())
	}

	rig.hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	if rig.hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after stop, got %d", rig.hub.ClientCount())
	}

	// A second stop must be a no-op
	rig.hub.Stop()
}

func TestSendToAfterSlowConsumerDrop(t *testing.T) {
	ioState := state.NewIOState()
	h := NewHub(ioState, &fakeMetrics{}, func(int, int) error { return nil })

	c := &client{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// Fill the buffer so the next broadcast treats the client as a
	// slow consumer and closes its send channel
	for i := 0; i < sendBuffer; i++ {
		c.send <- []byte("{}")
	}
	h.broadcastIO()

	if h.ClientCount() != 0 {
		t.Fatalf("Expected slow consumer to be dropped, got %d clients", h.ClientCount())
	}

	// A reply racing the drop is discarded, never sent on the closed
	// channel
	h.sendTo(c, "io_update", h.ioSnapshot())
	h.sendError(c, "late reply")
}

func TestHandleWSRejectsWhenStopped(t *testing.T) {
	ioState := state.NewIOState()
	hub := NewHub(ioState, &fakeMetrics{}, func(int, int) error { return nil })

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail against a stopped hub")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}
