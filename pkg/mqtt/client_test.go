package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/state"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// mockToken resolves immediately with a fixed error
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *mockToken) Error() error { return t.err }

type publishRecord struct {
	topic   string
	qos     byte
	retain  bool
	payload string
}

// mockPahoClient records publishes and lets tests control connectivity
type mockPahoClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []publishRecord
}

func (m *mockPahoClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *mockPahoClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockPahoClient) Connect() paho.Token {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return &mockToken{}
}
func (m *mockPahoClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}
func (m *mockPahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return &mockToken{err: m.publishErr}
	}
	var body string
	switch p := payload.(type) {
	case []byte:
		body = string(p)
	case string:
		body = p
	}
	m.published = append(m.published, publishRecord{topic, qos, retained, body})
	return &mockToken{}
}
func (m *mockPahoClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	return &mockToken{}
}
func (m *mockPahoClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	return &mockToken{}
}
func (m *mockPahoClient) Unsubscribe(topics ...string) paho.Token { return &mockToken{} }
func (m *mockPahoClient) AddRoute(topic string, callback paho.MessageHandler) {}
func (m *mockPahoClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (m *mockPahoClient) publishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// mockMessage implements paho.Message for inbound dispatch tests
type mockMessage struct {
	topic   string
	payload string
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return []byte(m.payload) }
func (m *mockMessage) Ack()              {}

func newTestClient(t *testing.T, cfg config.MQTTConfig, ioState *state.IOState) (*Client, *mockPahoClient) {
	t.Helper()
	mock := &mockPahoClient{connected: true}
	orig := newPahoClient
	newPahoClient = func(opts *paho.ClientOptions) paho.Client { return mock }
	defer func() { newPahoClient = orig }()

	return NewClient(cfg, ioState, health.NewRegistry()), mock
}

func enabledConfig() config.MQTTConfig {
	cfg := config.DefaultMQTTConfig()
	cfg.Enabled = true
	return cfg
}

func TestPublishDisabledIsNoOp(t *testing.T) {
	cfg := enabledConfig()
	cfg.Enabled = false
	client, mock := newTestClient(t, cfg, state.NewIOState())

	if err := client.PublishString("edgeforce/io/di/1", 1, true, "1"); err != nil {
		t.Errorf("Expected nil error for disabled client, got %v", err)
	}
	if mock.publishCount() != 0 {
		t.Errorf("Expected 0 publishes, got %d", mock.publishCount())
	}
	if client.IsConnected() {
		t.Error("Expected disabled client to report disconnected")
	}
}

func TestPublishDroppedWhileDisconnected(t *testing.T) {
	client, mock := newTestClient(t, enabledConfig(), state.NewIOState())
	mock.mu.Lock()
	mock.connected = false
	mock.mu.Unlock()

	if err := client.PublishString("edgeforce/io/di/1", 1, true, "1"); err != nil {
		t.Errorf("Expected drop to return nil, got %v", err)
	}

	stats := client.GetStats()
	if stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped publish, got %d", stats.Dropped)
	}
	if mock.publishCount() != 0 {
		t.Errorf("Expected 0 publishes, got %d", mock.publishCount())
	}
}

func TestPublishSuccess(t *testing.T) {
	client, mock := newTestClient(t, enabledConfig(), state.NewIOState())

	if err := client.PublishDI(0, 1); err != nil {
		t.Fatalf("Expected publish to succeed, got %v", err)
	}

	if mock.publishCount() != 1 {
		t.Fatalf("Expected 1 publish, got %d", mock.publishCount())
	}
	rec := mock.published[0]
	if rec.topic != "edgeforce/io/di/1" {
		t.Errorf("Expected topic edgeforce/io/di/1, got %s", rec.topic)
	}
	if !rec.retain {
		t.Error("Expected DI state publish to be retained")
	}
	if rec.payload != "1" {
		t.Errorf("Expected payload 1, got %s", rec.payload)
	}

	stats := client.GetStats()
	if stats.Published != 1 {
		t.Errorf("Expected 1 published, got %d", stats.Published)
	}
}

func TestPublishBreakerOpensAfterFailures(t *testing.T) {
	client, mock := newTestClient(t, enabledConfig(), state.NewIOState())
	mock.mu.Lock()
	mock.publishErr = errors.New("broker rejected publish")
	mock.mu.Unlock()

	for i := 0; i < publishBreakerFailures; i++ {
		if err := client.PublishString("t", 1, false, "x"); err == nil {
			t.Fatalf("Expected publish %d to fail", i+1)
		}
	}

	// Breaker is now open: next call must fail fast with BreakerOpenError
	err := client.PublishString("t", 1, false, "x")
	if !gwerrors.IsBreakerOpen(err) {
		t.Errorf("Expected BreakerOpenError after %d failures, got %v", publishBreakerFailures, err)
	}

	stats := client.GetStats()
	if stats.Errors != uint64(publishBreakerFailures)+1 {
		t.Errorf("Expected %d errors, got %d", publishBreakerFailures+1, stats.Errors)
	}
}

func TestInboundDOCommand(t *testing.T) {
	client, _ := newTestClient(t, enabledConfig(), state.NewIOState())

	type command struct {
		channel, value int
	}
	got := make(chan command, 1)
	client.SetDOCommandHandler(func(channel, value int) error {
		got <- command{channel, value}
		return nil
	})

	client.onMessage(nil, &mockMessage{topic: "edgeforce/io/do/2/set", payload: "1"})

	select {
	case cmd := <-got:
		if cmd.channel != 1 || cmd.value != 1 {
			t.Errorf("Expected command (1, 1), got (%d, %d)", cmd.channel, cmd.value)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected DO command handler to be invoked")
	}
}

func TestInboundDOCommandRejectsBadPayload(t *testing.T) {
	client, _ := newTestClient(t, enabledConfig(), state.NewIOState())

	called := make(chan struct{}, 1)
	client.SetDOCommandHandler(func(channel, value int) error {
		called <- struct{}{}
		return nil
	})

	client.onMessage(nil, &mockMessage{topic: "edgeforce/io/do/2/set", payload: "banana"})
	client.onMessage(nil, &mockMessage{topic: "edgeforce/io/do/2/set", payload: "7"})

	select {
	case <-called:
		t.Error("Expected bad payloads to be ignored")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboundStateEcho(t *testing.T) {
	ioState := state.NewIOState()
	client, _ := newTestClient(t, enabledConfig(), ioState)

	client.onMessage(nil, &mockMessage{topic: "edgeforce/io/di/3", payload: "1"})

	value, err := ioState.GetDI(2)
	if err != nil {
		t.Fatalf("Expected GetDI to succeed, got %v", err)
	}
	if value != 1 {
		t.Errorf("Expected DI 3 echo to set channel 2 to 1, got %d", value)
	}

	client.onMessage(nil, &mockMessage{topic: "edgeforce/io/do/4", payload: "1"})
	value, _ = ioState.GetDO(3)
	if value != 1 {
		t.Errorf("Expected DO 4 echo to set channel 3 to 1, got %d", value)
	}
}
