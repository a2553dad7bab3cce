package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/recovery"
	"efio-gateway/pkg/state"
	"efio-gateway/pkg/topics"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Breaker defaults for the shared publish path
const (
	publishBreakerFailures = 5
	publishBreakerTimeout  = 60 * time.Second
	publishWaitTimeout     = 2 * time.Second
	connectTimeout         = 10 * time.Second
)

// newPahoClient is a factory hook so tests can substitute a mock client
var newPahoClient = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

// DOCommandFunc handles an inbound edgeforce/io/do/{n}/set command
type DOCommandFunc func(channel, value int) error

// Client is the single shared MQTT connection of the process. All
// component publishes flow through it: bridges, GPIO feedback, system
// telemetry. When the broker is unreachable, publishes are dropped
// (best-effort semantics, no local queue) and counted.
type Client struct {
	cfg     config.MQTTConfig
	client  paho.Client
	breaker *recovery.CircuitBreaker
	ioState *state.IOState
	health  *health.Registry

	mu           sync.Mutex
	started      bool
	closed       bool
	reconnecting bool
	stopCh       chan struct{}

	doCommand DOCommandFunc

	statsMu   sync.Mutex
	published uint64
	dropped   uint64
	pubErrors uint64
}

// NewClient constructs the shared client. Connect must be called before
// publishes reach the broker; until then they are dropped and counted.
func NewClient(cfg config.MQTTConfig, ioState *state.IOState, registry *health.Registry) *Client {
	c := &Client{
		cfg:     cfg,
		ioState: ioState,
		health:  registry,
		stopCh:  make(chan struct{}),
		breaker: recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig{
			Name:        "mqtt",
			MaxFailures: publishBreakerFailures,
			Timeout:     publishBreakerTimeout,
		}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	// Reconnection is owned by our background task, not paho
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := cfg.Keepalive
	if keepAlive == 0 {
		keepAlive = 60
	}
	opts.SetKeepAlive(time.Duration(keepAlive) * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = newPahoClient(opts)
	return c
}

// SetDOCommandHandler wires the handler invoked for inbound DO commands.
// Must be called before Connect.
func (c *Client) SetDOCommandHandler(fn DOCommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doCommand = fn
}

// Enabled reports whether the broker connection is configured at all
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// DefaultQoS is the configured broker QoS, used by publishers that
// carry no per-message override
func (c *Client) DefaultQoS() byte {
	return c.cfg.QoS
}

// IsConnected reports the live connection state
func (c *Client) IsConnected() bool {
	if !c.cfg.Enabled {
		return false
	}
	return c.client.IsConnected()
}

// Connect establishes the broker connection, retrying until ctx is
// cancelled. With enabled=false it returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	if !c.cfg.Enabled {
		logger.LogInfo("ℹ️  MQTT disabled, publishes will be no-ops")
		return nil
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	attempt := 1
	delay := 1 * time.Second

	for {
		logger.LogDebug("🔄 Connecting to MQTT broker %s (attempt %d)...", c.cfg.BrokerURL(), attempt)

		if err := c.connectOnce(ctx); err == nil {
			logger.LogInfo("✅ Connected to MQTT broker after %d attempts", attempt)
			return nil
		} else if ctx.Err() != nil {
			return fmt.Errorf("MQTT connection cancelled: %w", ctx.Err())
		} else {
			logger.LogError("❌ MQTT connection failed (attempt %d): %v", attempt, err)
		}

		logger.LogInfo("⏳ Retrying in %.0f seconds...", delay.Seconds())
		select {
		case <-ctx.Done():
			return fmt.Errorf("MQTT connection cancelled: %w", ctx.Err())
		case <-c.stopCh:
			return fmt.Errorf("MQTT client stopped during connect")
		case <-time.After(delay):
		}

		attempt++
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return gwerrors.NewTimeoutError("mqtt connect", connectTimeout.String())
	}
	if err := token.Error(); err != nil {
		return gwerrors.NewTransportError("mqtt connect", err, gwerrors.TransportMQTTError, c.cfg.BrokerURL())
	}

	// The token can resolve slightly before the client reports connected
	for i := 0; i < 50; i++ {
		if c.client.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return gwerrors.NewTimeoutError("mqtt connection establishment", "5s")
}

// onConnect publishes the retained I/O snapshot and installs the wildcard
// subscription. Runs on every (re)connect.
func (c *Client) onConnect(client paho.Client) {
	logger.LogInfo("✅ MQTT session established with %s", c.cfg.BrokerURL())

	if c.health != nil {
		c.health.Update("mqtt", health.StatusHealthy, map[string]interface{}{
			"message": "connected",
			"broker":  c.cfg.BrokerURL(),
		})
	}

	if token := client.Subscribe(topics.Wildcard, 1, c.onMessage); token.WaitTimeout(publishWaitTimeout) && token.Error() != nil {
		logger.LogError("❌ Failed to subscribe to %s: %v", topics.Wildcard, token.Error())
	}

	c.publishIOSnapshot()
}

func (c *Client) onConnectionLost(client paho.Client, err error) {
	logger.LogError("❌ MQTT connection lost: %v", err)

	if c.health != nil {
		c.health.Update("mqtt", health.StatusDegraded, map[string]interface{}{
			"message": "connection lost",
			"error":   err.Error(),
		})
	}

	go c.reconnectLoop()
}

// reconnectLoop re-establishes the session with exponential backoff.
// Only one instance runs at a time.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := 1 * time.Second
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		logger.LogInfo("🔄 MQTT reconnect attempt %d...", attempt)
		if err := c.connectOnce(context.Background()); err == nil {
			logger.LogInfo("✅ MQTT reconnected after %d attempts", attempt)
			return
		} else {
			logger.LogWarn("⚠️  MQTT reconnect attempt %d failed: %v", attempt, err)
		}

		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

// onMessage dispatches every frame from the wildcard subscription.
// DO commands invoke the configured handler; DI/DO state echoes are
// folded back into IOState (loopback introspection).
func (c *Client) onMessage(client paho.Client, msg paho.Message) {
	topic := msg.Topic()
	payload := string(msg.Payload())

	if ch, ok := topics.ParseDigitalOutputSet(topic); ok {
		value, err := strconv.Atoi(payload)
		if err != nil || (value != 0 && value != 1) {
			logger.LogWarn("⚠️  Ignoring DO command with bad payload %q on %s", payload, topic)
			return
		}

		c.mu.Lock()
		handler := c.doCommand
		c.mu.Unlock()

		if handler == nil {
			return
		}
		logger.LogDebug("📨 DO command: channel %d ← %d", ch+1, value)
		go func() {
			if err := handler(ch, value); err != nil {
				logger.LogError("❌ DO command failed for channel %d: %v", ch+1, err)
			}
		}()
		return
	}

	if c.ioState == nil {
		return
	}

	if ch, ok := topics.ParseDigitalInput(topic); ok {
		if value, err := strconv.Atoi(payload); err == nil && (value == 0 || value == 1) {
			if err := c.ioState.SetDI(ch, value); err != nil {
				logger.LogDebug("🔍 DI echo rejected: %v", err)
			}
		}
		return
	}

	if ch, ok := topics.ParseDigitalOutput(topic); ok {
		if value, err := strconv.Atoi(payload); err == nil && (value == 0 || value == 1) {
			if err := c.ioState.SetDO(ch, value); err != nil {
				logger.LogDebug("🔍 DO echo rejected: %v", err)
			}
		}
		return
	}
}

// publishIOSnapshot publishes the retained DI/DO state, called on connect
func (c *Client) publishIOSnapshot() {
	if c.ioState == nil {
		return
	}

	snap := c.ioState.Snapshot()
	for ch := 0; ch < state.NumChannels; ch++ {
		if err := c.PublishDI(ch, snap.DI[ch]); err != nil {
			logger.LogWarn("⚠️  Initial DI %d publish failed: %v", ch+1, err)
		}
		if err := c.PublishDO(ch, snap.DO[ch]); err != nil {
			logger.LogWarn("⚠️  Initial DO %d publish failed: %v", ch+1, err)
		}
	}
	logger.LogDebug("📤 Published retained I/O snapshot")
}

// Publish sends one message through the shared breaker. Disabled clients
// no-op; disconnected clients drop and count.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if !c.cfg.Enabled {
		return nil
	}

	if !c.client.IsConnected() {
		c.statsMu.Lock()
		c.dropped++
		c.statsMu.Unlock()
		return nil
	}

	err := c.breaker.Call(func() error {
		token := c.client.Publish(topic, qos, retain, payload)
		if !token.WaitTimeout(publishWaitTimeout) {
			return gwerrors.NewTimeoutError("mqtt publish "+topic, publishWaitTimeout.String())
		}
		if err := token.Error(); err != nil {
			return gwerrors.NewTransportError("mqtt publish "+topic, err, gwerrors.TransportMQTTError, c.cfg.BrokerURL())
		}
		return nil
	})

	c.statsMu.Lock()
	if err != nil {
		c.pubErrors++
	} else {
		c.published++
	}
	c.statsMu.Unlock()

	return err
}

// PublishString is a convenience wrapper for text payloads
func (c *Client) PublishString(topic string, qos byte, retain bool, payload string) error {
	return c.Publish(topic, qos, retain, []byte(payload))
}

// PublishDI publishes a retained DI state value
func (c *Client) PublishDI(channel, value int) error {
	return c.PublishString(topics.DigitalInput(channel), c.cfg.QoS, true, strconv.Itoa(value))
}

// PublishDO publishes a retained DO state value
func (c *Client) PublishDO(channel, value int) error {
	return c.PublishString(topics.DigitalOutput(channel), c.cfg.QoS, true, strconv.Itoa(value))
}

// PublishSystem publishes a retained system telemetry value
func (c *Client) PublishSystem(metric string, value string) error {
	return c.PublishString(topics.System(metric), c.cfg.QoS, true, value)
}

// Breaker exposes the shared publish breaker for health reporting
func (c *Client) Breaker() *recovery.CircuitBreaker {
	return c.breaker
}

// Stats is a point-in-time snapshot of publish accounting
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// GetStats returns publish accounting counters
func (c *Client) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Connected: c.IsConnected(),
		Published: c.published,
		Dropped:   c.dropped,
		Errors:    c.pubErrors,
	}
}

// Disconnect stops reconnection and closes the session
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	logger.LogInfo("ℹ️  MQTT client disconnected")
}
