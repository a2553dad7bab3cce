package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/mqtt"
)

const (
	canSubscriberName = "mqtt-bridge"
	canStopTimeout    = 2 * time.Second
)

// FrameSource is the slice of the CAN manager the bridge needs
type FrameSource interface {
	Subscribe(name string) (<-chan can.Message, error)
	Unsubscribe(name string)
	IsConnected() bool
	Devices() []can.DeviceStatus
}

// CANStatistics are the global counters of one bridge run
type CANStatistics struct {
	Received    uint64  `json:"messages_received"`
	Published   uint64  `json:"messages_published"`
	Dropped     uint64  `json:"messages_dropped"`
	Errors      uint64  `json:"errors"`
	PublishRate float64 `json:"publish_rate"`
}

// MappingDetail is the per-mapping slice of the status payload
type MappingDetail struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CANID       string    `json:"can_id"`
	Topic       string    `json:"topic"`
	Received    uint64    `json:"messages_received"`
	Published   uint64    `json:"messages_published"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
	LastPublish time.Time `json:"last_publish,omitempty"`
}

// CANStatus is the runtime view served by the status endpoint
type CANStatus struct {
	Running         bool            `json:"running"`
	CANConnected    bool            `json:"can_connected"`
	MQTTConnected   bool            `json:"mqtt_connected"`
	MappingsCount   int             `json:"mappings_count"`
	EnabledMappings int             `json:"enabled_mappings"`
	UptimeSecs      float64         `json:"uptime_seconds"`
	Statistics      CANStatistics   `json:"statistics"`
	MappingDetails  []MappingDetail `json:"mapping_details"`
}

type mappingState struct {
	received    uint64
	published   uint64
	lastSeen    time.Time
	lastValue   string // data hex of the last publish
	hasValue    bool   // false until the first publish; a dlc=0 frame also hexes to ""
	lastPublish time.Time
}

// CANBridge mirrors inbound frames onto MQTT topics keyed by CAN ID.
// Change detection and per-mapping rate limiting keep chatty IDs from
// flooding the broker; everything suppressed is counted as dropped.
type CANBridge struct {
	mu        sync.Mutex
	cfg       config.CANBridgeConfig
	source    FrameSource
	publisher mqtt.Publisher

	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	perMapping map[string]*mappingState
	received   uint64
	published  uint64
	dropped    uint64
	errors     uint64
}

func NewCANBridge(cfg config.CANBridgeConfig, source FrameSource, publisher mqtt.Publisher) *CANBridge {
	return &CANBridge{
		cfg:        cfg,
		source:     source,
		publisher:  publisher,
		perMapping: make(map[string]*mappingState),
	}
}

// Configure replaces the mapping set; a running bridge applies it to
// the next frame
func (b *CANBridge) Configure(cfg config.CANBridgeConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *CANBridge) Config() config.CANBridgeConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Start subscribes to the CAN fan-out. MQTT must be enabled and at
// least one mapping active; a missing CAN device only warns, since
// frames may start arriving once the controller connects.
func (b *CANBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return gwerrors.NewConflictError("can bridge", "already running")
	}
	if !b.publisher.Enabled() {
		return gwerrors.NewValidationError("mqtt", "enabled broker configuration", "disabled")
	}
	enabled := 0
	for _, m := range b.cfg.Mappings {
		if m.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return gwerrors.NewValidationError("mappings", "at least one enabled mapping", 0)
	}

	if !b.source.IsConnected() && len(b.source.Devices()) == 0 {
		logger.LogWarn("⚠️  CAN-MQTT bridge: no CAN devices detected, frames may arrive after connect")
	}

	ch, err := b.source.Subscribe(canSubscriberName)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.startedAt = time.Now()
	b.received, b.published, b.dropped, b.errors = 0, 0, 0, 0
	b.perMapping = make(map[string]*mappingState)

	b.wg.Add(1)
	go b.consumeLoop(runCtx, ch)

	logger.LogInfo("✅ CAN-MQTT bridge started (%d mapping(s))", enabled)
	return nil
}

// Stop unsubscribes from the CAN manager and joins the consumer
func (b *CANBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	// Unsubscribing closes the channel, which ends the consumer
	b.source.Unsubscribe(canSubscriberName)
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(canStopTimeout):
		logger.LogWarn("⚠️  CAN-MQTT bridge consumer did not stop within %v", canStopTimeout)
	}
	logger.LogInfo("🛑 CAN-MQTT bridge stopped")
}

func (b *CANBridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *CANBridge) consumeLoop(ctx context.Context, ch <-chan can.Message) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

// handleMessage fans one RX frame out to every enabled mapping with a
// matching CAN ID
func (b *CANBridge) handleMessage(msg can.Message) {
	if msg.Direction != can.DirectionRX {
		return
	}

	b.mu.Lock()
	b.received++
	mappings := make([]config.CANBridgeMapping, 0, len(b.cfg.Mappings))
	for _, m := range b.cfg.Mappings {
		if m.Enabled && m.CANID == msg.Frame.ID {
			mappings = append(mappings, m)
		}
	}
	b.mu.Unlock()

	for _, m := range mappings {
		b.processMapping(m, msg)
	}
}

func (b *CANBridge) processMapping(m config.CANBridgeMapping, msg can.Message) {
	dataHex := msg.Frame.DataHex()

	b.mu.Lock()
	ms := b.perMapping[m.ID]
	if ms == nil {
		ms = &mappingState{}
		b.perMapping[m.ID] = ms
	}
	ms.received++
	ms.lastSeen = msg.Timestamp

	// Unchanged payloads are suppressed before the rate limiter, so a
	// repeating frame never slips through on an expired interval alone
	if m.PublishOnChange && ms.hasValue && ms.lastValue == dataHex {
		b.dropped++
		b.mu.Unlock()
		return
	}
	if m.MinIntervalMs > 0 {
		if time.Since(ms.lastPublish) < time.Duration(m.MinIntervalMs)*time.Millisecond {
			b.dropped++
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	payload, err := b.formatPayload(m, msg, dataHex)
	if err != nil {
		b.mu.Lock()
		b.errors++
		b.mu.Unlock()
		logger.LogWarn("⚠️  CAN bridge payload for '%s': %v", m.Name, err)
		return
	}

	if !b.publisher.IsConnected() {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return
	}

	if err := b.publisher.Publish(m.Topic, m.QoS, false, payload); err != nil {
		b.mu.Lock()
		b.errors++
		b.mu.Unlock()
		logger.LogDebug("can bridge publish %s: %v", m.Topic, err)
		return
	}

	b.mu.Lock()
	b.published++
	ms.published++
	ms.lastValue = dataHex
	ms.hasValue = true
	ms.lastPublish = time.Now()
	b.mu.Unlock()
}

// jsonFramePayload is the full structured shape of format "json"
type jsonFramePayload struct {
	CANID         string    `json:"can_id"`
	CANIDDecimal  uint32    `json:"can_id_decimal"`
	DLC           uint8     `json:"dlc"`
	DataHex       []string  `json:"data_hex"`
	DataDecimal   []int     `json:"data_decimal"`
	Extended      bool      `json:"extended"`
	Timestamp     time.Time `json:"timestamp"`
	TimestampUnix int64     `json:"timestamp_unix"`
	DeviceName    string    `json:"device_name"`
}

func (b *CANBridge) formatPayload(m config.CANBridgeMapping, msg can.Message, dataHex string) ([]byte, error) {
	switch m.Format {
	case config.FormatRawHex:
		return []byte(dataHex), nil

	case config.FormatDataArray:
		data := make([]int, len(msg.Frame.Data))
		for i, v := range msg.Frame.Data {
			data[i] = int(v)
		}
		return json.Marshal(data)

	default: // config.FormatJSON and anything unconfigured
		hex := make([]string, len(msg.Frame.Data))
		dec := make([]int, len(msg.Frame.Data))
		for i, v := range msg.Frame.Data {
			hex[i] = fmt.Sprintf("0x%02X", v)
			dec[i] = int(v)
		}
		name := m.Name
		if name == "" {
			name = msg.Device
		}
		return json.Marshal(jsonFramePayload{
			CANID:         msg.Frame.IDString(),
			CANIDDecimal:  msg.Frame.ID,
			DLC:           msg.Frame.DLC,
			DataHex:       hex,
			DataDecimal:   dec,
			Extended:      msg.Frame.Extended,
			Timestamp:     msg.Timestamp,
			TimestampUnix: msg.Timestamp.Unix(),
			DeviceName:    name,
		})
	}
}

func (b *CANBridge) Status() CANStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	enabled := 0
	details := make([]MappingDetail, 0, len(b.cfg.Mappings))
	for _, m := range b.cfg.Mappings {
		if !m.Enabled {
			continue
		}
		enabled++
		d := MappingDetail{
			ID:    m.ID,
			Name:  m.Name,
			CANID: fmt.Sprintf("0x%03X", m.CANID),
			Topic: m.Topic,
		}
		if ms := b.perMapping[m.ID]; ms != nil {
			d.Received = ms.received
			d.Published = ms.published
			d.LastSeen = ms.lastSeen
			d.LastPublish = ms.lastPublish
		}
		details = append(details, d)
	}

	var uptime float64
	if b.running {
		uptime = time.Since(b.startedAt).Seconds()
	}

	return CANStatus{
		Running:         b.running,
		CANConnected:    b.source.IsConnected(),
		MQTTConnected:   b.publisher.IsConnected(),
		MappingsCount:   len(b.cfg.Mappings),
		EnabledMappings: enabled,
		UptimeSecs:      uptime,
		Statistics: CANStatistics{
			Received:    b.received,
			Published:   b.published,
			Dropped:     b.dropped,
			Errors:      b.errors,
			PublishRate: publishRate(b.published, uptime),
		},
		MappingDetails: details,
	}
}

// ResetStatistics zeroes the counters; a running bridge restarts its
// uptime clock
func (b *CANBridge) ResetStatistics() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received, b.published, b.dropped, b.errors = 0, 0, 0, 0
	b.perMapping = make(map[string]*mappingState)
	if b.running {
		b.startedAt = time.Now()
	}
	logger.LogInfo("🔄 CAN-MQTT bridge statistics reset")
}

// publishRate is messages per second over the current run
func publishRate(published uint64, uptimeSecs float64) float64 {
	if uptimeSecs <= 0 {
		return 0
	}
	return math.Round(float64(published)/uptimeSecs*100) / 100
}
