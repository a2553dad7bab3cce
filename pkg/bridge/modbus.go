// Package bridge forwards field-bus traffic to MQTT: a polling bridge
// for Modbus registers and a reactive bridge for CAN frames. Both keep
// running when the broker or the bus drops out and pick up again on
// recovery.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/mqtt"
)

const modbusStopTimeout = 5 * time.Second

// RegisterReader is the slice of the Modbus manager the bridge needs
type RegisterReader interface {
	ReadRegister(ctx context.Context, deviceID string, register uint16, functionCode int) (uint16, error)
	IsDeviceConnected(deviceID string) bool
}

// ModbusStatistics are the lifetime counters of one bridge run
type ModbusStatistics struct {
	Cycles      uint64  `json:"cycles"`
	Published   uint64  `json:"messages_published"`
	Dropped     uint64  `json:"messages_dropped"`
	Errors      uint64  `json:"errors"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	PublishRate float64 `json:"publish_rate"`
}

// ModbusStatus is the runtime view served by the status endpoint
type ModbusStatus struct {
	Running         bool             `json:"running"`
	MQTTConnected   bool             `json:"mqtt_connected"`
	MappingsCount   int              `json:"mappings_count"`
	EnabledMappings int              `json:"enabled_mappings"`
	PollInterval    float64          `json:"poll_interval"`
	Statistics      ModbusStatistics `json:"statistics"`
}

// registerPayload is what lands on the mapping's topic
type registerPayload struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModbusBridge polls mapped registers on one shared cadence and
// publishes scaled values as retained JSON. Device errors never stop
// the cycle: a mapping whose device is unreachable is skipped until the
// device comes back.
type ModbusBridge struct {
	mu        sync.Mutex
	cfg       config.ModbusBridgeConfig
	reader    RegisterReader
	publisher mqtt.Publisher

	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	cycles    uint64
	published uint64
	dropped   uint64
	errors    uint64
}

func NewModbusBridge(cfg config.ModbusBridgeConfig, reader RegisterReader, publisher mqtt.Publisher) *ModbusBridge {
	return &ModbusBridge{cfg: cfg, reader: reader, publisher: publisher}
}

// Configure replaces the mapping set and poll interval. A running
// bridge picks the new mappings up on the next cycle; the interval
// takes effect on restart.
func (b *ModbusBridge) Configure(cfg config.ModbusBridgeConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *ModbusBridge) Config() config.ModbusBridgeConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Start launches the poller. It refuses when MQTT is disabled or when
// no mapping is enabled — an empty bridge would only spin.
func (b *ModbusBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return gwerrors.NewConflictError("modbus bridge", "already running")
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

	interval := b.cfg.PollInterval
	if interval == 0 {
		interval = 1.0
	}
	if interval < config.MinBridgePollInterval {
		interval = config.MinBridgePollInterval
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.startedAt = time.Now()
	b.cycles, b.published, b.dropped, b.errors = 0, 0, 0, 0

	b.wg.Add(1)
	go b.pollLoop(runCtx, time.Duration(interval*float64(time.Second)))

	logger.LogInfo("✅ Modbus-MQTT bridge started (%d mapping(s), every %.1fs)", enabled, interval)
	return nil
}

// Stop joins the poller. Safe to call on a stopped bridge.
func (b *ModbusBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(modbusStopTimeout):
		logger.LogWarn("⚠️  Modbus-MQTT bridge poller did not stop within %v", modbusStopTimeout)
	}
	logger.LogInfo("🛑 Modbus-MQTT bridge stopped")
}

func (b *ModbusBridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *ModbusBridge) pollLoop(ctx context.Context, interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollCycle(ctx)
		}
	}
}

// pollCycle walks the mappings in order. Errors are counted and logged
// but never abort the remaining mappings; chatter from devices that are
// simply unreachable stays out of the log.
func (b *ModbusBridge) pollCycle(ctx context.Context) {
	b.mu.Lock()
	mappings := make([]config.ModbusBridgeMapping, len(b.cfg.Mappings))
	copy(mappings, b.cfg.Mappings)
	b.cycles++
	b.mu.Unlock()

	for _, m := range mappings {
		if ctx.Err() != nil {
			return
		}
		if !m.Enabled {
			continue
		}
		if !b.reader.IsDeviceConnected(m.DeviceID) {
			continue
		}

		raw, err := b.reader.ReadRegister(ctx, m.DeviceID, m.Register, m.FunctionCode)
		if err != nil {
			b.countError()
			if quietReadError(err) {
				logger.LogDebug("bridge read %s reg %d: %v", m.DeviceID, m.Register, err)
			} else {
				logger.LogWarn("⚠️  Bridge read failed for '%s' (reg %d): %v", m.Name, m.Register, err)
			}
			continue
		}

		payload, err := json.Marshal(registerPayload{
			Value:     m.Scaling.Apply(float64(raw)),
			Unit:      m.Unit,
			Timestamp: time.Now(),
		})
		if err != nil {
			b.countError()
			continue
		}

		if !b.publisher.IsConnected() {
			b.countDropped()
			continue
		}
		if err := b.publisher.Publish(m.Topic, b.publisher.DefaultQoS(), true, payload); err != nil {
			b.countError()
			logger.LogDebug("bridge publish %s: %v", m.Topic, err)
			continue
		}
		b.countPublished()
	}
}

// quietReadError filters the failure modes of a device that is merely
// absent: breaker refusals, timeouts, sessions torn down mid-cycle
func quietReadError(err error) bool {
	if gwerrors.IsBreakerOpen(err) || gwerrors.IsConflict(err) || gwerrors.IsNotFound(err) {
		return true
	}
	if te, ok := gwerrors.AsTransport(err); ok {
		return te.Kind == gwerrors.TransportNoResponse
	}
	return false
}

func (b *ModbusBridge) countError() {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
}

func (b *ModbusBridge) countDropped() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
}

func (b *ModbusBridge) countPublished() {
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
}

func (b *ModbusBridge) Status() ModbusStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	enabled := 0
	for _, m := range b.cfg.Mappings {
		if m.Enabled {
			enabled++
		}
	}

	stats := ModbusStatistics{
		Cycles:    b.cycles,
		Published: b.published,
		Dropped:   b.dropped,
		Errors:    b.errors,
	}
	if b.running {
		stats.UptimeSecs = time.Since(b.startedAt).Seconds()
		stats.PublishRate = publishRate(b.published, stats.UptimeSecs)
	}

	interval := b.cfg.PollInterval
	if interval == 0 {
		interval = 1.0
	}

	return ModbusStatus{
		Running:         b.running,
		MQTTConnected:   b.publisher.IsConnected(),
		MappingsCount:   len(b.cfg.Mappings),
		EnabledMappings: enabled,
		PollInterval:    interval,
		Statistics:      stats,
	}
}
