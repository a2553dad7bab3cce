package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/state"
)

// PrometheusMetrics renders the gateway counters in the Prometheus text
// exposition format. The series are plain fields guarded by one RWMutex;
// a scrape renders whatever the last pump cycle wrote.
type PrometheusMetrics struct {
	mu sync.RWMutex

	di [state.NumChannels]int
	do [state.NumChannels]int

	modbusTotal     int
	modbusConnected int
	modbusPolling   int

	canConnected bool
	canRX        uint64
	canTX        uint64
	canErrors    uint64

	mqttConnected bool
	mqttPublished uint64
	mqttDropped   uint64
	mqttErrors    uint64

	modbusBridgeRunning   bool
	canBridgeRunning      bool
	modbusBridgePublished uint64
	canBridgePublished    uint64

	cpuPercent   float64
	memPercent   float64
	temperatureC float64

	server *http.Server
}

func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

func (pm *PrometheusMetrics) SetIO(di, do []int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := 0; i < state.NumChannels && i < len(di); i++ {
		pm.di[i] = di[i]
	}
	for i := 0; i < state.NumChannels && i < len(do); i++ {
		pm.do[i] = do[i]
	}
}

func (pm *PrometheusMetrics) SetModbus(total, connected, polling int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.modbusTotal = total
	pm.modbusConnected = connected
	pm.modbusPolling = polling
}

func (pm *PrometheusMetrics) SetCAN(connected bool, rx, tx, errors uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.canConnected = connected
	pm.canRX = rx
	pm.canTX = tx
	pm.canErrors = errors
}

func (pm *PrometheusMetrics) SetMQTT(connected bool, published, dropped, errors uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.mqttConnected = connected
	pm.mqttPublished = published
	pm.mqttDropped = dropped
	pm.mqttErrors = errors
}

func (pm *PrometheusMetrics) SetBridges(modbusRunning, canRunning bool, modbusPublished, canPublished uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.modbusBridgeRunning = modbusRunning
	pm.canBridgeRunning = canRunning
	pm.modbusBridgePublished = modbusPublished
	pm.canBridgePublished = canPublished
}

func (pm *PrometheusMetrics) SetSystem(cpuPercent, memoryPercent, temperatureC float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cpuPercent = cpuPercent
	pm.memPercent = memoryPercent
	pm.temperatureC = temperatureC
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}

// GetMetricsText renders every series with HELP/TYPE headers
func (pm *PrometheusMetrics) GetMetricsText() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var sb strings.Builder

	sb.WriteString("# HELP efio_di_state Digital input state (0 or 1)\n")
	sb.WriteString("# TYPE efio_di_state gauge\n")
	for i, v := range pm.di {
		fmt.Fprintf(&sb, "efio_di_state{channel=\"%d\"} %d\n", i, v)
	}
	sb.WriteString("# HELP efio_do_state Digital output state (0 or 1)\n")
	sb.WriteString("# TYPE efio_do_state gauge\n")
	for i, v := range pm.do {
		fmt.Fprintf(&sb, "efio_do_state{channel=\"%d\"} %d\n", i, v)
	}

	fmt.Fprintf(&sb, `# HELP efio_modbus_devices Configured Modbus RTU devices
# TYPE efio_modbus_devices gauge
efio_modbus_devices %d

# HELP efio_modbus_devices_connected Modbus devices with an open session
# TYPE efio_modbus_devices_connected gauge
efio_modbus_devices_connected %d

# HELP efio_modbus_devices_polling Modbus devices with an active poller
# TYPE efio_modbus_devices_polling gauge
efio_modbus_devices_polling %d

# HELP efio_can_connected CAN controller state (1 = connected)
# TYPE efio_can_connected gauge
efio_can_connected %d

# HELP efio_can_rx_frames_total Frames received on the CAN bus
# TYPE efio_can_rx_frames_total counter
efio_can_rx_frames_total %d

# HELP efio_can_tx_frames_total Frames sent on the CAN bus
# TYPE efio_can_tx_frames_total counter
efio_can_tx_frames_total %d

# HELP efio_can_errors_total CAN bus errors
# TYPE efio_can_errors_total counter
efio_can_errors_total %d

# HELP efio_mqtt_connected Broker session state (1 = connected)
# TYPE efio_mqtt_connected gauge
efio_mqtt_connected %d

# HELP efio_mqtt_published_total Messages published to the broker
# TYPE efio_mqtt_published_total counter
efio_mqtt_published_total %d

# HELP efio_mqtt_dropped_total Messages dropped while the broker was away
# TYPE efio_mqtt_dropped_total counter
efio_mqtt_dropped_total %d

# HELP efio_mqtt_errors_total Broker publish errors
# TYPE efio_mqtt_errors_total counter
efio_mqtt_errors_total %d

# HELP efio_bridge_modbus_running Modbus-MQTT bridge state (1 = running)
# TYPE efio_bridge_modbus_running gauge
efio_bridge_modbus_running %d

# HELP efio_bridge_modbus_published_total Values published by the Modbus-MQTT bridge
# TYPE efio_bridge_modbus_published_total counter
efio_bridge_modbus_published_total %d

# HELP efio_bridge_can_running CAN-MQTT bridge state (1 = running)
# TYPE efio_bridge_can_running gauge
efio_bridge_can_running %d

# HELP efio_bridge_can_published_total Frames published by the CAN-MQTT bridge
# TYPE efio_bridge_can_published_total counter
efio_bridge_can_published_total %d

# HELP efio_cpu_percent Host CPU usage
# TYPE efio_cpu_percent gauge
efio_cpu_percent %.1f

# HELP efio_memory_percent Host memory usage
# TYPE efio_memory_percent gauge
efio_memory_percent %.1f

# HELP efio_temperature_celsius SoC temperature
# TYPE efio_temperature_celsius gauge
efio_temperature_celsius %.1f
`,
		pm.modbusTotal,
		pm.modbusConnected,
		pm.modbusPolling,
		b2i(pm.canConnected),
		pm.canRX,
		pm.canTX,
		pm.canErrors,
		b2i(pm.mqttConnected),
		pm.mqttPublished,
		pm.mqttDropped,
		pm.mqttErrors,
		b2i(pm.modbusBridgeRunning),
		pm.modbusBridgePublished,
		b2i(pm.canBridgeRunning),
		pm.canBridgePublished,
		pm.cpuPercent,
		pm.memPercent,
		pm.temperatureC,
	)

	return sb.String()
}

// ServeHTTP implements http.Handler for the /metrics endpoint
func (pm *PrometheusMetrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, pm.GetMetricsText())
}

// StartServer exposes /metrics on the given port with hardened timeouts
// (gosec G114). Blocks until the listener dies or Stop is called.
func (pm *PrometheusMetrics) StartServer(port int) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", pm)

	pm.mu.Lock()
	pm.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server := pm.server
	pm.mu.Unlock()

	logger.LogInfo("📊 Metrics exporter listening on :%d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the exporter listener down
func (pm *PrometheusMetrics) Stop() {
	pm.mu.RLock()
	server := pm.server
	pm.mu.RUnlock()
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.LogWarn("⚠️  Metrics exporter shutdown: %v", err)
	}
}
