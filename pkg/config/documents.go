package config

import (
	"fmt"
	"math"
	"time"
)

// Store document file names. Every dynamic configuration surface is one
// JSON document under the config directory.
const (
	FileUsers         = "users.json"
	FileNetwork       = "network_config.json"
	FileIO            = "io_config.json"
	FileAlarm         = "alarm_config.json"
	FileModbusDevices = "modbus_devices.json"
	FileMQTT          = "mqtt_config.json"
	FileModbusBridge  = "modbus_mqtt_bridge.json"
	FileCAN           = "can_config.json"
	FileCANBridge     = "can_mqtt_bridge.json"
)

// KnownFiles lists every document the store manages, in backup order.
var KnownFiles = []string{
	FileUsers,
	FileNetwork,
	FileIO,
	FileAlarm,
	FileModbusDevices,
	FileMQTT,
	FileModbusBridge,
	FileCAN,
	FileCANBridge,
}

// KnownPorts maps the RS-485 port tokens exposed to users onto their labels.
// The device node is always /dev/<token>.
var KnownPorts = map[string]string{
	"ttyS2": "Primary RS-485",
	"ttyS7": "Expansion RS-485",
}

// PortDevice resolves a port token to its device node path
func PortDevice(token string) string {
	return "/dev/" + token
}

// Scaling transforms a raw register value into an engineering value:
// round(value*multiplier + offset, decimals)
type Scaling struct {
	Multiplier float64 `json:"multiplier"`
	Offset     float64 `json:"offset"`
	Decimals   int     `json:"decimals"`
}

// Apply runs the scaling transform on a raw value. A nil receiver is
// the identity transform.
func (s *Scaling) Apply(raw float64) float64 {
	if s == nil {
		return raw
	}
	shift := math.Pow(10, float64(s.Decimals))
	return math.Round((raw*s.Multiplier+s.Offset)*shift) / shift
}

// ModbusRegister is one configured register on a Modbus device
type ModbusRegister struct {
	Address      uint16   `json:"address"`
	FunctionCode int      `json:"function_code"` // 1,2,3,4 read; 5,6 write
	Name         string   `json:"name"`
	Unit         string   `json:"unit,omitempty"`
	Scaling      *Scaling `json:"scaling,omitempty"`
	Poll         bool     `json:"poll"`
}

// PollingConfig controls the per-device register poller
type PollingConfig struct {
	Enabled  bool `json:"enabled"`
	Interval int  `json:"interval"` // milliseconds, floor 500
}

// BreakerConfig overrides the per-device circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	Timeout          int `json:"timeout"` // seconds
}

// ModbusDevice is the persisted description of one RTU slave
type ModbusDevice struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Port        string           `json:"port"` // token, e.g. ttyS2
	SlaveID     uint8            `json:"slave_id"`
	Baudrate    int              `json:"baudrate"`
	Parity      string           `json:"parity"`    // N, E, O
	StopBits    int              `json:"stop_bits"` // 1 or 2
	Registers   []ModbusRegister `json:"registers"`
	Polling     PollingConfig    `json:"polling"`
	Breaker     *BreakerConfig   `json:"circuit_breaker,omitempty"`
}

// CANController describes the physical CAN attachment
type CANController struct {
	Transport string `json:"transport"`           // mcp2515 (default) or socketcan
	Interface string `json:"interface,omitempty"` // socketcan network device, e.g. can0
	SPIBus    int    `json:"spi_bus"`
	SPIDevice int    `json:"spi_device"`
	SPISpeed  int    `json:"spi_speed"` // Hz
	Bitrate   int    `json:"bitrate"`
	Crystal   int    `json:"crystal"` // Hz: 8, 16 or 20 MHz
	Mode      string `json:"mode"`    // normal, loopback, listen-only
}

// CANDevice is a logical endpoint identified by its CAN ID
type CANDevice struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	CANID            uint32 `json:"can_id"`
	Extended         bool   `json:"extended"`
	Enabled          bool   `json:"enabled"`
	TimeoutThreshold int    `json:"timeout_threshold"` // seconds, 5..300
}

// CANFilter is one acceptance filter entry programmed into the controller
type CANFilter struct {
	ID       uint32 `json:"id"`
	Mask     uint32 `json:"mask"`
	Extended bool   `json:"extended"`
}

// CANConfig is the persisted CAN subsystem configuration
type CANConfig struct {
	Controller  CANController `json:"controller"`
	Devices     []CANDevice   `json:"devices"`
	Filters     []CANFilter   `json:"filters"`
	AutoConnect bool          `json:"auto_connect"`
}

// MQTTConfig is the persisted broker configuration
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	Broker    string `json:"broker"`
	Port      int    `json:"port"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ClientID  string `json:"client_id"`
	UseTLS    bool   `json:"use_tls"`
	Keepalive int    `json:"keepalive"` // seconds
	QoS       byte   `json:"qos"`
}

// BrokerURL builds the paho broker URL from host, port and TLS flag
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Broker, m.Port)
}

// ModbusBridgeMapping binds one register to one MQTT topic
type ModbusBridgeMapping struct {
	ID           string   `json:"id"`
	DeviceID     string   `json:"device_id"`
	Register     uint16   `json:"register"`
	FunctionCode int      `json:"function_code"` // 3 or 4
	Topic        string   `json:"topic"`
	Name         string   `json:"name"`
	Unit         string   `json:"unit,omitempty"`
	Enabled      bool     `json:"enabled"`
	Scaling      *Scaling `json:"scaling,omitempty"`
}

// ModbusBridgeConfig is the persisted Modbus→MQTT bridge configuration
type ModbusBridgeConfig struct {
	Enabled      bool                  `json:"enabled"`
	PollInterval float64               `json:"poll_interval"` // seconds, floor 0.5
	Mappings     []ModbusBridgeMapping `json:"mappings"`
}

// CAN bridge payload formats
const (
	FormatJSON      = "json"
	FormatRawHex    = "raw_hex"
	FormatDataArray = "data_array"
)

// CANBridgeMapping binds one CAN ID to one MQTT topic
type CANBridgeMapping struct {
	ID              string `json:"id"`
	CANID           uint32 `json:"can_id"`
	Topic           string `json:"topic"`
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	PublishOnChange bool   `json:"publish_on_change"`
	MinIntervalMs   int    `json:"min_interval_ms"`
	QoS             byte   `json:"qos"`
	Format          string `json:"format"` // json, raw_hex or data_array
}

// CANBridgeConfig is the persisted CAN→MQTT bridge configuration
type CANBridgeConfig struct {
	Enabled  bool               `json:"enabled"`
	Mappings []CANBridgeMapping `json:"mappings"`
}

// IOChannel is one configured digital channel
type IOChannel struct {
	Channel  int    `json:"channel"` // 0-based
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Inverted bool   `json:"inverted"`
}

// IOConfig names the four DI and four DO channels
type IOConfig struct {
	Inputs  []IOChannel `json:"inputs"`
	Outputs []IOChannel `json:"outputs"`
}

// DefaultMQTTConfig returns the out-of-the-box broker configuration
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:   true,
		Broker:    "localhost",
		Port:      1883,
		ClientID:  "efio-daemon",
		UseTLS:    false,
		Keepalive: 60,
		QoS:       1,
	}
}

// DefaultCANConfig returns the out-of-the-box CAN configuration
func DefaultCANConfig() CANConfig {
	return CANConfig{
		Controller: CANController{
			Transport: "mcp2515",
			SPIBus:    2,
			SPIDevice: 0,
			SPISpeed:  1000000,
			Bitrate:   125000,
			Crystal:   8000000,
			Mode:      "normal",
		},
		Devices:     []CANDevice{},
		Filters:     []CANFilter{},
		AutoConnect: false,
	}
}

// DefaultModbusBridgeConfig returns an empty, disabled bridge configuration
func DefaultModbusBridgeConfig() ModbusBridgeConfig {
	return ModbusBridgeConfig{
		Enabled:      false,
		PollInterval: 1.0,
		Mappings:     []ModbusBridgeMapping{},
	}
}

// DefaultCANBridgeConfig returns an empty, disabled bridge configuration
func DefaultCANBridgeConfig() CANBridgeConfig {
	return CANBridgeConfig{
		Enabled:  false,
		Mappings: []CANBridgeMapping{},
	}
}

// DefaultIOConfig returns four named inputs and four named outputs
func DefaultIOConfig() IOConfig {
	cfg := IOConfig{
		Inputs:  make([]IOChannel, 4),
		Outputs: make([]IOChannel, 4),
	}
	for i := 0; i < 4; i++ {
		cfg.Inputs[i] = IOChannel{Channel: i, Name: fmt.Sprintf("DI %d", i+1), Enabled: true}
		cfg.Outputs[i] = IOChannel{Channel: i, Name: fmt.Sprintf("DO %d", i+1), Enabled: true}
	}
	return cfg
}

// NewModbusDeviceID generates a device ID in the dev_{unixtime}_{slave} form
func NewModbusDeviceID(slaveID uint8) string {
	return fmt.Sprintf("dev_%d_%d", time.Now().Unix(), slaveID)
}

// NewCANDeviceID generates a device ID in the can_{unixtime}_{can_id} form
func NewCANDeviceID(canID uint32) string {
	return fmt.Sprintf("can_%d_%d", time.Now().Unix(), canID)
}

// NewModbusMappingID generates a mapping ID in the map_{unixtime}_{register} form
func NewModbusMappingID(register uint16) string {
	return fmt.Sprintf("map_%d_%d", time.Now().Unix(), register)
}

// NewCANMappingID generates a mapping ID in the map_{unixtime}_{can_id hex} form
func NewCANMappingID(canID uint32) string {
	return fmt.Sprintf("map_%d_%x", time.Now().Unix(), canID)
}
