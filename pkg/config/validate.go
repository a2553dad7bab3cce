package config

import (
	gwerrors "efio-gateway/pkg/errors"
)

// validBaudrates are the RS-485 rates the expansion ports support
var validBaudrates = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// ValidBaudrate reports whether rate is a supported RS-485 speed
func ValidBaudrate(rate int) bool {
	return validBaudrates[rate]
}

// CAN identifier ranges per CAN 2.0A/B
const (
	MaxStandardID = 0x7FF      // 11-bit
	MaxExtendedID = 0x1FFFFFFF // 29-bit
)

// Device timeout threshold bounds in seconds
const (
	MinTimeoutThreshold = 5
	MaxTimeoutThreshold = 300
)

// MinPollingIntervalMs is the floor for per-device register polling
const MinPollingIntervalMs = 500

// MinBridgePollInterval is the floor for the Modbus bridge poller in seconds
const MinBridgePollInterval = 0.5

// ValidateModbusDevice checks a device document against the schema rules
func ValidateModbusDevice(d *ModbusDevice) error {
	if d.Name == "" {
		return gwerrors.NewValidationError("name", "non-empty string", d.Name)
	}
	if _, ok := KnownPorts[d.Port]; !ok {
		return gwerrors.NewValidationError("port", "one of ttyS2, ttyS7", d.Port)
	}
	if d.SlaveID < 1 {
		return gwerrors.NewValidationError("slave_id", "1..247", d.SlaveID)
	}
	if !validBaudrates[d.Baudrate] {
		return gwerrors.NewValidationError("baudrate", "1200..115200 standard rate", d.Baudrate)
	}
	if d.Parity != "N" && d.Parity != "E" && d.Parity != "O" {
		return gwerrors.NewValidationError("parity", "N, E or O", d.Parity)
	}
	if d.StopBits != 1 && d.StopBits != 2 {
		return gwerrors.NewValidationError("stop_bits", "1 or 2", d.StopBits)
	}
	if d.Polling.Enabled && d.Polling.Interval < MinPollingIntervalMs {
		return gwerrors.NewValidationError("polling.interval", ">= 500 ms", d.Polling.Interval)
	}
	for _, reg := range d.Registers {
		if err := ValidateModbusRegister(&reg); err != nil {
			return err
		}
	}
	return nil
}

// ValidateModbusRegister checks one register entry
func ValidateModbusRegister(r *ModbusRegister) error {
	if r.FunctionCode < 1 || r.FunctionCode > 6 {
		return gwerrors.NewValidationError("function_code", "1..6", r.FunctionCode)
	}
	if r.Name == "" {
		return gwerrors.NewValidationError("register.name", "non-empty string", r.Name)
	}
	return nil
}

// ValidateCANDevice checks a CAN device document
func ValidateCANDevice(d *CANDevice) error {
	if d.Name == "" {
		return gwerrors.NewValidationError("name", "non-empty string", d.Name)
	}
	if err := ValidateCANID(d.CANID, d.Extended); err != nil {
		return err
	}
	if d.TimeoutThreshold < MinTimeoutThreshold || d.TimeoutThreshold > MaxTimeoutThreshold {
		return gwerrors.NewValidationError("timeout_threshold", "5..300 seconds", d.TimeoutThreshold)
	}
	return nil
}

// ValidateCANID checks that an identifier fits its addressing mode
func ValidateCANID(canID uint32, extended bool) error {
	if extended {
		if canID > MaxExtendedID {
			return gwerrors.NewValidationError("can_id", "<= 0x1FFFFFFF (29-bit)", canID)
		}
		return nil
	}
	if canID > MaxStandardID {
		return gwerrors.NewValidationError("can_id", "<= 0x7FF (11-bit)", canID)
	}
	return nil
}

// ValidateCANFilter checks a filter/mask pair against the addressing mode
func ValidateCANFilter(f *CANFilter) error {
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return gwerrors.NewValidationError("filter.id", "identifier within addressing mode", f.ID)
	}
	if f.Mask > limit {
		return gwerrors.NewValidationError("filter.mask", "mask within addressing mode", f.Mask)
	}
	return nil
}

// ValidateCANController checks the controller attachment document
func ValidateCANController(c *CANController) error {
	switch c.Transport {
	case "", "mcp2515":
		// SPI attachment
	case "socketcan":
		if c.Interface == "" {
			return gwerrors.NewValidationError("controller.interface", "network device name for socketcan", c.Interface)
		}
	default:
		return gwerrors.NewValidationError("controller.transport", "mcp2515 or socketcan", c.Transport)
	}
	switch c.Crystal {
	case 0, 8000000, 16000000, 20000000:
	default:
		return gwerrors.NewValidationError("controller.crystal", "8, 16 or 20 MHz", c.Crystal)
	}
	switch c.Mode {
	case "", "normal", "loopback", "listen-only":
	default:
		return gwerrors.NewValidationError("controller.mode", "normal, loopback or listen-only", c.Mode)
	}
	return nil
}

// ValidateCANConfig checks the whole CAN document
func ValidateCANConfig(c *CANConfig) error {
	if err := ValidateCANController(&c.Controller); err != nil {
		return err
	}
	for i := range c.Devices {
		if err := ValidateCANDevice(&c.Devices[i]); err != nil {
			return err
		}
	}
	for i := range c.Filters {
		if err := ValidateCANFilter(&c.Filters[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateModbusBridgeMapping checks one bridge mapping
func ValidateModbusBridgeMapping(m *ModbusBridgeMapping) error {
	if m.DeviceID == "" {
		return gwerrors.NewValidationError("device_id", "non-empty string", m.DeviceID)
	}
	if m.FunctionCode != 3 && m.FunctionCode != 4 {
		return gwerrors.NewValidationError("function_code", "3 or 4", m.FunctionCode)
	}
	if m.Topic == "" {
		return gwerrors.NewValidationError("topic", "non-empty string", m.Topic)
	}
	return nil
}

// ValidateModbusBridgeConfig checks the whole bridge document
func ValidateModbusBridgeConfig(c *ModbusBridgeConfig) error {
	if c.PollInterval != 0 && c.PollInterval < MinBridgePollInterval {
		return gwerrors.NewValidationError("poll_interval", ">= 0.5 seconds", c.PollInterval)
	}
	for i := range c.Mappings {
		if err := ValidateModbusBridgeMapping(&c.Mappings[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCANBridgeMapping checks one CAN bridge mapping
func ValidateCANBridgeMapping(m *CANBridgeMapping) error {
	if m.Topic == "" {
		return gwerrors.NewValidationError("topic", "non-empty string", m.Topic)
	}
	if m.QoS > 2 {
		return gwerrors.NewValidationError("qos", "0..2", m.QoS)
	}
	if m.MinIntervalMs < 0 {
		return gwerrors.NewValidationError("min_interval_ms", ">= 0", m.MinIntervalMs)
	}
	switch m.Format {
	case FormatJSON, FormatRawHex, FormatDataArray:
	default:
		return gwerrors.NewValidationError("format", "json, raw_hex or data_array", m.Format)
	}
	return nil
}

// ValidateCANBridgeConfig checks the whole CAN bridge document
func ValidateCANBridgeConfig(c *CANBridgeConfig) error {
	for i := range c.Mappings {
		if err := ValidateCANBridgeMapping(&c.Mappings[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateIOConfig requires exactly four inputs and four outputs
func ValidateIOConfig(c *IOConfig) error {
	if len(c.Inputs) != 4 {
		return gwerrors.NewValidationError("inputs", "exactly 4 entries", len(c.Inputs))
	}
	if len(c.Outputs) != 4 {
		return gwerrors.NewValidationError("outputs", "exactly 4 entries", len(c.Outputs))
	}
	for _, ch := range c.Inputs {
		if ch.Channel < 0 || ch.Channel > 3 {
			return gwerrors.NewValidationError("inputs.channel", "0..3", ch.Channel)
		}
	}
	for _, ch := range c.Outputs {
		if ch.Channel < 0 || ch.Channel > 3 {
			return gwerrors.NewValidationError("outputs.channel", "0..3", ch.Channel)
		}
	}
	return nil
}

// ValidateMQTTConfig checks the broker document
func ValidateMQTTConfig(c *MQTTConfig) error {
	if c.Broker == "" {
		return gwerrors.NewValidationError("broker", "non-empty host", c.Broker)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return gwerrors.NewValidationError("port", "1..65535", c.Port)
	}
	if c.QoS > 2 {
		return gwerrors.NewValidationError("qos", "0..2", c.QoS)
	}
	if c.Keepalive < 0 {
		return gwerrors.NewValidationError("keepalive", ">= 0 seconds", c.Keepalive)
	}
	return nil
}
