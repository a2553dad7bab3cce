package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
)

// Store manages the JSON configuration documents under one directory.
// Every mutator writes through to disk before the in-memory consumers see
// the change, so a restart reproduces the running configuration.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating the directory if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create config directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store persists into
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a document
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether a document is present on disk
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Load reads and decodes a document into v.
// Returns a NotFoundError when the document does not exist.
func (s *Store) Load(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(name, v)
}

func (s *Store) loadLocked(name string, v interface{}) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return gwerrors.NewNotFoundError("config document", name)
		}
		return fmt.Errorf("cannot read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cannot parse %s: %w", name, err)
	}
	return nil
}

// Save encodes v and writes it atomically (temp file + rename)
func (s *Store) Save(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(name, v)
}

func (s *Store) saveLocked(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode %s: %w", name, err)
	}
	return s.writeFileLocked(name, data)
}

func (s *Store) writeFileLocked(name string, data []byte) error {
	target := s.Path(name)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot replace %s: %w", name, err)
	}
	return nil
}

// LoadRaw reads a document without decoding. Used for the opaque sections
// (users, network, alarms) that the daemon stores but does not interpret.
func (s *Store) LoadRaw(name string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gwerrors.NewNotFoundError("config document", name)
		}
		return nil, fmt.Errorf("cannot read %s: %w", name, err)
	}
	if !json.Valid(data) {
		return nil, gwerrors.NewValidationError(name, "valid JSON document", "malformed content")
	}
	return data, nil
}

// SaveRaw validates and writes an opaque document atomically
func (s *Store) SaveRaw(name string, data []byte) error {
	if !json.Valid(data) {
		return gwerrors.NewValidationError(name, "valid JSON document", "malformed content")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFileLocked(name, data)
}

// ModbusDevices loads the persisted device list, empty when absent
func (s *Store) ModbusDevices() ([]ModbusDevice, error) {
	var devices []ModbusDevice
	if err := s.Load(FileModbusDevices, &devices); err != nil {
		if gwerrors.IsNotFound(err) {
			return []ModbusDevice{}, nil
		}
		return nil, err
	}
	return devices, nil
}

// SaveModbusDevices persists the device list
func (s *Store) SaveModbusDevices(devices []ModbusDevice) error {
	return s.Save(FileModbusDevices, devices)
}

// MQTT loads the broker configuration, defaults when absent
func (s *Store) MQTT() (MQTTConfig, error) {
	var cfg MQTTConfig
	if err := s.Load(FileMQTT, &cfg); err != nil {
		if gwerrors.IsNotFound(err) {
			return DefaultMQTTConfig(), nil
		}
		return MQTTConfig{}, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "efio-daemon"
	}
	if cfg.Keepalive == 0 {
		cfg.Keepalive = 60
	}
	return cfg, nil
}

// SaveMQTT validates and persists the broker configuration
func (s *Store) SaveMQTT(cfg MQTTConfig) error {
	if err := ValidateMQTTConfig(&cfg); err != nil {
		return err
	}
	return s.Save(FileMQTT, cfg)
}

// CAN loads the CAN configuration, defaults when absent
func (s *Store) CAN() (CANConfig, error) {
	var cfg CANConfig
	if err := s.Load(FileCAN, &cfg); err != nil {
		if gwerrors.IsNotFound(err) {
			return DefaultCANConfig(), nil
		}
		return CANConfig{}, err
	}
	if cfg.Controller.Transport == "" {
		cfg.Controller.Transport = "mcp2515"
	}
	return cfg, nil
}

// SaveCAN validates and persists the CAN configuration
func (s *Store) SaveCAN(cfg CANConfig) error {
	if err := ValidateCANConfig(&cfg); err != nil {
		return err
	}
	return s.Save(FileCAN, cfg)
}

// ModbusBridge loads the Modbus→MQTT bridge configuration, defaults when absent
func (s *Store) ModbusBridge() (ModbusBridgeConfig, error) {
	var cfg ModbusBridgeConfig
	if err := s.Load(FileModbusBridge, &cfg); err != nil {
		if gwerrors.IsNotFound(err) {
			return DefaultModbusBridgeConfig(), nil
		}
		return ModbusBridgeConfig{}, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1.0
	}
	return cfg, nil
}

// SaveModbusBridge validates and persists the bridge configuration
func (s *Store) SaveModbusBridge(cfg ModbusBridgeConfig) error {
	if err := ValidateModbusBridgeConfig(&cfg); err != nil {
		return err
	}
	return s.Save(FileModbusBridge, cfg)
}

// CANBridge loads the CAN→MQTT bridge configuration, defaults when absent
func (s *Store) CANBridge() (CANBridgeConfig, error) {
	var cfg CANBridgeConfig
	if err := s.Load(FileCANBridge, &cfg); err != nil {
		if gwerrors.IsNotFound(err) {
			return DefaultCANBridgeConfig(), nil
		}
		return CANBridgeConfig{}, err
	}
	return cfg, nil
}

// SaveCANBridge validates and persists the bridge configuration
func (s *Store) SaveCANBridge(cfg CANBridgeConfig) error {
	if err := ValidateCANBridgeConfig(&cfg); err != nil {
		return err
	}
	return s.Save(FileCANBridge, cfg)
}

// IO loads the channel naming configuration, defaults when absent
func (s *Store) IO() (IOConfig, error) {
	var cfg IOConfig
	if err := s.Load(FileIO, &cfg); err != nil {
		if gwerrors.IsNotFound(err) {
			return DefaultIOConfig(), nil
		}
		return IOConfig{}, err
	}
	return cfg, nil
}

// SaveIO validates and persists the channel configuration
func (s *Store) SaveIO(cfg IOConfig) error {
	if err := ValidateIOConfig(&cfg); err != nil {
		return err
	}
	return s.Save(FileIO, cfg)
}

// EnsureDefaults writes any missing managed document with its default
// content, so a fresh install starts from a complete config directory.
func (s *Store) EnsureDefaults() error {
	type seed struct {
		name string
		v    interface{}
	}
	seeds := []seed{
		{FileMQTT, DefaultMQTTConfig()},
		{FileCAN, DefaultCANConfig()},
		{FileModbusBridge, DefaultModbusBridgeConfig()},
		{FileCANBridge, DefaultCANBridgeConfig()},
		{FileIO, DefaultIOConfig()},
		{FileModbusDevices, []ModbusDevice{}},
	}

	for _, sd := range seeds {
		if s.Exists(sd.name) {
			continue
		}
		if err := s.Save(sd.name, sd.v); err != nil {
			return err
		}
		logger.LogInfo("🔧 Seeded default %s", sd.name)
	}
	return nil
}
