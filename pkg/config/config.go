package config

import (
	"fmt"
	"os"

	"efio-gateway/pkg/logger"

	"gopkg.in/yaml.v3"
)

// Config is the static application configuration loaded from gateway.yaml.
// Dynamic domain configuration (devices, bridges, broker credentials) lives
// in the JSON Store and is mutable at runtime; this file is read once at
// startup.
type Config struct {
	Version   string               `yaml:"version,omitempty"`
	ConfigDir string               `yaml:"config_dir"`
	HTTP      HTTPConfig           `yaml:"http"`
	Watchdog  WatchdogConfig       `yaml:"watchdog"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	GPIO      GPIOConfig           `yaml:"gpio"`
	Logging   logger.LoggingConfig `yaml:"logging"`
}

// HTTPConfig contains the API listener settings
type HTTPConfig struct {
	Listen string `yaml:"listen"` // host:port, default ":8080"
}

// WatchdogConfig contains supervisor timing, all in seconds
type WatchdogConfig struct {
	Timeout       int `yaml:"timeout"`        // feed staleness threshold, default 60
	CheckInterval int `yaml:"check_interval"` // feed check period, default 1
	SweepInterval int `yaml:"sweep_interval"` // health-check sweep period, default 10
}

// MetricsConfig controls the optional Prometheus text endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // default 9100
}

// GPIOConfig contains front-end tuning knobs
type GPIOConfig struct {
	ForceSimulation bool `yaml:"force_simulation"` // skip hardware claim entirely
	PollInterval    int  `yaml:"poll_interval"`    // DI poll period in milliseconds, default 100
}

// LoadConfig loads the application configuration from the specified file,
// falling back to the standard locations
func LoadConfig(configPath string) (*Config, error) {
	paths := []string{
		configPath,
		"/etc/efio/gateway.yaml",
		"./gateway.yaml",
	}

	var data []byte
	var err error
	var usedPath string

	for _, path := range paths {
		if path == "" {
			continue
		}
		// #nosec G304 - Paths are from a hardcoded list of safe configuration file locations
		data, err = os.ReadFile(path)
		if err == nil {
			usedPath = path
			break
		}
	}

	if err != nil {
		return nil, fmt.Errorf("cannot read configuration file from any of the locations: %v. Last error: %w", paths, err)
	}

	config, err := parseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", usedPath, err)
	}

	logger.LogInfo("✅ Configuration loaded successfully from %s (version: %s)", usedPath, config.Version)
	return config, nil
}

// LoadConfigFromString loads configuration from a YAML string (for testing)
func LoadConfigFromString(yamlContent string) (*Config, error) {
	return parseConfig([]byte(yamlContent))
}

func parseConfig(data []byte) (*Config, error) {
	var versionCheck VersionInfo
	if err := yaml.Unmarshal(data, &versionCheck); err != nil {
		return nil, fmt.Errorf("error parsing configuration version: %w", err)
	}

	if versionCheck.Version != "" {
		if err := ValidateVersion(versionCheck.Version); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if config.Version == "" {
		config.Version = CurrentVersion
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a configuration with every field at its default.
// Used when no gateway.yaml exists, so the daemon can start on a bare image.
func DefaultConfig() *Config {
	cfg := &Config{Version: CurrentVersion}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ConfigDir == "" {
		c.ConfigDir = "/etc/efio"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = 60
	}
	if c.Watchdog.CheckInterval == 0 {
		c.Watchdog.CheckInterval = 1
	}
	if c.Watchdog.SweepInterval == 0 {
		c.Watchdog.SweepInterval = 10
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.GPIO.PollInterval == 0 {
		c.GPIO.PollInterval = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config_dir is not specified")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is not specified")
	}
	if c.Watchdog.Timeout <= 0 {
		return fmt.Errorf("watchdog.timeout must be positive")
	}
	if c.Watchdog.CheckInterval <= 0 {
		return fmt.Errorf("watchdog.check_interval must be positive")
	}
	if c.Watchdog.SweepInterval <= 0 {
		return fmt.Errorf("watchdog.sweep_interval must be positive")
	}
	if c.GPIO.PollInterval <= 0 {
		return fmt.Errorf("gpio.poll_interval must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be positive when metrics are enabled")
	}
	return nil
}
