package config

import "time"

// WatchdogSettings contains only watchdog timing as durations
// Used for dependency injection to avoid coupling to full Config
type WatchdogSettings struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	SweepInterval time.Duration
}

// NewWatchdogSettings extracts watchdog settings from full config
func NewWatchdogSettings(cfg *Config) WatchdogSettings {
	return WatchdogSettings{
		Timeout:       time.Duration(cfg.Watchdog.Timeout) * time.Second,
		CheckInterval: time.Duration(cfg.Watchdog.CheckInterval) * time.Second,
		SweepInterval: time.Duration(cfg.Watchdog.SweepInterval) * time.Second,
	}
}

// GPIOSettings contains only GPIO front-end tuning
// Used for dependency injection to avoid coupling to full Config
type GPIOSettings struct {
	ForceSimulation bool
	PollInterval    time.Duration
}

// NewGPIOSettings extracts GPIO settings from full config
func NewGPIOSettings(cfg *Config) GPIOSettings {
	return GPIOSettings{
		ForceSimulation: cfg.GPIO.ForceSimulation,
		PollInterval:    time.Duration(cfg.GPIO.PollInterval) * time.Millisecond,
	}
}

// HTTPSettings contains only the API listener configuration
// Used for dependency injection to avoid coupling to full Config
type HTTPSettings struct {
	Listen string
}

// NewHTTPSettings extracts HTTP settings from full config
func NewHTTPSettings(cfg *Config) HTTPSettings {
	return HTTPSettings{Listen: cfg.HTTP.Listen}
}
