package daemon

import (
	"fmt"

	"efio-gateway/pkg/bridge"
	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	"efio-gateway/pkg/diagnostics"
	"efio-gateway/pkg/gpio"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/http"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/metrics"
	"efio-gateway/pkg/modbus"
	"efio-gateway/pkg/mqtt"
	"efio-gateway/pkg/state"
	"efio-gateway/pkg/sysinfo"
	"efio-gateway/pkg/watchdog"
	"efio-gateway/pkg/ws"
)

// Builder wires the gateway subsystems together in dependency order.
// The With methods replace the seams tests care about; Build fills in
// everything not provided.
type Builder struct {
	cfg       *config.Config
	store     *config.Store
	registry  *health.Registry
	ioState   *state.IOState
	collector metrics.Collector
	auth      http.Authorizer
	version   string
}

// NewBuilder creates a builder over the loaded application settings
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithStore sets a prepared configuration store (tests point it at a
// temporary directory)
func (b *Builder) WithStore(store *config.Store) *Builder {
	b.store = store
	return b
}

// WithRegistry sets a shared health registry
func (b *Builder) WithRegistry(registry *health.Registry) *Builder {
	b.registry = registry
	return b
}

// WithIOState sets a pre-populated I/O state
func (b *Builder) WithIOState(ioState *state.IOState) *Builder {
	b.ioState = ioState
	return b
}

// WithCollector sets a custom metrics collector
func (b *Builder) WithCollector(collector metrics.Collector) *Builder {
	b.collector = collector
	return b
}

// WithAuthorizer sets the admin-action authorizer for the API
func (b *Builder) WithAuthorizer(auth http.Authorizer) *Builder {
	b.auth = auth
	return b
}

// WithVersion overrides the version string reported by the API
func (b *Builder) WithVersion(version string) *Builder {
	b.version = version
	return b
}

// Build constructs the Daemon with every subsystem wired. The domain
// configuration comes from the JSON store under cfg.ConfigDir; missing
// documents are created with defaults so a bare image boots.
func (b *Builder) Build() (*Daemon, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if b.store == nil {
		store, err := config.NewStore(b.cfg.ConfigDir)
		if err != nil {
			return nil, fmt.Errorf("config store: %w", err)
		}
		b.store = store
	}
	if err := b.store.EnsureDefaults(); err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}

	if b.registry == nil {
		b.registry = health.NewRegistry()
	}
	if b.ioState == nil {
		b.ioState = state.NewIOState()
	}
	if b.collector == nil {
		if b.cfg.Metrics.Enabled {
			b.collector = metrics.NewPrometheusMetrics()
		} else {
			b.collector = metrics.NewNullMetrics()
		}
	}
	if b.version == "" {
		b.version = Version
	}

	sampler := sysinfo.NewSampler()

	gpioSettings := config.NewGPIOSettings(b.cfg)
	gpioMgr := gpio.NewManager(b.ioState, b.registry)
	gpioMgr.SetTuning(gpioSettings.ForceSimulation, gpioSettings.PollInterval)

	devices, err := b.store.ModbusDevices()
	if err != nil {
		return nil, fmt.Errorf("modbus device configuration: %w", err)
	}
	modbusMgr := modbus.NewManager(devices, b.registry, b.ioState)

	canCfg, err := b.store.CAN()
	if err != nil {
		return nil, fmt.Errorf("can configuration: %w", err)
	}
	canMgr := can.NewManager(canCfg, b.registry)

	mqttCfg, err := b.store.MQTT()
	if err != nil {
		return nil, fmt.Errorf("mqtt configuration: %w", err)
	}
	client := mqtt.NewClient(mqttCfg, b.ioState, b.registry)
	client.SetDOCommandHandler(gpioMgr.WriteOutput)

	// Mirror every channel transition onto the retained state topics.
	// Registered once for the life of the process; the client drops
	// publishes while the broker is away.
	b.ioState.Subscribe(func(chg state.Change) {
		var err error
		switch chg.Kind {
		case state.ChangeDI:
			err = client.PublishDI(chg.Channel, chg.Value)
		case state.ChangeDO:
			err = client.PublishDO(chg.Channel, chg.Value)
		}
		if err != nil {
			logger.LogDebug("🔇 I/O mirror publish failed: %v", err)
		}
	})

	modbusBridgeCfg, err := b.store.ModbusBridge()
	if err != nil {
		return nil, fmt.Errorf("modbus bridge configuration: %w", err)
	}
	modbusBridge := bridge.NewModbusBridge(modbusBridgeCfg, modbusMgr, client)

	canBridgeCfg, err := b.store.CANBridge()
	if err != nil {
		return nil, fmt.Errorf("can bridge configuration: %w", err)
	}
	canBridge := bridge.NewCANBridge(canBridgeCfg, canMgr, client)

	wdSettings := config.NewWatchdogSettings(b.cfg)
	wd := watchdog.New(wdSettings.Timeout, b.registry)
	wd.SetTiming(wdSettings.CheckInterval, wdSettings.SweepInterval)

	hub := ws.NewHub(b.ioState, sampler, gpioMgr.WriteOutput)
	tracker := diagnostics.NewTracker(diagnostics.DefaultThresholds(), b.registry)
	summary := metrics.NewSummaryLogger(summaryWindow)

	api := http.NewServer(config.NewHTTPSettings(b.cfg).Listen, http.Deps{
		IOState:      b.ioState,
		GPIO:         gpioMgr,
		Modbus:       modbusMgr,
		CAN:          canMgr,
		ModbusBridge: modbusBridge,
		CANBridge:    canBridge,
		MQTT:         client,
		Store:        b.store,
		Registry:     b.registry,
		Watchdog:     wd,
		Metrics:      sampler,
		Diagnostics:  tracker,
		WS:           hub,
		Auth:         b.auth,
		Version:      b.version,
	})

	return &Daemon{
		cfg:          b.cfg,
		store:        b.store,
		registry:     b.registry,
		ioState:      b.ioState,
		sampler:      sampler,
		gpio:         gpioMgr,
		modbus:       modbusMgr,
		can:          canMgr,
		mqtt:         client,
		modbusBridge: modbusBridge,
		canBridge:    canBridge,
		watchdog:     wd,
		hub:          hub,
		tracker:      tracker,
		collector:    b.collector,
		summary:      summary,
		api:          api,
	}, nil
}
