// Package daemon composes the gateway process: one facade owning the
// managers, the bridges, the API surface and the supervision loops.
// Construction happens in the Builder; the Daemon only runs what it was
// handed.
package daemon

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"efio-gateway/pkg/bridge"
	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	"efio-gateway/pkg/diagnostics"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/gpio"
	"efio-gateway/pkg/health"
	"efio-gateway/pkg/http"
	"efio-gateway/pkg/logger"
	"efio-gateway/pkg/metrics"
	"efio-gateway/pkg/modbus"
	"efio-gateway/pkg/mqtt"
	"efio-gateway/pkg/recovery"
	"efio-gateway/pkg/state"
	"efio-gateway/pkg/sysinfo"
	"efio-gateway/pkg/watchdog"
	"efio-gateway/pkg/ws"
)

// Version reported by /api/status when main does not override it
const Version = "1.0.0"

const (
	feedInterval   = time.Second
	systemInterval = 30 * time.Second
	pumpInterval   = 5 * time.Second
	summaryWindow  = 30 * time.Second

	stopJoinTimeout = 10 * time.Second
)

// Daemon is the running gateway. Start launches every subsystem and the
// supervision loops; Stop tears them down in reverse order. The zero
// value is not usable — build one with the Builder.
type Daemon struct {
	cfg *config.Config

	store    *config.Store
	registry *health.Registry
	ioState  *state.IOState
	sampler  *sysinfo.Sampler

	gpio         *gpio.Manager
	modbus       *modbus.Manager
	can          *can.Manager
	mqtt         *mqtt.Client
	modbusBridge *bridge.ModbusBridge
	canBridge    *bridge.CANBridge

	watchdog  *watchdog.Watchdog
	hub       *ws.Hub
	tracker   *diagnostics.Tracker
	collector metrics.Collector
	summary   *metrics.SummaryLogger
	api       *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// Start brings the gateway up: hardware front-ends first, then the
// field-bus managers, the broker connection, the bridges that were
// enabled at shutdown, and finally the outward surfaces. Only a
// subsystem that refuses to construct its run state is fatal; a dark
// broker or unclaimable GPIO lines degrade instead.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return gwerrors.NewConflictError("daemon", "already running")
	}
	d.running = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	logger.LogInfo("🚀 Starting EFIO gateway...")

	g, gctx := errgroup.WithContext(runCtx)

	// A failed startup releases the running flag so the caller can fix
	// the cause and try again
	failStart := func(err error) error {
		cancel()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	if err := d.gpio.Start(gctx); err != nil {
		return failStart(err)
	}
	if err := d.modbus.Start(gctx); err != nil {
		return failStart(err)
	}
	if err := d.can.Start(gctx); err != nil {
		return failStart(err)
	}

	// Connect retries until cancelled, so it supervises itself; the
	// client drops and counts publishes until the session is up.
	g.Go(func() error {
		if err := d.mqtt.Connect(gctx); err != nil {
			logger.LogDebug("🔇 MQTT connect ended: %v", err)
		}
		return nil
	})

	d.startBridges(gctx)

	d.registerWatchdogChecks()
	if err := d.watchdog.Start(gctx); err != nil {
		return failStart(err)
	}

	if err := d.hub.Start(gctx); err != nil {
		return failStart(err)
	}

	apiErr := d.api.Start()
	g.Go(func() error {
		select {
		case err := <-apiErr:
			if err != nil {
				logger.LogError("❌ HTTP API died: %v", err)
				return err
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if d.cfg.Metrics.Enabled {
		port := d.cfg.Metrics.Port
		g.Go(func() error {
			// A busy metrics port is not worth the gateway
			if err := d.collector.StartServer(port); err != nil {
				logger.LogError("❌ Metrics exporter failed: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error { d.feedLoop(gctx); return nil })
	g.Go(func() error { d.systemLoop(gctx); return nil })
	g.Go(func() error { d.pumpLoop(gctx); return nil })

	go func() {
		d.runErr = g.Wait()
		close(d.done)
	}()

	logger.LogInfo("✅ EFIO gateway started")
	return nil
}

// Stop tears everything down: outward surfaces first so no new work
// arrives while the managers drain. Safe to call on a stopped daemon.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	logger.LogInfo("🛑 Stopping EFIO gateway...")

	cancel()

	d.api.Stop()
	d.hub.Stop()

	d.modbusBridge.Stop()
	d.canBridge.Stop()

	d.watchdog.Stop()

	d.mqtt.Disconnect()
	d.can.Stop()
	d.modbus.Stop()
	d.gpio.Stop()

	d.collector.Stop()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		logger.LogWarn("⚠️  Supervision loops did not stop within %v", stopJoinTimeout)
	}

	logger.LogInfo("✅ EFIO gateway stopped")
}

// Done closes when the supervision group drains, whether from Stop or
// from a fatal subsystem error. Err carries the cause afterwards.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err reports why the supervision group ended. Valid after Done closes.
func (d *Daemon) Err() error {
	return d.runErr
}

// SetWatchdogHandler wires the action taken on a watchdog breach, for
// deployments that want a hard restart. Must be called before Start.
func (d *Daemon) SetWatchdogHandler(fn func()) {
	d.watchdog.SetTimeoutHandler(fn)
}

// Registry exposes the health registry for callers composing extra
// checks around the daemon.
func (d *Daemon) Registry() *health.Registry {
	return d.registry
}

// IOState exposes the shared I/O state.
func (d *Daemon) IOState() *state.IOState {
	return d.ioState
}

// startBridges resumes the bridges that were enabled when the gateway
// last shut down. A bridge that refuses to start (no mappings yet,
// broker disabled) is a warning, not a startup failure.
func (d *Daemon) startBridges(ctx context.Context) {
	if cfg := d.modbusBridge.Config(); cfg.Enabled {
		if err := d.modbusBridge.Start(ctx); err != nil {
			logger.LogWarn("⚠️  Modbus-MQTT bridge not resumed: %v", err)
		}
	}
	if cfg := d.canBridge.Config(); cfg.Enabled {
		if err := d.canBridge.Start(ctx); err != nil {
			logger.LogWarn("⚠️  CAN-MQTT bridge not resumed: %v", err)
		}
	}
}

func (d *Daemon) registerWatchdogChecks() {
	d.watchdog.Register("gpio", func() bool {
		// Forced or deliberate simulation is fine; mid-recovery is not
		return !d.gpio.Status().Recovering
	})
	d.watchdog.Register("mqtt", func() bool {
		return !d.mqtt.Enabled() || d.mqtt.IsConnected()
	})
	d.watchdog.Register("modbus", func() bool {
		return d.modbus.Summary().Running
	})
	d.watchdog.Register("can", func() bool {
		return d.can.HardwareBreaker().State != recovery.StateOpen.String()
	})
}

// feedLoop feeds the watchdog once a second. If this loop stalls, the
// whole process is wedged and the watchdog barks.
func (d *Daemon) feedLoop(ctx context.Context) {
	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.watchdog.Feed()
		}
	}
}

// systemLoop publishes the retained host vitals every 30 seconds,
// starting with one immediate round so the topics exist right away.
func (d *Daemon) systemLoop(ctx context.Context) {
	d.publishSystem()

	ticker := time.NewTicker(systemInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publishSystem()
		}
	}
}

func (d *Daemon) publishSystem() {
	snap := d.sampler.Snapshot()

	vitals := []struct{ name, value string }{
		{"cpu", strconv.FormatFloat(snap.CPU.Percent, 'f', 1, 64)},
		{"ram", strconv.FormatFloat(snap.Memory.Percent, 'f', 1, 64)},
		{"temp", strconv.FormatFloat(snap.Temperature.Celsius, 'f', 1, 64)},
		{"uptime", strconv.FormatInt(snap.Uptime, 10)},
	}
	for _, v := range vitals {
		if err := d.mqtt.PublishSystem(v.name, v.value); err != nil {
			logger.LogDebug("🔇 System publish %s failed: %v", v.name, err)
		}
	}
}

// pumpLoop copies the managers' counters into the metrics collector,
// re-evaluates per-device diagnostics and feeds the summary logger.
func (d *Daemon) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pumpOnce()
		}
	}
}

func (d *Daemon) pumpOnce() {
	di := d.ioState.GetDIAll()
	do := d.ioState.GetDOAll()
	d.collector.SetIO(di[:], do[:])

	sum := d.modbus.Summary()
	d.collector.SetModbus(sum.DevicesTotal, sum.DevicesConnected, sum.DevicesPolling)

	cs := d.can.Statistics()
	d.collector.SetCAN(cs.Bus.Connected, cs.Bus.RXTotal, cs.Bus.TXTotal, cs.Bus.Errors)

	ms := d.mqtt.GetStats()
	d.collector.SetMQTT(ms.Connected, ms.Published, ms.Dropped, ms.Errors)

	mb := d.modbusBridge.Status()
	cb := d.canBridge.Status()
	d.collector.SetBridges(mb.Running, cb.Running,
		mb.Statistics.Published, cb.Statistics.Published)

	snap := d.sampler.Snapshot()
	d.collector.SetSystem(snap.CPU.Percent, snap.Memory.Percent, snap.Temperature.Celsius)

	modbusDevices := d.modbus.Devices()
	canDevices := d.can.Devices()
	d.tracker.Evaluate(modbusDevices, canDevices)

	var modbusOps, modbusErrors uint64
	for _, dev := range modbusDevices {
		modbusOps += dev.ReadCount + dev.WriteCount
		modbusErrors += dev.ErrorCount
	}
	d.summary.Observe(metrics.Totals{
		ModbusReads:   modbusOps,
		CANRx:         cs.Bus.RXTotal,
		CANTx:         cs.Bus.TXTotal,
		MQTTPublished: ms.Published,
		MQTTDropped:   ms.Dropped,
		Errors:        modbusErrors + cs.Bus.Errors + ms.Errors,
	})
}
