package metrics

// Collector receives gateway readings for exposition. The managers own
// their lifetime counters; the daemon pump copies them in on one
// cadence, so implementations never reach back into other packages.
//
// Implementations:
//   - PrometheusMetrics: text exposition format over a hardened HTTP listener
//   - NullMetrics: zero-overhead no-op used when metrics are disabled
type Collector interface {
	// SetIO publishes the digital channel states (0 or 1 per channel)
	SetIO(di, do []int)

	// SetModbus publishes the RTU registry summary
	SetModbus(total, connected, polling int)

	// SetCAN publishes the bus counters
	SetCAN(connected bool, rx, tx, errors uint64)

	// SetMQTT publishes the broker client counters
	SetMQTT(connected bool, published, dropped, errors uint64)

	// SetBridges publishes the two bridge states and their lifetime
	// publish counters
	SetBridges(modbusRunning, canRunning bool, modbusPublished, canPublished uint64)

	// SetSystem publishes host vitals
	SetSystem(cpuPercent, memoryPercent, temperatureC float64)

	// StartServer exposes /metrics on the given port. Port 0 disables
	// the listener. Blocks until the listener dies or Stop is called.
	StartServer(port int) error

	// Stop shuts the listener down. Safe on a never-started collector.
	Stop()
}

// Compile-time verification that both implementations satisfy Collector
var (
	_ Collector = (*PrometheusMetrics)(nil)
	_ Collector = (*NullMetrics)(nil)
)
