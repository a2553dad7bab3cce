package metrics

// NullMetrics is the no-op Collector wired when metrics are disabled.
// Every method returns immediately so the pump costs nothing.
type NullMetrics struct{}

func NewNullMetrics() *NullMetrics {
	return &NullMetrics{}
}

func (nm *NullMetrics) SetIO(di, do []int) {}

func (nm *NullMetrics) SetModbus(total, connected, polling int) {}

func (nm *NullMetrics) SetCAN(connected bool, rx, tx, errors uint64) {}

func (nm *NullMetrics) SetMQTT(connected bool, published, dropped, errors uint64) {}

func (nm *NullMetrics) SetBridges(modbusRunning, canRunning bool, modbusPublished, canPublished uint64) {
}

func (nm *NullMetrics) SetSystem(cpuPercent, memoryPercent, temperatureC float64) {}

func (nm *NullMetrics) StartServer(port int) error { return nil }

func (nm *NullMetrics) Stop() {}
