package metrics

import (
	"sync"
	"time"

	"efio-gateway/pkg/logger"
)

// Totals carries the lifetime counters the summary logger diffs. The
// daemon fills one from the managers each pump cycle.
type Totals struct {
	ModbusReads   uint64
	CANRx         uint64
	CANTx         uint64
	MQTTPublished uint64
	MQTTDropped   uint64
	Errors        uint64
}

// SummaryLogger turns absolute counters into per-interval deltas and
// logs one operator-readable line per interval. Counter resets (a
// manager restart) clamp to zero instead of underflowing.
type SummaryLogger struct {
	mu       sync.Mutex
	interval time.Duration
	last     Totals
	lastTime time.Time
	primed   bool
}

func NewSummaryLogger(interval time.Duration) *SummaryLogger {
	return &SummaryLogger{interval: interval}
}

func delta(now, prev uint64) uint64 {
	if now < prev {
		return now
	}
	return now - prev
}

// Observe takes the current lifetime totals and logs the activity since
// the previous summary once the interval has passed. The first call
// only primes the baseline.
func (sl *SummaryLogger) Observe(now Totals) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.primed {
		sl.last = now
		sl.lastTime = time.Now()
		sl.primed = true
		return
	}
	if time.Since(sl.lastTime) < sl.interval {
		return
	}

	logger.LogInfo("📊 Summary - Modbus reads: %d, CAN rx/tx: %d/%d, MQTT published: %d (dropped %d), errors: %d, last %v",
		delta(now.ModbusReads, sl.last.ModbusReads),
		delta(now.CANRx, sl.last.CANRx),
		delta(now.CANTx, sl.last.CANTx),
		delta(now.MQTTPublished, sl.last.MQTTPublished),
		delta(now.MQTTDropped, sl.last.MQTTDropped),
		delta(now.Errors, sl.last.Errors),
		sl.interval,
	)

	sl.last = now
	sl.lastTime = time.Now()
}

// Reset clears the baseline; the next Observe primes it again
func (sl *SummaryLogger) Reset() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.primed = false
}
