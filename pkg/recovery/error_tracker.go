package recovery

import (
	"sync"
	"time"
)

// ErrorTracker counts consecutive failures against a threshold.
// Transport loops use it to decide when a run of errors stops being
// noise and becomes a dead device: the CAN receive loop tears down
// hardware after a run of read errors, the Modbus liveness checker
// declares a device gone after repeated probe failures.
type ErrorTracker struct {
	threshold      int
	consecutive    int
	total          int
	firstErrorTime time.Time
	tripped        bool

	mu sync.Mutex
}

// NewErrorTracker creates a tracker that trips at threshold consecutive errors
func NewErrorTracker(threshold int) *ErrorTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &ErrorTracker{threshold: threshold}
}

// RecordError counts a failure. Returns true exactly once per error run:
// on the call that reaches the threshold. Later errors in the same run
// return false so the caller's teardown does not fire repeatedly.
func (t *ErrorTracker) RecordError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive++
	t.total++
	if t.firstErrorTime.IsZero() {
		t.firstErrorTime = time.Now()
	}

	if t.consecutive >= t.threshold && !t.tripped {
		t.tripped = true
		return true
	}
	return false
}

// RecordSuccess ends the current error run
func (t *ErrorTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive = 0
	t.firstErrorTime = time.Time{}
	t.tripped = false
}

// ConsecutiveErrors returns the length of the current error run
func (t *ErrorTracker) ConsecutiveErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// TotalErrors returns the number of errors recorded over the tracker's lifetime
func (t *ErrorTracker) TotalErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// IsTripped reports whether the current run has reached the threshold
func (t *ErrorTracker) IsTripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped
}

// TimeSinceFirstError returns how long the current error run has lasted
func (t *ErrorTracker) TimeSinceFirstError() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.firstErrorTime.IsZero() {
		return 0
	}
	return time.Since(t.firstErrorTime)
}

// Reset clears all state including the lifetime total
func (t *ErrorTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive = 0
	t.total = 0
	t.firstErrorTime = time.Time{}
	t.tripped = false
}
