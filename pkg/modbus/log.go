package modbus

import (
	"sync"
	"time"
)

// maxLogEntries bounds the in-memory event log
const maxLogEntries = 1000

// defaultQueryCount applies when a query asks for zero entries
const defaultQueryCount = 100

// Event types recorded in the subsystem event log
const (
	EventConnection = "connection"
	EventDevice     = "device"
	EventPolling    = "polling"
	EventScan       = "scan"
	EventError      = "error"
	EventHardware   = "hardware_disconnected"
)

// Event is one entry in the subsystem event log
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// eventLog keeps a bounded in-memory history of operational events
type eventLog struct {
	mu      sync.Mutex
	entries []Event
}

func (l *eventLog) add(eventType, message string, data map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Data:      data,
	})
	if len(l.entries) > maxLogEntries {
		l.entries = l.entries[len(l.entries)-maxLogEntries:]
	}
}

// query returns the most recent entries of the given type ("" for all)
// in chronological order
func (l *eventLog) query(count int, eventType string) []Event {
	if count <= 0 {
		count = defaultQueryCount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	matched := make([]Event, 0, len(l.entries))
	for _, e := range l.entries {
		if eventType != "" && e.Type != eventType {
			continue
		}
		matched = append(matched, e)
	}

	if len(matched) > count {
		matched = matched[len(matched)-count:]
	}
	return matched
}

func (l *eventLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
