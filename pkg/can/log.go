package can

import (
	"sync"
	"time"
)

// maxLogEntries bounds the in-memory message and event logs. Older
// entries are dropped as new ones arrive.
const maxLogEntries = 1000

// defaultQueryCount applies when a query asks for zero entries
const defaultQueryCount = 100

// MessageQuery selects entries from the message log
type MessageQuery struct {
	Count     int       // most recent N after filtering, 0 means 100
	CANID     uint32    // identifier filter, applied when HasCANID
	HasCANID  bool
	Direction Direction // "" selects both directions
}

// messageLog is the bounded record of traffic crossing the controller
type messageLog struct {
	mu      sync.Mutex
	entries []Message
}

func (l *messageLog) add(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, m)
	if len(l.entries) > maxLogEntries {
		l.entries = l.entries[len(l.entries)-maxLogEntries:]
	}
}

// query returns the most recent matching entries in chronological order
func (l *messageLog) query(q MessageQuery) []Message {
	if q.Count <= 0 {
		q.Count = defaultQueryCount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	matched := make([]Message, 0, len(l.entries))
	for _, m := range l.entries {
		if q.HasCANID && m.Frame.ID != q.CANID {
			continue
		}
		if q.Direction != "" && m.Direction != q.Direction {
			continue
		}
		matched = append(matched, m)
	}

	if len(matched) > q.Count {
		matched = matched[len(matched)-q.Count:]
	}
	return matched
}

func (l *messageLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Event types recorded in the subsystem event log
const (
	EventConnection = "connection"
	EventDevice     = "device"
	EventConfig     = "config"
	EventStatistics = "statistics"
	EventDetection  = "detection"
	EventError      = "error"
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
