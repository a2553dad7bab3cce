package modbus

import "context"

// portMutex serializes transactions on one RS-485 port. Devices on a
// daisy-chained bus share the wire, so at most one request/response
// exchange may be in flight per port. A buffered channel of capacity
// one hands the port to blocked acquirers in FIFO order, which keeps a
// chatty device from starving its bus neighbours.
type portMutex struct {
	slot chan struct{}
}

func newPortMutex() *portMutex {
	return &portMutex{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the port is free or ctx ends
func (p *portMutex) Acquire(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the port. Must follow a successful Acquire.
func (p *portMutex) Release() {
	<-p.slot
}

// guardFor returns the serialization guard for a port token, creating
// it on first use
func (m *Manager) guardFor(port string) *portMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	guard, ok := m.ports[port]
	if !ok {
		guard = newPortMutex()
		m.ports[port] = guard
	}
	return guard
}
