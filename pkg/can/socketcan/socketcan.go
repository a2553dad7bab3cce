// Package socketcan adapts a kernel SocketCAN interface to the polled
// driver contract, using https://github.com/brutella/can underneath.
package socketcan

import (
	"fmt"
	"net"
	"sync"

	sockcan "github.com/brutella/can"

	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
)

func init() {
	can.RegisterTransport("socketcan", New)
}

// Raw SocketCAN identifier words carry the frame format in the top bits
const (
	flagExtended uint32 = 0x80000000
	flagRTR      uint32 = 0x40000000
	maskExtended uint32 = 0x1FFFFFFF
	maskStandard uint32 = 0x7FF
)

// rxBufferSize bounds the frames held between the kernel's push delivery
// and the manager's polling. Newest frames are dropped on overflow.
const rxBufferSize = 256

// Driver bridges brutella's subscription model to the Available/ReadFrame
// polling the manager runs against every transport.
type Driver struct {
	iface string

	mu        sync.Mutex
	bus       *sockcan.Bus
	connected bool
	rx        chan can.Frame
	dropped   uint64
}

// New builds a driver for the configured network interface
func New(cfg config.CANConfig) (can.Driver, error) {
	iface := cfg.Controller.Interface
	if iface == "" {
		iface = "can0"
	}
	return &Driver{iface: iface}, nil
}

// Name identifies the transport
func (d *Driver) Name() string {
	return "socketcan"
}

// Connect opens the interface and starts the kernel receive loop
func (d *Driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return gwerrors.NewConflictError("can controller", "already connected")
	}

	bus, err := sockcan.NewBusForInterfaceWithName(d.iface)
	if err != nil {
		return gwerrors.NewTransportError("socketcan open", err, gwerrors.TransportBusError, d.iface)
	}

	d.bus = bus
	d.rx = make(chan can.Frame, rxBufferSize)
	d.dropped = 0
	bus.Subscribe(d)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			logger.LogWarn("⚠️  SocketCAN receive loop on %s ended: %v", d.iface, err)
		}
	}()

	d.connected = true
	logger.LogInfo("🔧 SocketCAN interface %s connected", d.iface)
	return nil
}

// Disconnect stops the receive loop and releases the socket
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	err := d.bus.Disconnect()
	d.bus = nil
	d.rx = nil
	logger.LogInfo("🔌 SocketCAN interface %s disconnected", d.iface)
	if err != nil {
		return gwerrors.NewTransportError("socketcan close", err, gwerrors.TransportBusError, d.iface)
	}
	return nil
}

// Handle receives frames from brutella's dispatch goroutine
func (d *Driver) Handle(frm sockcan.Frame) {
	frame := can.Frame{
		ID:       frm.ID & maskExtended,
		Extended: frm.ID&flagExtended != 0,
		RTR:      frm.ID&flagRTR != 0,
		DLC:      frm.Length,
	}
	if !frame.Extended {
		frame.ID &= maskStandard
	}
	if frame.DLC > can.MaxDLC {
		frame.DLC = can.MaxDLC
	}
	if !frame.RTR && frame.DLC > 0 {
		frame.Data = append([]byte(nil), frm.Data[:frame.DLC]...)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return
	}
	select {
	case d.rx <- frame:
	default:
		d.dropped++
		if d.dropped == 1 || d.dropped%100 == 0 {
			logger.LogWarn("⚠️  SocketCAN RX buffer full on %s, dropped %d frame(s)", d.iface, d.dropped)
		}
	}
}

// Available reports whether a buffered frame is pending
func (d *Driver) Available() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return can.BufferNone, gwerrors.NewConflictError("can controller", "not connected")
	}
	if len(d.rx) > 0 {
		return can.Buffer0, nil
	}
	return can.BufferNone, nil
}

// ReadFrame pops the oldest buffered frame
func (d *Driver) ReadFrame(int) (can.Frame, error) {
	d.mu.Lock()
	rx, connected := d.rx, d.connected
	d.mu.Unlock()

	if !connected {
		return can.Frame{}, gwerrors.NewConflictError("can controller", "not connected")
	}
	select {
	case frame := <-rx:
		return frame, nil
	default:
		return can.Frame{}, gwerrors.NewTransportError("can read",
			fmt.Errorf("no frame pending"), gwerrors.TransportBusError, d.iface)
	}
}

// SendFrame publishes one frame to the socket
func (d *Driver) SendFrame(frame can.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	bus, connected := d.bus, d.connected
	d.mu.Unlock()

	if !connected {
		return gwerrors.NewConflictError("can controller", "not connected")
	}

	id := frame.ID
	if frame.Extended {
		id |= flagExtended
	}
	if frame.RTR {
		id |= flagRTR
	}
	var data [8]uint8
	copy(data[:], frame.Data)

	if err := bus.Publish(sockcan.Frame{ID: id, Length: frame.DLC, Data: data}); err != nil {
		return gwerrors.NewTransportError("can send", err, gwerrors.TransportBusError, d.iface)
	}
	return nil
}

// Probe checks that the network interface exists and is up
func (d *Driver) Probe() error {
	ifi, err := net.InterfaceByName(d.iface)
	if err != nil {
		return gwerrors.NewTransportError("interface probe", err, gwerrors.TransportBusError, d.iface)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return gwerrors.NewTransportError("interface probe",
			fmt.Errorf("interface %s is down", d.iface), gwerrors.TransportBusError, d.iface)
	}
	return nil
}

// Status reports what the kernel interface exposes. Error counters live
// in the kernel on this transport, so only liveness and overflow are
// filled in.
func (d *Driver) Status() (can.ControllerStatus, error) {
	d.mu.Lock()
	connected, dropped := d.connected, d.dropped
	d.mu.Unlock()

	status := can.ControllerStatus{Transport: "socketcan", Mode: "disconnected"}
	if connected {
		status.Mode = "normal"
		status.RxOverflow = dropped > 0
	}
	return status, nil
}
