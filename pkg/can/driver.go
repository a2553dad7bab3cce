package can

import (
	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
)

// RX buffer designators returned by Driver.Available
const (
	BufferNone = 0
	Buffer0    = 1
	Buffer1    = 2
)

// ControllerStatus is a transport-agnostic snapshot of the controller.
type ControllerStatus struct {
	Transport     string `json:"transport"`
	Mode          string `json:"mode"`
	TxErrorCount  int    `json:"tx_error_count"`
	RxErrorCount  int    `json:"rx_error_count"`
	ErrorWarning  bool   `json:"error_warning"`
	ErrorPassive  bool   `json:"error_passive"`
	BusOff        bool   `json:"bus_off"`
	RxOverflow    bool   `json:"rx_overflow"`
	InterruptFlag byte   `json:"interrupt_flags"`
}

// Driver is the controller-side contract the manager drives. Implementations
// are polled: Available reports which RX buffer holds a frame, ReadFrame
// drains it, Probe is the cheap hardware health check behind the breaker.
type Driver interface {
	Connect() error
	Disconnect() error
	Available() (int, error)
	ReadFrame(buffer int) (Frame, error)
	SendFrame(frame Frame) error
	Probe() error
	Status() (ControllerStatus, error)
	Name() string
}

// DriverFactory builds a Driver for one controller configuration
type DriverFactory func(cfg config.CANConfig) (Driver, error)

// transportRegistry is filled by driver packages in their init functions
var transportRegistry = make(map[string]DriverFactory)

// RegisterTransport registers a named driver constructor. Call it from an
// init function of the transport package.
func RegisterTransport(transport string, factory DriverFactory) {
	transportRegistry[transport] = factory
}

// NewDriver dispatches on controller.transport ("mcp2515" by default)
func NewDriver(cfg config.CANConfig) (Driver, error) {
	transport := cfg.Controller.Transport
	if transport == "" {
		transport = "mcp2515"
	}
	factory, ok := transportRegistry[transport]
	if !ok {
		return nil, gwerrors.NewValidationError("controller.transport", "registered transport", transport)
	}
	return factory(cfg)
}
