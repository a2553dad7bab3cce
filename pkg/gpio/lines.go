package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"efio-gateway/pkg/state"
)

// Pin assignments on the controller SoC. Inputs are opto-isolated and
// read with pull-downs; outputs drive the relay stage and come up low.
var (
	inputPins  = [state.NumChannels]string{"GPIO99", "GPIO58", "GPIO49", "GPIO98"}
	outputPins = [state.NumChannels]string{"GPIO56", "GPIO59", "GPIO60", "GPIO61"}
)

// periph host drivers are loaded once per process
var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// lines is the claimed hardware surface. The poll loop and output
// writes go through this seam, so tests can inject failures without a
// board attached.
type lines interface {
	ReadInputs() ([state.NumChannels]int, error)
	WriteOutput(channel, value int) error
	Close() error
}

type hostLines struct {
	in  [state.NumChannels]gpio.PinIO
	out [state.NumChannels]gpio.PinIO
}

// openLines claims every configured line. Replaced in tests.
var openLines = func() (lines, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("gpio host init: %w", err)
	}

	h := &hostLines{}
	for i, name := range inputPins {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("input pin %s not present", name)
		}
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("claim input %s: %w", name, err)
		}
		h.in[i] = pin
	}
	for i, name := range outputPins {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("output pin %s not present", name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("claim output %s: %w", name, err)
		}
		h.out[i] = pin
	}
	return h, nil
}

func (h *hostLines) ReadInputs() ([state.NumChannels]int, error) {
	var vals [state.NumChannels]int
	for i, pin := range h.in {
		if pin == nil {
			return vals, fmt.Errorf("input line %d not claimed", i)
		}
		if pin.Read() == gpio.High {
			vals[i] = 1
		}
	}
	return vals, nil
}

func (h *hostLines) WriteOutput(channel, value int) error {
	pin := h.out[channel]
	if pin == nil {
		return fmt.Errorf("output line %d not claimed", channel)
	}
	level := gpio.Low
	if value != 0 {
		level = gpio.High
	}
	return pin.Out(level)
}

// Close releases the claim. Outputs keep their last driven level so a
// daemon restart does not glitch the relay stage.
func (h *hostLines) Close() error {
	return nil
}
