package modbus

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"efio-gateway/pkg/config"
)

// serialTimeout bounds one request/response exchange on the wire
const serialTimeout = time.Second

// Client is the narrow read/write surface of an RTU session. It is a
// subset of the goburrow client, which lets tests script responses
// without a serial port.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// session is one live serial connection to a slave. SetSlave retargets
// the session, which the scanner uses to probe a whole ID range over a
// single open port.
type session interface {
	Client
	SetSlave(id byte)
	Close() error
}

// serialParams carries the wire settings for one session
type serialParams struct {
	Port     string // token, e.g. ttyS2
	Baudrate int
	Parity   string
	StopBits int
	SlaveID  byte
}

func deviceParams(dev config.ModbusDevice) serialParams {
	return serialParams{
		Port:     dev.Port,
		Baudrate: dev.Baudrate,
		Parity:   dev.Parity,
		StopBits: dev.StopBits,
		SlaveID:  dev.SlaveID,
	}
}

// rtuSession binds a goburrow RTU handler to the client built on it
type rtuSession struct {
	handler *modbus.RTUClientHandler
	Client
}

func (s *rtuSession) SetSlave(id byte) { s.handler.SlaveId = id }
func (s *rtuSession) Close() error     { return s.handler.Close() }

// openSession opens the serial port with the given wire settings.
// Replaced in tests to avoid touching real hardware.
var openSession = func(p serialParams) (session, error) {
	handler := modbus.NewRTUClientHandler(config.PortDevice(p.Port))
	handler.BaudRate = p.Baudrate
	handler.DataBits = 8
	handler.Parity = p.Parity
	handler.StopBits = p.StopBits
	handler.SlaveId = p.SlaveID
	handler.Timeout = serialTimeout
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &rtuSession{handler: handler, Client: modbus.NewClient(handler)}, nil
}

// readSingle issues one wire read for a single address. Bit reads
// (FC1/FC2) yield 0 or 1, register reads (FC3/FC4) the 16-bit value.
func readSingle(c Client, address uint16, functionCode int) (int, error) {
	switch functionCode {
	case 1:
		res, err := c.ReadCoils(address, 1)
		if err != nil {
			return 0, err
		}
		if len(res) < 1 {
			return 0, fmt.Errorf("response length %d, want 1 byte", len(res))
		}
		return int(res[0] & 0x01), nil
	case 2:
		res, err := c.ReadDiscreteInputs(address, 1)
		if err != nil {
			return 0, err
		}
		if len(res) < 1 {
			return 0, fmt.Errorf("response length %d, want 1 byte", len(res))
		}
		return int(res[0] & 0x01), nil
	case 3:
		res, err := c.ReadHoldingRegisters(address, 1)
		if err != nil {
			return 0, err
		}
		if len(res) < 2 {
			return 0, fmt.Errorf("response length %d, want 2 bytes", len(res))
		}
		return int(binary.BigEndian.Uint16(res)), nil
	case 4:
		res, err := c.ReadInputRegisters(address, 1)
		if err != nil {
			return 0, err
		}
		if len(res) < 2 {
			return 0, fmt.Errorf("response length %d, want 2 bytes", len(res))
		}
		return int(binary.BigEndian.Uint16(res)), nil
	}
	return 0, fmt.Errorf("unsupported read function code %d", functionCode)
}

// writeSingle issues one wire write. FC5 drives a coil, where the
// protocol encodes ON as 0xFF00; FC6 writes a holding register.
func writeSingle(c Client, address uint16, value int, functionCode int) error {
	switch functionCode {
	case 5:
		coil := uint16(0x0000)
		if value != 0 {
			coil = 0xFF00
		}
		_, err := c.WriteSingleCoil(address, coil)
		return err
	case 6:
		_, err := c.WriteSingleRegister(address, uint16(value))
		return err
	}
	return fmt.Errorf("unsupported write function code %d", functionCode)
}
