package mcp2515

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"efio-gateway/pkg/can"
	"efio-gateway/pkg/config"
	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
)

func init() {
	can.RegisterTransport("mcp2515", New)
}

// Conn is the SPI transfer surface the driver needs. periph.io's spi.Conn
// satisfies it; tests substitute a scripted double.
type Conn interface {
	Tx(w, r []byte) error
}

const (
	modeAttempts = 3
	resetSettle  = 10 * time.Millisecond
	modeSettle   = 10 * time.Millisecond
	txTimeout    = 100 * time.Millisecond
	txPollDelay  = time.Millisecond
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

// Driver talks to one MCP2515 on one SPI chip select. All SPI traffic is
// serialized through the driver's mutex; the bus is exclusively ours.
type Driver struct {
	cfg     config.CANController
	filters []config.CANFilter

	mu        sync.Mutex
	port      spi.PortCloser
	conn      Conn
	connected bool
	bitrate   int // rate actually programmed, after nearest-rate fallback
}

// New builds a driver from the controller configuration. The SPI port is
// opened on Connect, not here.
func New(cfg config.CANConfig) (can.Driver, error) {
	return newDriver(cfg), nil
}

// NewWithConn builds a driver on an already-open SPI connection. The caller
// keeps ownership of the connection's lifecycle.
func NewWithConn(cfg config.CANConfig, conn Conn) *Driver {
	d := newDriver(cfg)
	d.conn = conn
	return d
}

func newDriver(cfg config.CANConfig) *Driver {
	ctrl := cfg.Controller
	if ctrl.SPISpeed == 0 {
		ctrl.SPISpeed = 1000000
	}
	if ctrl.Bitrate == 0 {
		ctrl.Bitrate = 125000
	}
	if ctrl.Crystal == 0 {
		ctrl.Crystal = 8000000
	}
	return &Driver{cfg: ctrl, filters: cfg.Filters}
}

// Name identifies the transport
func (d *Driver) Name() string {
	return "mcp2515"
}

// Bitrate reports the rate actually programmed into the CNF registers
func (d *Driver) Bitrate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bitrate == 0 {
		return d.cfg.Bitrate
	}
	return d.bitrate
}

func (d *Driver) target() string {
	return fmt.Sprintf("SPI%d.%d", d.cfg.SPIBus, d.cfg.SPIDevice)
}

// Connect opens the SPI port (when not injected) and brings the controller
// up: reset, bit timing, acceptance filters, interrupts, operating mode.
func (d *Driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return gwerrors.NewConflictError("can controller", "already connected")
	}

	if d.conn == nil {
		if err := initHost(); err != nil {
			return gwerrors.NewTransportError("host init", err, gwerrors.TransportSPIError, d.target())
		}
		port, err := spireg.Open(d.target())
		if err != nil {
			return gwerrors.NewTransportError("spi open", err, gwerrors.TransportSPIError, d.target())
		}
		conn, err := port.Connect(physic.Frequency(d.cfg.SPISpeed)*physic.Hertz, spi.Mode0, 8)
		if err != nil {
			port.Close()
			return gwerrors.NewTransportError("spi connect", err, gwerrors.TransportSPIError, d.target())
		}
		d.port = port
		d.conn = conn
	}

	logger.LogInfo("🔧 MCP2515 on %s: SPI %.1f MHz, crystal %d MHz",
		d.target(), float64(d.cfg.SPISpeed)/1e6, d.cfg.Crystal/1000000)

	if err := d.initController(); err != nil {
		d.releasePort()
		return err
	}

	d.connected = true
	return nil
}

// Disconnect releases the SPI port. Injected connections are left open.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	d.releasePort()
	logger.LogInfo("🔌 MCP2515 on %s disconnected", d.target())
	return nil
}

func (d *Driver) releasePort() {
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			logger.LogWarn("⚠️  SPI port close failed: %v", err)
		}
		d.port = nil
		d.conn = nil
	}
}

// initController runs the power-up sequence with the mutex held
func (d *Driver) initController() error {
	if err := d.reset(); err != nil {
		return err
	}

	if err := d.setMode(modeConfig); err != nil {
		return err
	}

	if err := d.writeTiming(); err != nil {
		return err
	}

	if err := d.programFilters(); err != nil {
		return err
	}

	if err := d.writeRegister(RegCANINTE, intRX0IF|intRX1IF); err != nil {
		return err
	}
	if err := d.writeRegister(RegCANINTF, 0x00); err != nil {
		return err
	}

	target, ok := modeValue(d.cfg.Mode)
	if !ok {
		return gwerrors.NewValidationError("controller.mode", "normal, loopback or listen-only", d.cfg.Mode)
	}
	return d.setMode(target)
}

func (d *Driver) reset() error {
	if _, err := d.transfer([]byte{cmdReset}); err != nil {
		return err
	}
	time.Sleep(resetSettle)
	return nil
}

// setMode requests an operating mode and poll-verifies CANSTAT, retrying
// up to modeAttempts times.
func (d *Driver) setMode(mode byte) error {
	for attempt := 1; attempt <= modeAttempts; attempt++ {
		if err := d.bitModify(RegCANCTRL, modeMask, mode); err != nil {
			return err
		}
		time.Sleep(modeSettle)

		current, err := d.readRegister(RegCANSTAT)
		if err != nil {
			return err
		}
		if current&modeMask == mode {
			logger.LogDebug("✅ MCP2515 mode: %s", modeName(mode))
			return nil
		}
		logger.LogWarn("⚠️  MCP2515 mode change to %s not confirmed (CANSTAT 0x%02X), attempt %d/%d",
			modeName(mode), current, attempt, modeAttempts)
	}
	return gwerrors.NewTransportError(
		fmt.Sprintf("set mode %s", modeName(mode)),
		fmt.Errorf("mode not confirmed after %d attempts", modeAttempts),
		gwerrors.TransportSPIError, d.target())
}

// writeTiming programs CNF1..CNF3 for the configured bitrate and verifies
// the words by read-back. Must be in config mode.
func (d *Driver) writeTiming() error {
	cnf, actual := TimingFor(d.cfg.Crystal, d.cfg.Bitrate)
	if actual != d.cfg.Bitrate {
		logger.LogWarn("⚠️  Bitrate %d bps not supported with %d MHz crystal, using closest %d bps",
			d.cfg.Bitrate, d.cfg.Crystal/1000000, actual)
	}
	d.bitrate = actual

	if err := d.writeRegister(regCNF1, cnf[0]); err != nil {
		return err
	}
	if err := d.writeRegister(regCNF2, cnf[1]); err != nil {
		return err
	}
	if err := d.writeRegister(regCNF3, cnf[2]); err != nil {
		return err
	}

	got, err := d.readRegisters(regCNF3, 3) // CNF3, CNF2, CNF1 are consecutive
	if err != nil {
		return err
	}
	if got[2] != cnf[0] || got[1] != cnf[1] || got[0] != cnf[2] {
		return gwerrors.NewTransportError("cnf verify",
			fmt.Errorf("wrote [%02X %02X %02X], read back [%02X %02X %02X]",
				cnf[0], cnf[1], cnf[2], got[2], got[1], got[0]),
			gwerrors.TransportSPIError, d.target())
	}

	logger.LogInfo("✅ MCP2515 bitrate %d bps (CNF [0x%02X 0x%02X 0x%02X])", actual, cnf[0], cnf[1], cnf[2])
	return nil
}

// programFilters writes the acceptance filters while in config mode. An
// empty filter list turns filtering off entirely (receive-all).
func (d *Driver) programFilters() error {
	if len(d.filters) == 0 {
		if err := d.writeRegister(regRXB0CTRL, rxbReceiveAll); err != nil {
			return err
		}
		return d.writeRegister(regRXB1CTRL, rxbReceiveAll)
	}

	filters := d.filters
	if len(filters) > len(regRXF) {
		logger.LogWarn("⚠️  MCP2515 supports %d acceptance filters, ignoring %d extra",
			len(regRXF), len(filters)-len(regRXF))
		filters = filters[:len(regRXF)]
	}

	for i, f := range filters {
		sidh, sidl, eid8, eid0 := packID(f.ID, f.Extended, true)
		if err := d.writeRegisters(regRXF[i], sidh, sidl, eid8, eid0); err != nil {
			return err
		}

		// RXM0 covers filters 0-1 (buffer 0), RXM1 covers 2-5 (buffer 1).
		maskReg := regRXM[0]
		if i >= 2 {
			maskReg = regRXM[1]
		}
		sidh, sidl, eid8, eid0 = packID(f.Mask, f.Extended, false)
		if err := d.writeRegisters(maskReg, sidh, sidl, eid8, eid0); err != nil {
			return err
		}
	}

	if err := d.writeRegister(regRXB0CTRL, rxbReceiveFiltered); err != nil {
		return err
	}
	if err := d.writeRegister(regRXB1CTRL, rxbReceiveFiltered); err != nil {
		return err
	}

	logger.LogInfo("✅ MCP2515 programmed %d acceptance filter(s)", len(filters))
	return nil
}

// Available reports which RX buffer holds a pending frame
func (d *Driver) Available() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return can.BufferNone, gwerrors.NewConflictError("can controller", "not connected")
	}

	intf, err := d.readRegister(RegCANINTF)
	if err != nil {
		return can.BufferNone, err
	}
	switch {
	case intf&intRX0IF != 0:
		return can.Buffer0, nil
	case intf&intRX1IF != 0:
		return can.Buffer1, nil
	default:
		return can.BufferNone, nil
	}
}

// ReadFrame drains one frame from the given RX buffer and clears its
// interrupt flag.
func (d *Driver) ReadFrame(buffer int) (can.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return can.Frame{}, gwerrors.NewConflictError("can controller", "not connected")
	}

	sidhReg, intfBit := regRXB0SIDH, intRX0IF
	if buffer == can.Buffer1 {
		sidhReg, intfBit = regRXB1SIDH, intRX1IF
	}

	// SIDH, SIDL, EID8, EID0, DLC are consecutive
	hdr, err := d.readRegisters(sidhReg, 5)
	if err != nil {
		return can.Frame{}, err
	}

	id, extended := unpackID(hdr[0], hdr[1], hdr[2], hdr[3])
	rtr := hdr[4]&dlcRTR != 0
	dlc := hdr[4] & 0x0F
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}

	frame := can.Frame{ID: id, Extended: extended, RTR: rtr, DLC: dlc}
	if !rtr && dlc > 0 {
		data, err := d.readRegisters(sidhReg+5, int(dlc))
		if err != nil {
			return can.Frame{}, err
		}
		frame.Data = data
	}

	if err := d.bitModify(RegCANINTF, intfBit, 0x00); err != nil {
		return can.Frame{}, err
	}
	return frame, nil
}

// SendFrame loads the first free TX buffer and requests transmission,
// waiting for the controller to confirm or flag an error.
func (d *Driver) SendFrame(frame can.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return gwerrors.NewConflictError("can controller", "not connected")
	}

	status, err := d.readStatus()
	if err != nil {
		return err
	}

	var ctrlReg byte
	var txbuf uint
	switch {
	case status&0x04 == 0:
		ctrlReg, txbuf = regTXB0CTRL, 0
	case status&0x10 == 0:
		ctrlReg, txbuf = regTXB1CTRL, 1
	case status&0x40 == 0:
		ctrlReg, txbuf = regTXB2CTRL, 2
	default:
		return gwerrors.NewTransportError("can send",
			fmt.Errorf("all TX buffers busy"), gwerrors.TransportSPIError, d.target())
	}

	sidh, sidl, eid8, eid0 := packID(frame.ID, frame.Extended, true)
	if err := d.writeRegisters(ctrlReg+1, sidh, sidl, eid8, eid0); err != nil {
		return err
	}

	dlc := frame.DLC & 0x0F
	if frame.RTR {
		dlc |= dlcRTR
	}
	if err := d.writeRegister(ctrlReg+5, dlc); err != nil {
		return err
	}
	if !frame.RTR && len(frame.Data) > 0 {
		if err := d.writeRegisters(ctrlReg+6, frame.Data...); err != nil {
			return err
		}
	}

	if _, err := d.transfer([]byte{cmdRTS | byte(1<<txbuf)}); err != nil {
		return err
	}

	deadline := time.Now().Add(txTimeout)
	for {
		ctrl, err := d.readRegister(ctrlReg)
		if err != nil {
			return err
		}
		if ctrl&txbTXREQ == 0 {
			if ctrl&txbErrs != 0 {
				return gwerrors.NewTransportError("can send",
					fmt.Errorf("transmission error, TXB%dCTRL=0x%02X", txbuf, ctrl),
					gwerrors.TransportSPIError, d.target())
			}
			return nil
		}
		if time.Now().After(deadline) {
			return gwerrors.NewTimeoutError("can send", txTimeout.String())
		}
		time.Sleep(txPollDelay)
	}
}

// Probe is the hardware health check: a CANSTAT read must answer
func (d *Driver) Probe() error {
	_, err := d.ReadRegister(RegCANSTAT)
	return err
}

// ReadRegister reads one register; exposed for health probes and
// diagnostics.
func (d *Driver) ReadRegister(addr byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return 0, gwerrors.NewConflictError("can controller", "not connected")
	}
	return d.readRegister(addr)
}

// Status decodes the controller's error and mode registers
func (d *Driver) Status() (can.ControllerStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return can.ControllerStatus{Transport: "mcp2515", Mode: "disconnected"}, nil
	}

	canstat, err := d.readRegister(RegCANSTAT)
	if err != nil {
		return can.ControllerStatus{}, err
	}
	tec, err := d.readRegister(RegTEC)
	if err != nil {
		return can.ControllerStatus{}, err
	}
	rec, err := d.readRegister(RegREC)
	if err != nil {
		return can.ControllerStatus{}, err
	}
	eflg, err := d.readRegister(RegEFLG)
	if err != nil {
		return can.ControllerStatus{}, err
	}
	intf, err := d.readRegister(RegCANINTF)
	if err != nil {
		return can.ControllerStatus{}, err
	}

	return can.ControllerStatus{
		Transport:     "mcp2515",
		Mode:          modeName(canstat),
		TxErrorCount:  int(tec),
		RxErrorCount:  int(rec),
		ErrorWarning:  eflg&eflgEWARN != 0,
		ErrorPassive:  eflg&(eflgTXEP|eflgRXEP) != 0,
		BusOff:        eflg&eflgTXBO != 0,
		RxOverflow:    eflg&(eflgRX0OVR|eflgRX1OVR) != 0,
		InterruptFlag: intf,
	}, nil
}

// ClearRXOverflow clears the RX overflow flags in EFLG
func (d *Driver) ClearRXOverflow() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return gwerrors.NewConflictError("can controller", "not connected")
	}
	return d.bitModify(RegEFLG, eflgRX0OVR|eflgRX1OVR, 0x00)
}

// ---- raw SPI conversation, caller holds d.mu ----

func (d *Driver) transfer(w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	if err := d.conn.Tx(w, r); err != nil {
		return nil, gwerrors.NewTransportError("spi transfer", err, gwerrors.ClassifySPI(err), d.target())
	}
	return r, nil
}

func (d *Driver) readRegister(addr byte) (byte, error) {
	r, err := d.transfer([]byte{cmdRead, addr, 0x00})
	if err != nil {
		return 0, err
	}
	return r[2], nil
}

// readRegisters reads count consecutive registers using auto-increment
func (d *Driver) readRegisters(addr byte, count int) ([]byte, error) {
	w := make([]byte, 2+count)
	w[0] = cmdRead
	w[1] = addr
	r, err := d.transfer(w)
	if err != nil {
		return nil, err
	}
	return r[2:], nil
}

func (d *Driver) writeRegister(addr, value byte) error {
	_, err := d.transfer([]byte{cmdWrite, addr, value})
	return err
}

// writeRegisters writes consecutive registers using auto-increment
func (d *Driver) writeRegisters(addr byte, values ...byte) error {
	w := append([]byte{cmdWrite, addr}, values...)
	_, err := d.transfer(w)
	return err
}

func (d *Driver) bitModify(addr, mask, value byte) error {
	_, err := d.transfer([]byte{cmdBitModify, addr, mask, value})
	return err
}

func (d *Driver) readStatus() (byte, error) {
	r, err := d.transfer([]byte{cmdReadStatus, 0x00})
	if err != nil {
		return 0, err
	}
	return r[1], nil
}

// ---- identifier packing ----

// packID splits an identifier into the SIDH/SIDL/EID8/EID0 register layout.
// setEXIDE marks the extended-frame bit used by TX buffers and acceptance
// filters; masks leave it clear.
func packID(id uint32, extended, setEXIDE bool) (sidh, sidl, eid8, eid0 byte) {
	if extended {
		sidh = byte(id >> 21)
		sidl = byte((id>>13)&0xE0 | (id>>16)&0x03)
		if setEXIDE {
			sidl |= 0x08
		}
		eid8 = byte(id >> 8)
		eid0 = byte(id)
		return
	}
	sidh = byte(id >> 3)
	sidl = byte(id<<5) & 0xE0
	return
}

// unpackID reassembles an identifier from the RX buffer register layout
func unpackID(sidh, sidl, eid8, eid0 byte) (uint32, bool) {
	if sidl&0x08 != 0 {
		id := uint32(sidh)<<21 |
			uint32(sidl&0xE0)<<13 |
			uint32(sidl&0x03)<<16 |
			uint32(eid8)<<8 |
			uint32(eid0)
		return id, true
	}
	return uint32(sidh)<<3 | uint32(sidl)>>5, false
}
