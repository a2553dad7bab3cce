// Package mcp2515 drives the Microchip MCP2515 stand-alone CAN controller
// over SPI. Register map and instruction set follow the MCP2515 datasheet
// (DS20001801); bit-timing words match the Microchip reference tables.
package mcp2515

// SPI instruction set
const (
	cmdReset        = 0xC0
	cmdRead         = 0x03
	cmdWrite        = 0x02
	cmdRTS          = 0x80 // OR with (1 << txbuf)
	cmdBitModify    = 0x05
	cmdReadStatus   = 0xA0
	cmdReadRXStatus = 0xB0
)

// Control and status registers. The handful the manager may probe through
// ReadRegister are exported.
const (
	RegCANSTAT byte = 0x0E
	RegCANCTRL byte = 0x0F
	RegTEC     byte = 0x1C
	RegREC     byte = 0x1D
	RegCANINTE byte = 0x2B
	RegCANINTF byte = 0x2C
	RegEFLG    byte = 0x2D

	regCNF3 byte = 0x28
	regCNF2 byte = 0x29
	regCNF1 byte = 0x2A
)

// TX buffer bases; SIDH = base+1, DLC = base+5, data = base+6
const (
	regTXB0CTRL byte = 0x30
	regTXB1CTRL byte = 0x40
	regTXB2CTRL byte = 0x50
)

// RX buffers
const (
	regRXB0CTRL byte = 0x60
	regRXB0SIDH byte = 0x61
	regRXB1CTRL byte = 0x70
	regRXB1SIDH byte = 0x71
)

// Acceptance filters and masks
var (
	regRXF = [6]byte{0x00, 0x04, 0x08, 0x10, 0x14, 0x18} // RXF0..RXF5
	regRXM = [2]byte{0x20, 0x24}                         // RXM0, RXM1
)

// Operating modes (CANCTRL/CANSTAT bits 7..5)
const (
	modeNormal     byte = 0x00
	modeSleep      byte = 0x20
	modeLoopback   byte = 0x40
	modeListenOnly byte = 0x60
	modeConfig     byte = 0x80
	modeMask       byte = 0xE0
)

// CANINTF / CANINTE bits
const (
	intRX0IF byte = 0x01
	intRX1IF byte = 0x02
)

// EFLG bits
const (
	eflgEWARN  byte = 0x01
	eflgRXWAR  byte = 0x02
	eflgTXWAR  byte = 0x04
	eflgRXEP   byte = 0x08
	eflgTXEP   byte = 0x10
	eflgTXBO   byte = 0x20
	eflgRX0OVR byte = 0x40
	eflgRX1OVR byte = 0x80
)

// TXBnCTRL bits
const (
	txbTXREQ byte = 0x08
	txbErrs  byte = 0x70 // ABTF | MLOA | TXERR
)

// RXBnCTRL receive modes
const (
	rxbReceiveAll      byte = 0x60 // mask/filters off
	rxbReceiveFiltered byte = 0x00 // mask/filters on
)

// dlcRTR flags a remote frame in the DLC byte
const dlcRTR byte = 0x40

func modeName(mode byte) string {
	switch mode & modeMask {
	case modeNormal:
		return "normal"
	case modeSleep:
		return "sleep"
	case modeLoopback:
		return "loopback"
	case modeListenOnly:
		return "listen-only"
	case modeConfig:
		return "config"
	default:
		return "unknown"
	}
}

func modeValue(name string) (byte, bool) {
	switch name {
	case "normal", "":
		return modeNormal, true
	case "sleep":
		return modeSleep, true
	case "loopback":
		return modeLoopback, true
	case "listen-only", "listen_only", "listen":
		return modeListenOnly, true
	case "config":
		return modeConfig, true
	default:
		return 0, false
	}
}
