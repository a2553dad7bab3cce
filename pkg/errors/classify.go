package errors

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ClassifySerial maps a raw serial/Modbus failure onto a transport kind.
// A deadline or missing reply is NoResponse; a malformed or exception reply
// is InvalidResponse; anything touching the port itself is SerialError.
func ClassifySerial(err error) TransportKind {
	if err == nil {
		return TransportSerialError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return TransportNoResponse
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "no response"):
		return TransportNoResponse
	case strings.Contains(msg, "crc") || strings.Contains(msg, "exception") ||
		strings.Contains(msg, "invalid") || strings.Contains(msg, "unexpected") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "length"):
		return TransportInvalidResponse
	default:
		return TransportSerialError
	}
}

// ClassifySPI maps a raw SPI failure onto a transport kind. SPI transfers
// either complete or fail at the bus level, so everything lands on SPIError.
func ClassifySPI(err error) TransportKind {
	return TransportSPIError
}

// baseOf digs the embedded GatewayError out of any taxonomy error.
func baseOf(err error) *GatewayError {
	var c interface{ base() *GatewayError }
	if errors.As(err, &c) {
		return c.base()
	}
	return nil
}

// IsRecoverable returns true if the error is recoverable
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if ge := baseOf(err); ge != nil {
		return ge.Severity != SeverityCritical
	}
	return true // Unknown errors are assumed recoverable
}

// GetDiagnosticCode extracts the diagnostic code from an error
func GetDiagnosticCode(err error) int {
	if err == nil {
		return 0
	}
	if ge := baseOf(err); ge != nil {
		return ge.Code
	}
	return 99 // Generic error code
}
