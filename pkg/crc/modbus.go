package crc

import "fmt"

// CRC16 calculates the Modbus RTU CRC-16 checksum.
// Besides validating raw RTU frames in diagnostics, the same polynomial
// is used for config backup manifests so archives can be verified on
// restore without an extra hash dependency.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)

	for _, b := range data {
		crc ^= uint16(b)

		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}

// Sum16Hex returns the CRC16 of data as a fixed-width lowercase hex string.
// This is the format recorded in backup manifests.
func Sum16Hex(data []byte) string {
	return fmt.Sprintf("%04x", CRC16(data))
}

// VerifyHex reports whether data matches a recorded hex checksum.
// An empty recorded value is treated as "not checksummed" and passes.
func VerifyHex(data []byte, recorded string) bool {
	if recorded == "" {
		return true
	}
	return Sum16Hex(data) == recorded
}

// VerifyFrame verifies the trailing CRC16 of a raw Modbus RTU frame.
// The CRC is transmitted little-endian (low byte first).
func VerifyFrame(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}

	calculated := CRC16(frame[:len(frame)-2])
	received := uint16(frame[len(frame)-2]) | (uint16(frame[len(frame)-1]) << 8)

	return calculated == received
}
