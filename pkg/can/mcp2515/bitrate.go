package mcp2515

import "sort"

// Bit-timing words {CNF1, CNF2, CNF3} per bitrate, one table per crystal.
// Values are the Microchip reference configurations; do not derive them
// arithmetically, the sample-point placement matters.

var timings8MHz = map[int][3]byte{
	1000000: {0x00, 0x80, 0x80},
	500000:  {0x00, 0x90, 0x82},
	250000:  {0x00, 0xB1, 0x85},
	200000:  {0x00, 0xB4, 0x86},
	125000:  {0x01, 0xB1, 0x85},
	100000:  {0x01, 0xB4, 0x86},
	80000:   {0x01, 0xBF, 0x87},
	50000:   {0x03, 0xB4, 0x86},
	40000:   {0x03, 0xBF, 0x87},
	33333:   {0x47, 0xE2, 0x85},
	31250:   {0x07, 0xA4, 0x84},
	20000:   {0x07, 0xBF, 0x87},
	10000:   {0x0F, 0xBF, 0x87},
	5000:    {0x1F, 0xBF, 0x87},
}

var timings16MHz = map[int][3]byte{
	1000000: {0x00, 0xD0, 0x82},
	500000:  {0x00, 0xF0, 0x86},
	250000:  {0x41, 0xF1, 0x85},
	200000:  {0x01, 0xFA, 0x87},
	125000:  {0x03, 0xF0, 0x86},
	100000:  {0x03, 0xFA, 0x87},
	95000:   {0x03, 0xAD, 0x07},
	83333:   {0x03, 0xBE, 0x07},
	80000:   {0x03, 0xFF, 0x87},
	50000:   {0x07, 0xFA, 0x87},
	40000:   {0x07, 0xFF, 0x87},
	33333:   {0x4E, 0xF1, 0x85},
	20000:   {0x0F, 0xFF, 0x87},
	10000:   {0x1F, 0xFF, 0x87},
	5000:    {0x3F, 0xFF, 0x87},
}

var timings20MHz = map[int][3]byte{
	1000000: {0x00, 0xD9, 0x82},
	500000:  {0x00, 0xFA, 0x87},
	250000:  {0x41, 0xFB, 0x86},
	200000:  {0x01, 0xFF, 0x87},
	125000:  {0x03, 0xFA, 0x87},
	100000:  {0x04, 0xFA, 0x87},
	83333:   {0x04, 0xFE, 0x87},
	80000:   {0x04, 0xFF, 0x87},
	50000:   {0x09, 0xFA, 0x87},
	40000:   {0x09, 0xFF, 0x87},
	33333:   {0x0B, 0xFF, 0x87},
}

// timingTable selects the table for a crystal frequency, defaulting to
// 8 MHz for unknown crystals.
func timingTable(crystal int) (map[int][3]byte, string) {
	switch crystal {
	case 16000000:
		return timings16MHz, "16 MHz"
	case 20000000:
		return timings20MHz, "20 MHz"
	default:
		return timings8MHz, "8 MHz"
	}
}

// TimingFor returns the CNF words for the requested bitrate on the given
// crystal. Unsupported rates fall back to the numerically nearest supported
// rate; the second return value is the rate actually selected.
func TimingFor(crystal, bitrate int) ([3]byte, int) {
	table, _ := timingTable(crystal)
	if cnf, ok := table[bitrate]; ok {
		return cnf, bitrate
	}

	closest := 0
	for _, rate := range SupportedBitrates(crystal) {
		if closest == 0 || abs(rate-bitrate) < abs(closest-bitrate) {
			closest = rate
		}
	}
	return table[closest], closest
}

// SupportedBitrates lists the rates the crystal's table carries, ascending.
func SupportedBitrates(crystal int) []int {
	table, _ := timingTable(crystal)
	rates := make([]int, 0, len(table))
	for rate := range table {
		rates = append(rates, rate)
	}
	sort.Ints(rates)
	return rates
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
