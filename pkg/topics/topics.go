package topics

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix is the root namespace for every topic the daemon publishes or
// subscribes to. Channel numbers on the wire are 1-based (di/1..di/4),
// while the rest of the daemon indexes channels from 0.
const Prefix = "edgeforce"

// Wildcard matches every topic under the daemon namespace.
// The shared client subscribes once to this and dispatches internally.
const Wildcard = Prefix + "/#"

// DigitalInput builds the retained state topic for a digital input channel.
// Pattern: edgeforce/io/di/{n} with n in 1..4
func DigitalInput(channel int) string {
	return fmt.Sprintf("%s/io/di/%d", Prefix, channel+1)
}

// DigitalOutput builds the retained state topic for a digital output channel.
// Pattern: edgeforce/io/do/{n} with n in 1..4
func DigitalOutput(channel int) string {
	return fmt.Sprintf("%s/io/do/%d", Prefix, channel+1)
}

// DigitalOutputSet builds the command topic for a digital output channel.
// Pattern: edgeforce/io/do/{n}/set with n in 1..4
func DigitalOutputSet(channel int) string {
	return fmt.Sprintf("%s/io/do/%d/set", Prefix, channel+1)
}

// System builds a system telemetry topic (cpu, ram, temp, uptime).
// Pattern: edgeforce/system/{metric}
func System(metric string) string {
	return fmt.Sprintf("%s/system/%s", Prefix, metric)
}

// ParseDigitalOutputSet extracts the 0-based channel from a DO command
// topic. Returns the channel and true when the topic matches
// edgeforce/io/do/{n}/set with n in 1..4, and -1 and false otherwise.
func ParseDigitalOutputSet(topic string) (int, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return -1, false
	}
	if parts[0] != Prefix || parts[1] != "io" || parts[2] != "do" || parts[4] != "set" {
		return -1, false
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n < 1 || n > 4 {
		return -1, false
	}
	return n - 1, true
}

// ParseDigitalInput extracts the 0-based channel from a DI state topic.
// Returns the channel and true when the topic matches edgeforce/io/di/{n}.
func ParseDigitalInput(topic string) (int, bool) {
	return parseIOState(topic, "di")
}

// ParseDigitalOutput extracts the 0-based channel from a DO state topic.
// Returns the channel and true when the topic matches edgeforce/io/do/{n}.
func ParseDigitalOutput(topic string) (int, bool) {
	return parseIOState(topic, "do")
}

func parseIOState(topic, kind string) (int, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return -1, false
	}
	if parts[0] != Prefix || parts[1] != "io" || parts[2] != kind {
		return -1, false
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n < 1 || n > 4 {
		return -1, false
	}
	return n - 1, true
}
