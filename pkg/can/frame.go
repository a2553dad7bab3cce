package can

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gwerrors "efio-gateway/pkg/errors"
)

// Identifier bounds per CAN 2.0A/B
const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
	MaxDLC               = 8
)

// Frame is one CAN 2.0A/B message as it crosses the wire.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	DLC      uint8
	Data     []byte
}

// NewFrame builds a data frame from raw bytes
func NewFrame(id uint32, data []byte, extended bool) Frame {
	return Frame{
		ID:       id,
		Extended: extended,
		DLC:      uint8(len(data)),
		Data:     data,
	}
}

// Validate checks the frame against the wire-level bounds
func (f Frame) Validate() error {
	if len(f.Data) > MaxDLC {
		return gwerrors.NewValidationError("data", "at most 8 bytes", len(f.Data))
	}
	if f.DLC > MaxDLC {
		return gwerrors.NewValidationError("dlc", "0..8", f.DLC)
	}
	limit := MaxStandardID
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return gwerrors.NewValidationError("can_id", fmt.Sprintf("<= 0x%X", limit), fmt.Sprintf("0x%X", f.ID))
	}
	return nil
}

// IDString formats the identifier the way bus tooling prints it
func (f Frame) IDString() string {
	return fmt.Sprintf("0x%03X", f.ID)
}

// DataHex returns the payload as one concatenated uppercase hex string,
// the unit of change detection in the CAN bridge.
func (f Frame) DataHex() string {
	var b strings.Builder
	for _, v := range f.Data {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// Direction marks which way a logged message crossed the controller
type Direction string

const (
	DirectionRX Direction = "RX"
	DirectionTX Direction = "TX"
)

// Message is a timestamped frame as recorded in the bounded log and
// delivered to fan-out subscribers.
type Message struct {
	Frame     Frame
	Direction Direction
	Timestamp time.Time
	Device    string // owning device name when known
}

// MarshalJSON emits the log-entry shape consumed by the API and the
// bridges: data as a plain integer array rather than base64.
func (m Message) MarshalJSON() ([]byte, error) {
	data := make([]int, len(m.Frame.Data))
	for i, v := range m.Frame.Data {
		data[i] = int(v)
	}
	return json.Marshal(struct {
		Timestamp time.Time `json:"timestamp"`
		Direction Direction `json:"direction"`
		CANID     uint32    `json:"can_id"`
		DLC       uint8     `json:"dlc"`
		Data      []int     `json:"data"`
		Extended  bool      `json:"extended"`
		RTR       bool      `json:"rtr,omitempty"`
		Device    string    `json:"device_name,omitempty"`
	}{
		Timestamp: m.Timestamp,
		Direction: m.Direction,
		CANID:     m.Frame.ID,
		DLC:       m.Frame.DLC,
		Data:      data,
		Extended:  m.Frame.Extended,
		RTR:       m.Frame.RTR,
		Device:    m.Device,
	})
}
