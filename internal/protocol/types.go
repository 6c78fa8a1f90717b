// Package protocol defines the JSON frames exchanged with a PV monitor gateway.
// Both the stream client and the simulator speak it, so it has no dependencies
// on either side.
package protocol

import (
	"time"
)

// MessageType is the "type" discriminator carried by every frame.
type MessageType string

const (
	// client -> gateway
	MsgMonitor MessageType = "monitor"
	MsgClear   MessageType = "clear"
	MsgPing    MessageType = "ping"

	// gateway -> client
	MsgUpdate MessageType = "update"
	MsgInfo   MessageType = "info"
	MsgPong   MessageType = "pong"
)

// Frame is the envelope for all messages in both directions. Only the fields
// relevant to Type are populated.
type Frame struct {
	Type MessageType `json:"type"`
	PVs  []string    `json:"pvs,omitempty"`

	PV         string   `json:"pv,omitempty"`
	Value      *Value   `json:"value,omitempty"`
	Connected  *bool    `json:"connected,omitempty"`
	Datatype   string   `json:"datatype,omitempty"`
	Count      *int     `json:"count,omitempty"`
	EnumLabels []string `json:"enum-labels,omitempty"`
}

// Inbound is one of Update, Info or Pong.
type Inbound interface {
	inboundType() MessageType
}

// Update is a new value for a monitored PV. Timestamp is assigned by the
// receiver, not taken from the payload.
type Update struct {
	PV        string
	Value     Value
	Timestamp time.Time
}

// Info reports connectivity and metadata for a PV. Datatype, Count and
// EnumLabels are only meaningful when Connected is true; EnumLabels is nil
// unless the gateway sent labels.
type Info struct {
	PV         string
	Connected  bool
	Datatype   string
	Count      int
	EnumLabels []string
}

// Pong is the gateway's reply to a ping.
type Pong struct{}

func (Update) inboundType() MessageType { return MsgUpdate }
func (Info) inboundType() MessageType   { return MsgInfo }
func (Pong) inboundType() MessageType   { return MsgPong }

// Inbound converts the frame into its typed form. The second return value is
// false for frame types a client does not act on.
func (f Frame) Inbound(receivedAt time.Time) (Inbound, bool) {
	switch f.Type {
	case MsgUpdate:
		u := Update{PV: f.PV, Timestamp: receivedAt}
		if f.Value != nil {
			u.Value = *f.Value
		}
		return u, true
	case MsgInfo:
		info := Info{
			PV:         f.PV,
			Datatype:   f.Datatype,
			EnumLabels: f.EnumLabels,
		}
		if f.Connected != nil {
			info.Connected = *f.Connected
		}
		if f.Count != nil {
			info.Count = *f.Count
		}
		return info, true
	case MsgPong:
		return Pong{}, true
	}
	return nil, false
}

// UpdateFrame builds the frame a gateway sends for a value change.
func UpdateFrame(pv string, v Value) Frame {
	return Frame{Type: MsgUpdate, PV: pv, Value: &v}
}

// InfoFrame builds the frame a gateway sends after a PV is registered. For a
// disconnected PV only the connected flag is sent.
func InfoFrame(info Info) Frame {
	connected := info.Connected
	f := Frame{Type: MsgInfo, PV: info.PV, Connected: &connected}
	if !connected {
		return f
	}
	count := info.Count
	f.Datatype = info.Datatype
	f.Count = &count
	f.EnumLabels = info.EnumLabels
	return f
}

// IsNumericType reports whether values of the given channel datatype are sent
// as JSON numbers.
func IsNumericType(datatype string) bool {
	switch datatype {
	case "DBR_DOUBLE", "DBR_FLOAT", "DBR_INT", "DBR_SHORT", "DBR_BYTE":
		return true
	}
	return false
}
