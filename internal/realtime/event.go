// Package realtime provides the per-device fan-out channel: an in-process
// pub/sub hub with a bounded replay log so briefly-disconnected consumers can
// recover missed events by cursor. The hub is an optimization over the
// durable pending-tab queue, never the source of truth.
package realtime

import "encoding/json"

// EventTabNew is the user event carrying a newly queued tab.
const EventTabNew = "tab.new"

// Event is a user event published on a device channel. ID doubles as the
// replay cursor: it is monotonically increasing and string-comparable.
type Event struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// TabEvent is the payload carried by EventTabNew. It holds only sealed
// material; the server cannot read tab contents.
type TabEvent struct {
	ID              string `json:"id"`
	EncryptedData   string `json:"encryptedData"`
	SenderPublicKey string `json:"senderPublicKey"`
}

// SystemEvent is a connection-lifecycle message. Consumers route system
// events separately from user events and never surface them to application
// callbacks.
type SystemEvent struct {
	Type      string   `json:"type"` // connected, ping, error, disconnected
	Channel   string   `json:"channel,omitempty"`
	Cursor    string   `json:"cursor,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

const (
	SystemConnected    = "connected"
	SystemPing         = "ping"
	SystemError        = "error"
	SystemDisconnected = "disconnected"
)

// ChannelForDevice names the pub/sub channel scoped to one target device.
func ChannelForDevice(deviceID string) string {
	return "device-" + deviceID
}
