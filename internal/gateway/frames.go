package gateway

import "encoding/json"

// Frame types exchanged with devices and observers.
const (
	FrameAuth    = "auth"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameCommand = "command"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Event types broadcast to observers.
const (
	EventDeviceConnected    = "device_connected"
	EventDeviceStatus       = "device_status"
	EventDeviceDisconnected = "device_disconnected"
	EventServerCommand      = "server_command"
)

// Actions sent to a device right after it authenticates.
const (
	ActionHardOn  = "HARD_ON"
	ActionHardOff = "HARD_OFF"
)

// MessageDeviceOffline is the error text observers receive when a command
// cannot reach its device.
const MessageDeviceOffline = "device offline"

// inboundFrame is the union of fields any client may send.
type inboundFrame struct {
	Type     string          `json:"type"`
	Username string          `json:"username,omitempty"`
	Password string          `json:"password,omitempty"`
	DeviceID string          `json:"deviceId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// parseFrame decodes a client frame. ok is false when data is not a JSON object.
func parseFrame(data []byte) (inboundFrame, bool) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, false
	}
	return f, true
}

// CommandFrame is written to a device.
type CommandFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// CommandAction is the payload of a controller-originated command.
type CommandAction struct {
	Action string `json:"action"`
}

// NewCommandFrame wraps an action string in a command frame.
func NewCommandFrame(action string) CommandFrame {
	return CommandFrame{Type: FrameCommand, Payload: CommandAction{Action: action}}
}

// AckFrame tells an observer its command was written to the device.
type AckFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// ErrorFrame tells an observer its request failed.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers a device ping.
type PongFrame struct {
	Type string `json:"type"`
}

// Event is broadcast to every observer.
type Event struct {
	Type     string   `json:"type"`
	DeviceID string   `json:"deviceId,omitempty"`
	Payload  any      `json:"payload,omitempty"`
	Command  string   `json:"command,omitempty"`
	Source   string   `json:"source,omitempty"`
	Targets  []string `json:"targets,omitempty"`
}

// statusPayload returns the device frame as structured JSON when it parses,
// or as a plain string when it does not.
func statusPayload(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(append([]byte(nil), data...))
	}
	return string(data)
}
