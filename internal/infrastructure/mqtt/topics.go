package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when mqtt.topic_prefix is empty.
const DefaultTopicPrefix = "wemos"

// Topics builds the relay's MQTT topic names under a configurable prefix.
//
//	topics := mqtt.NewTopics("wemos")
//	topics.DeviceLifecycle("kitchen-relay") // wemos/device/kitchen-relay/lifecycle
type Topics struct {
	prefix string
}

// NewTopics returns topic builders rooted at prefix. Trailing slashes are
// trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root all topics share.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// DeviceLifecycle carries CONNECTED, REJECTED and DISCONNECTED events.
//
// Example: wemos/device/kitchen-relay/lifecycle
func (t Topics) DeviceLifecycle(deviceName string) string {
	return fmt.Sprintf("%s/device/%s/lifecycle", t.Prefix(), Segment(deviceName))
}

// DeviceStatus carries status frames relayed from a device.
//
// Example: wemos/device/kitchen-relay/status
func (t Topics) DeviceStatus(deviceName string) string {
	return fmt.Sprintf("%s/device/%s/status", t.Prefix(), Segment(deviceName))
}

// CommandRequest is where controllers publish commands for the relay.
//
// Example: wemos/command
func (t Topics) CommandRequest() string {
	return t.Prefix() + "/command"
}

// CommandResult is where the relay publishes the outcome of each command.
//
// Example: wemos/command/result
func (t Topics) CommandResult() string {
	return t.Prefix() + "/command/result"
}

// SystemStatus carries the relay's retained online/offline status and LWT.
//
// Example: wemos/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix() + "/system/status"
}

// AllDeviceLifecycle matches every device's lifecycle topic.
//
// Pattern: wemos/device/+/lifecycle
func (t Topics) AllDeviceLifecycle() string {
	return t.Prefix() + "/device/+/lifecycle"
}

// AllDeviceStatus matches every device's status topic.
//
// Pattern: wemos/device/+/status
func (t Topics) AllDeviceStatus() string {
	return t.Prefix() + "/device/+/status"
}

// Segment makes a device name safe to use as one topic level. Separators
// and wildcards are replaced with underscores, and an empty name becomes
// "_".
func Segment(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, name)
}
