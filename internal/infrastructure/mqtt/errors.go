package mqtt

import "errors"

// Sentinels callers match with errors.Is.
var (
	// ErrDisabled is returned by Connect when mqtt.enabled is false; the
	// relay then runs without the MQTT mirror.
	ErrDisabled = errors.New("mqtt: mirror disabled")

	// ErrConnectionFailed wraps the broker's refusal or a connect timeout.
	ErrConnectionFailed = errors.New("mqtt: cannot reach broker")

	// ErrNotConnected is returned while the client is down or reconnecting.
	ErrNotConnected = errors.New("mqtt: not connected")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic, or for a publish
	// topic containing a wildcard.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
