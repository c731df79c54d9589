// Package mqtt connects the relay to an MQTT broker.
//
// The broker is an optional side channel. When mqtt.enabled is set the
// relay mirrors device lifecycle and status events onto
// <prefix>/device/<name>/{lifecycle,status}, accepts controller commands on
// <prefix>/command and answers on <prefix>/command/result. A retained
// <prefix>/system/status message, backed by a Last Will, tells subscribers
// whether the relay is online.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.CommandRequest(), client.QoS(),
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
//
// Connect returns ErrDisabled when the section is switched off, which
// callers treat as "run without MQTT".
package mqtt
