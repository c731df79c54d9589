package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/mqtt"
)

const defaultQueueSize = 256

// LifecycleMessage is the MQTT body for a lifecycle or status event.
type LifecycleMessage struct {
	DeviceName string         `json:"deviceName"`
	Status     gateway.Status `json:"status"`
	Payload    any            `json:"payload,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Publisher mirrors gateway lifecycle events onto MQTT.
//
// STATUS events go to <prefix>/device/<name>/status. The other statuses go
// to <prefix>/device/<name>/lifecycle; CONNECTED and DISCONNECTED are
// retained so a new subscriber sees each device's last known state.
//
// Notify only enqueues. Run publishes in order and drains on cancel.
type Publisher struct {
	broker Broker
	topics mqtt.Topics
	qos    byte
	queue  chan gateway.LifecycleEvent
	logger Logger
}

// NewPublisher creates a Publisher. A non-positive size uses 256.
func NewPublisher(broker Broker, topics mqtt.Topics, qos byte, size int, logger Logger) *Publisher {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Publisher{
		broker: broker,
		topics: topics,
		qos:    qos,
		queue:  make(chan gateway.LifecycleEvent, size),
		logger: logger,
	}
}

// Notify implements gateway.Notifier.
func (p *Publisher) Notify(_ context.Context, ev gateway.LifecycleEvent) error {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("mqtt publish queue full, dropping event",
			"device", ev.DeviceName,
			"status", ev.Status,
		)
	}
	return nil
}

// Run publishes queued events until ctx is cancelled, then publishes what
// is left and returns.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(ev gateway.LifecycleEvent) {
	topic, retained := p.route(ev)
	body, err := encodeLifecycle(ev)
	if err != nil {
		p.logger.Error("encoding lifecycle message", "device", ev.DeviceName, "error", err)
		return
	}
	if err := p.broker.Publish(topic, body, p.qos, retained); err != nil {
		p.logger.Warn("mqtt lifecycle publish failed",
			"topic", topic,
			"status", ev.Status,
			"error", err,
		)
		return
	}
	p.logger.Debug("lifecycle event published", "topic", topic, "status", ev.Status)
}

func (p *Publisher) route(ev gateway.LifecycleEvent) (topic string, retained bool) {
	switch ev.Status {
	case gateway.StatusStatus:
		return p.topics.DeviceStatus(ev.DeviceName), false
	case gateway.StatusConnected, gateway.StatusDisconnected:
		return p.topics.DeviceLifecycle(ev.DeviceName), true
	default:
		return p.topics.DeviceLifecycle(ev.DeviceName), false
	}
}

func encodeLifecycle(ev gateway.LifecycleEvent) ([]byte, error) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	data, err := json.Marshal(LifecycleMessage{
		DeviceName: ev.DeviceName,
		Status:     ev.Status,
		Payload:    ev.Payload,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling lifecycle message: %w", err)
	}
	return data, nil
}
