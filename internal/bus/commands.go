package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/mqtt"
)

// defaultSource tags commands that arrive over MQTT without a source.
const defaultSource = "mqtt"

// Submitter routes a controller command. *gateway.Gateway satisfies it.
type Submitter interface {
	SubmitCommand(ctx context.Context, cmd gateway.ControllerCommand) gateway.CommandResult
}

// ResultMessage is published on <prefix>/command/result for every command
// message received.
type ResultMessage struct {
	RequestID string                `json:"requestId,omitempty"`
	Command   string                `json:"command,omitempty"`
	Source    string                `json:"source,omitempty"`
	Result    gateway.CommandResult `json:"result"`
}

// CommandListener feeds MQTT command messages into the gateway.
//
// A message has the POST /command body shape plus an optional requestId
// that is echoed back in the result for correlation.
type CommandListener struct {
	broker    Broker
	topics    mqtt.Topics
	qos       byte
	submitter Submitter
	logger    Logger

	mu       sync.Mutex
	ctx      context.Context
	started  bool
	onResult func(gateway.ControllerCommand, gateway.CommandResult)
}

// NewCommandListener creates a listener. Call Start to subscribe.
func NewCommandListener(broker Broker, topics mqtt.Topics, qos byte, submitter Submitter, logger Logger) *CommandListener {
	if logger == nil {
		logger = nopLogger{}
	}
	return &CommandListener{
		broker:    broker,
		topics:    topics,
		qos:       qos,
		submitter: submitter,
		logger:    logger,
		ctx:       context.Background(),
	}
}

// OnResult registers fn to observe every routed command and its result.
func (l *CommandListener) OnResult(fn func(gateway.ControllerCommand, gateway.CommandResult)) {
	l.mu.Lock()
	l.onResult = fn
	l.mu.Unlock()
}

// Start subscribes to the command topic. Commands are routed with ctx.
func (l *CommandListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.ctx = ctx
	l.started = true
	l.mu.Unlock()

	if err := l.broker.Subscribe(l.topics.CommandRequest(), l.qos, l.handle); err != nil {
		l.mu.Lock()
		l.started = false
		l.mu.Unlock()
		return fmt.Errorf("subscribing to command topic: %w", err)
	}
	return nil
}

// Stop unsubscribes from the command topic.
func (l *CommandListener) Stop() error {
	l.mu.Lock()
	started := l.started
	l.started = false
	l.mu.Unlock()

	if !started {
		return nil
	}
	return l.broker.Unsubscribe(l.topics.CommandRequest())
}

func (l *CommandListener) handle(_ string, payload []byte) error {
	var envelope struct {
		RequestID string `json:"requestId"`
		Source    string `json:"source"`
	}
	_ = json.Unmarshal(payload, &envelope)

	cmd, err := gateway.ParseControllerCommand(payload)
	if err != nil {
		l.publishResult(ResultMessage{
			RequestID: envelope.RequestID,
			Result:    gateway.CommandResult{Status: gateway.ResultError, Message: "invalid command"},
		})
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if envelope.Source == "" {
		cmd.Source = defaultSource
	}

	l.mu.Lock()
	ctx := l.ctx
	onResult := l.onResult
	l.mu.Unlock()

	res := l.submitter.SubmitCommand(ctx, cmd)
	if onResult != nil {
		onResult(cmd, res)
	}

	l.publishResult(ResultMessage{
		RequestID: envelope.RequestID,
		Command:   cmd.Command,
		Source:    cmd.Source,
		Result:    res,
	})
	return nil
}

func (l *CommandListener) publishResult(msg ResultMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		l.logger.Error("encoding command result", "error", err)
		return
	}
	if err := l.broker.Publish(l.topics.CommandResult(), body, l.qos, false); err != nil {
		l.logger.Warn("mqtt command result publish failed", "error", err)
	}
}
