package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeBroker struct {
	mu         sync.Mutex
	messages   []published
	handlers   map[string]mqtt.MessageHandler
	publishErr error
	subErr     error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.messages = append(b.messages, published{topic, append([]byte(nil), payload...), qos, retained})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return b.subErr
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s", topic)
	}
	return h(topic, []byte(payload))
}

func (b *fakeBroker) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.messages...)
}

func drain(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPublisher_Routes(t *testing.T) {
	broker := newFakeBroker()
	p := NewPublisher(broker, mqtt.NewTopics("wemos"), 1, 8, nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.Notify(ctx, gateway.LifecycleEvent{DeviceName: "kitchen", Status: gateway.StatusConnected, OccurredAt: at})
	p.Notify(ctx, gateway.LifecycleEvent{DeviceName: "kitchen", Status: gateway.StatusStatus, Payload: json.RawMessage(`{"relay":"on"}`)})
	p.Notify(ctx, gateway.LifecycleEvent{DeviceName: "garage", Status: gateway.StatusRejected, Payload: map[string]string{"reason": "invalid credentials"}})
	p.Notify(ctx, gateway.LifecycleEvent{DeviceName: "kitchen", Status: gateway.StatusDisconnected})
	drain(t, p)

	sent := broker.sent()
	want := []struct {
		topic    string
		retained bool
	}{
		{"wemos/device/kitchen/lifecycle", true},
		{"wemos/device/kitchen/status", false},
		{"wemos/device/garage/lifecycle", false},
		{"wemos/device/kitchen/lifecycle", true},
	}
	if len(sent) != len(want) {
		t.Fatalf("published %d messages, want %d", len(sent), len(want))
	}
	for i, w := range want {
		if sent[i].topic != w.topic || sent[i].retained != w.retained || sent[i].qos != 1 {
			t.Errorf("message %d = %s retained=%v qos=%d, want %s retained=%v", i, sent[i].topic, sent[i].retained, sent[i].qos, w.topic, w.retained)
		}
	}

	var first LifecycleMessage
	if err := json.Unmarshal(sent[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if first.DeviceName != "kitchen" || first.Status != gateway.StatusConnected || first.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("connected message = %+v", first)
	}

	var status map[string]any
	if err := json.Unmarshal(sent[1].payload, &status); err != nil {
		t.Fatal(err)
	}
	payload, ok := status["payload"].(map[string]any)
	if !ok || payload["relay"] != "on" {
		t.Errorf("status payload = %v", status["payload"])
	}
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	broker := newFakeBroker()
	p := NewPublisher(broker, mqtt.NewTopics(""), 0, 1, nil)

	for _i := 0; _i < 3; _i++ {
		if err := p.Notify(context.Background(), gateway.LifecycleEvent{DeviceName: "d", Status: gateway.StatusConnected}); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
	}
	drain(t, p)

	if n := len(broker.sent()); n != 1 {
		t.Errorf("published %d, want 1", n)
	}
}

func TestPublisher_PublishErrorIsSwallowed(t *testing.T) {
	broker := newFakeBroker()
	broker.publishErr = mqtt.ErrNotConnected
	p := NewPublisher(broker, mqtt.NewTopics(""), 0, 4, nil)

	p.Notify(context.Background(), gateway.LifecycleEvent{DeviceName: "d", Status: gateway.StatusConnected})
	drain(t, p)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	cmds []gateway.ControllerCommand
	res  gateway.CommandResult
}

func (s *fakeSubmitter) SubmitCommand(_ context.Context, cmd gateway.ControllerCommand) gateway.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return s.res
}

func TestCommandListener_RoutesAndPublishesResult(t *testing.T) {
	broker := newFakeBroker()
	sub := &fakeSubmitter{res: gateway.CommandResult{Status: gateway.ResultOK, Message: "Command 'ON' sent to kitchen"}}
	topics := mqtt.NewTopics("wemos")
	l := NewCommandListener(broker, topics, 1, sub, nil)

	var observed []gateway.CommandResult
	l.OnResult(func(_ gateway.ControllerCommand, res gateway.CommandResult) {
		observed = append(observed, res)
	})

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := broker.deliver(t, "wemos/command", `{"requestId":"r-1","command":"ON","deviceId":"kitchen"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if len(sub.cmds) != 1 {
		t.Fatalf("submitted %d commands, want 1", len(sub.cmds))
	}
	cmd := sub.cmds[0]
	if cmd.Command != "ON" || cmd.Source != "mqtt" || cmd.Targets().IDs[0] != "kitchen" {
		t.Errorf("submitted command = %+v", cmd)
	}
	if len(observed) != 1 {
		t.Errorf("OnResult called %d times, want 1", len(observed))
	}

	sent := broker.sent()
	if len(sent) != 1 || sent[0].topic != "wemos/command/result" {
		t.Fatalf("published = %+v", sent)
	}
	var msg ResultMessage
	if err := json.Unmarshal(sent[0].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.RequestID != "r-1" || msg.Command != "ON" || msg.Result.Status != gateway.ResultOK {
		t.Errorf("result message = %+v", msg)
	}
}

func TestCommandListener_KeepsExplicitSource(t *testing.T) {
	broker := newFakeBroker()
	sub := &fakeSubmitter{res: gateway.CommandResult{Status: gateway.ResultOK}}
	l := NewCommandListener(broker, mqtt.NewTopics(""), 0, sub, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	broker.deliver(t, "wemos/command", `{"command":"OFF","source":"scheduler"}`)
	if sub.cmds[0].Source != "scheduler" {
		t.Errorf("source = %q, want scheduler", sub.cmds[0].Source)
	}
}

func TestCommandListener_InvalidMessage(t *testing.T) {
	broker := newFakeBroker()
	sub := &fakeSubmitter{}
	l := NewCommandListener(broker, mqtt.NewTopics(""), 0, sub, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, body := range []string{`not json`, `{"requestId":"r-2","command":"  "}`} {
		if err := broker.deliver(t, "wemos/command", body); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("deliver(%q) error = %v, want ErrInvalidMessage", body, err)
		}
	}
	if len(sub.cmds) != 0 {
		t.Errorf("submitted %d commands, want 0", len(sub.cmds))
	}

	sent := broker.sent()
	if len(sent) != 2 {
		t.Fatalf("published %d results, want 2", len(sent))
	}
	var msg ResultMessage
	if err := json.Unmarshal(sent[1].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.RequestID != "r-2" || msg.Result.Status != gateway.ResultError {
		t.Errorf("error result = %+v", msg)
	}
}

func TestCommandListener_StartFailureAndStop(t *testing.T) {
	broker := newFakeBroker()
	broker.subErr = mqtt.ErrNotConnected
	l := NewCommandListener(broker, mqtt.NewTopics(""), 0, &fakeSubmitter{}, nil)

	if err := l.Start(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Fatalf("Start() error = %v, want ErrNotConnected", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop() on unstarted listener error = %v", err)
	}

	broker.subErr = nil
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(broker.handlers) != 0 {
		t.Error("handler still registered after Stop")
	}
}

func TestClientSatisfiesBroker(t *testing.T) {
	var _ Broker = (*mqtt.Client)(nil)
	var _ gateway.Notifier = (*Publisher)(nil)
	var _ Submitter = (*gateway.Gateway)(nil)
}
