package gateway

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle status reported to upstream sinks.
type Status string

// Lifecycle statuses.
const (
	StatusConnected    Status = "CONNECTED"
	StatusRejected     Status = "REJECTED"
	StatusStatus       Status = "STATUS"
	StatusDisconnected Status = "DISCONNECTED"
)

// LifecycleEvent describes one device lifecycle change.
type LifecycleEvent struct {
	DeviceName string    `json:"deviceName"`
	Status     Status    `json:"status"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"-"`
}

// Notifier receives lifecycle events. Implementations must not block the
// caller for long; slow sinks should queue internally.
type Notifier interface {
	Notify(ctx context.Context, ev LifecycleEvent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev LifecycleEvent) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev LifecycleEvent) error {
	return f(ctx, ev)
}

// Fanout delivers each event to every notifier in order. One failing sink
// does not stop the others.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, ev LifecycleEvent) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, LifecycleEvent) error { return nil }

// Logger is the logging surface the gateway needs.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
