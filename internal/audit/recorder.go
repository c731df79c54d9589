package audit

import (
	"context"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
)

// sourceGateway marks entries produced by the gateway itself rather than a
// controller.
const sourceGateway = "gateway"

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Recorder turns lifecycle events and controller commands into audit
// entries and writes them from a single goroutine.
//
// Enqueueing never blocks: when the buffer is full the entry is dropped
// and a warning is logged. STATUS events are not recorded.
type Recorder struct {
	repo   Repository
	ch     chan *Entry
	logger Logger
}

// NewRecorder creates a recorder with a buffer of size entries.
func NewRecorder(repo Repository, size int, logger Logger) *Recorder {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Recorder{
		repo:   repo,
		ch:     make(chan *Entry, size),
		logger: logger,
	}
}

// Notify implements gateway.Notifier.
func (r *Recorder) Notify(_ context.Context, ev gateway.LifecycleEvent) error {
	var event string
	switch ev.Status {
	case gateway.StatusConnected:
		event = EventConnected
	case gateway.StatusRejected:
		event = EventRejected
	case gateway.StatusDisconnected:
		event = EventDisconnected
	default:
		return nil
	}

	e := &Entry{
		Event:      event,
		DeviceName: ev.DeviceName,
		Source:     sourceGateway,
		CreatedAt:  ev.OccurredAt,
	}
	if p, ok := ev.Payload.(map[string]string); ok && len(p) > 0 {
		e.Details = make(map[string]any, len(p))
		for k, v := range p {
			e.Details[k] = v
		}
	}
	r.enqueue(e)
	return nil
}

// RecordCommand records a controller command and its outcome.
func (r *Recorder) RecordCommand(cmd gateway.ControllerCommand, res gateway.CommandResult) {
	targets := cmd.Targets()
	details := map[string]any{
		"command": cmd.Command,
		"status":  res.Status,
	}
	if targets.IsSet() {
		details["targets"] = targets.IDs
	}
	if res.Message != "" {
		details["message"] = res.Message
	}
	if len(res.Results) > 0 {
		details["results"] = res.Results
	}

	e := &Entry{
		Event:     EventCommand,
		Source:    cmd.Source,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if targets.IsSet() && !targets.Multi {
		e.DeviceName = targets.IDs[0]
	}
	r.enqueue(e)
}

func (r *Recorder) enqueue(e *Entry) {
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("audit channel full, dropping entry",
			"event", e.Event,
			"device", e.DeviceName,
		)
	}
}

// Run writes queued entries until ctx is cancelled, then drains the queue.
// Entries are written one at a time, matching SQLite's single writer.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e *Entry) {
	if err := r.repo.Create(context.Background(), e); err != nil {
		r.logger.Error("audit write failed",
			"event", e.Event,
			"device", e.DeviceName,
			"error", err,
		)
	}
}
