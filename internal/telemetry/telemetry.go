// Package telemetry records relay activity as time-series points.
package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
)

// Measurement names.
const (
	MeasurementLifecycle   = "relay_lifecycle"
	MeasurementConnections = "relay_connections"
	MeasurementCommands    = "relay_commands"

	defaultInterval = 30 * time.Second
)

// PointWriter queues one point. *influxdb.Client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time)
}

// CountSource reports current registry occupancy. *gateway.Registry
// satisfies it.
type CountSource interface {
	Counts() gateway.Counts
}

// Recorder writes lifecycle events and command outcomes as points and
// samples connection counts on an interval.
type Recorder struct {
	writer   PointWriter
	counts   CountSource
	interval time.Duration
	instance string
	now      func() time.Time
}

// NewRecorder creates a Recorder. instance tags every point so several
// relays can share a bucket. A non-positive interval uses 30s.
func NewRecorder(writer PointWriter, counts CountSource, instance string, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Recorder{
		writer:   writer,
		counts:   counts,
		interval: interval,
		instance: instance,
		now:      time.Now,
	}
}

// Notify implements gateway.Notifier. Writes are non-blocking.
func (r *Recorder) Notify(_ context.Context, ev gateway.LifecycleEvent) error {
	at := ev.OccurredAt
	if at.IsZero() {
		at = r.now()
	}
	r.writer.WritePoint(MeasurementLifecycle,
		map[string]string{
			"relay":  r.instance,
			"device": ev.DeviceName,
			"status": string(ev.Status),
		},
		map[string]any{"count": 1},
		at,
	)
	return nil
}

// RecordCommand writes one point per controller command with the number
// of targets it reached.
func (r *Recorder) RecordCommand(cmd gateway.ControllerCommand, res gateway.CommandResult) {
	fields := map[string]any{"count": 1}
	if res.Results != nil {
		delivered := 0
		for _, label := range res.Results {
			if label == "ok" {
				delivered++
			}
		}
		fields["targets"] = len(res.Results)
		fields["delivered"] = delivered
	}
	r.writer.WritePoint(MeasurementCommands,
		map[string]string{
			"relay":  r.instance,
			"source": cmd.Source,
			"result": res.Status,
		},
		fields,
		r.now(),
	)
}

// Sample writes the current connection counts once.
func (r *Recorder) Sample() {
	c := r.counts.Counts()
	r.writer.WritePoint(MeasurementConnections,
		map[string]string{"relay": r.instance},
		map[string]any{
			"pending":   c.Pending,
			"devices":   c.Devices,
			"observers": c.Observers,
		},
		r.now(),
	)
}

// Run samples connection counts every interval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sample()
		}
	}
}
